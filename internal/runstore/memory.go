package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rho-agent/rho/pkg/models"
)

// MemoryStore keeps snapshots in process memory for tests and
// embedders. Snapshots round-trip through JSON so callers see the
// same copy semantics as the durable stores.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]memoryEntry
	seq    int64
}

type memoryEntry struct {
	blob []byte
	seq  int64
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Save(_ context.Context, runID string, state *models.RunState) error {
	if runID == "" {
		return fmt.Errorf("runstore: run id is required")
	}
	if state == nil {
		return fmt.Errorf("runstore: nil run state")
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("runstore: encode state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.states[runID] = memoryEntry{blob: blob, seq: m.seq}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, runID string) (*models.RunState, error) {
	m.mu.Lock()
	entry, ok := m.states[runID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var state models.RunState
	if err := json.Unmarshal(entry.blob, &state); err != nil {
		return nil, fmt.Errorf("runstore: decode %s: %w", runID, err)
	}
	return &state, nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	delete(m.states, runID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.states[ids[i]].seq > m.states[ids[j]].seq
	})
	return ids, nil
}

func (m *MemoryStore) Close() error { return nil }
