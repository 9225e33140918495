package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rho-agent/rho/pkg/models"
)

// Meta is the session's meta.json: enough to render a listing and to
// tell whether the owning process is still around.
type Meta struct {
	SessionID string               `json:"session_id"`
	PID       int                  `json:"pid"`
	Model     string               `json:"model"`
	Status    models.SessionStatus `json:"status"`
	StartedAt time.Time            `json:"started_at"`
}

// SaveMeta writes meta.json, filling SessionID, PID, and StartedAt when
// the caller left them zero.
func (d *Dir) SaveMeta(meta Meta) error {
	if meta.SessionID == "" {
		meta.SessionID = d.id
	}
	if meta.PID == 0 {
		meta.PID = os.Getpid()
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	if meta.Status == "" {
		meta.Status = models.StatusCreated
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.path, metaFile), raw, 0o644); err != nil {
		return fmt.Errorf("sessions: write meta: %w", err)
	}
	return nil
}

// LoadMeta reads meta.json. ErrNotFound when it was never written.
func (d *Dir) LoadMeta() (Meta, error) {
	raw, err := os.ReadFile(filepath.Join(d.path, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("sessions: meta for %s: %w", d.id, ErrNotFound)
		}
		return Meta{}, fmt.Errorf("sessions: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, fmt.Errorf("sessions: parse meta: %w", err)
	}
	return meta, nil
}

// SetStatus rewrites meta.json with the new status, keeping the other
// fields. Used at run boundaries so listings show current state.
func (d *Dir) SetStatus(status models.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("sessions: invalid status %q", status)
	}
	meta, err := d.LoadMeta()
	if err != nil {
		return err
	}
	meta.Status = status
	return d.SaveMeta(meta)
}
