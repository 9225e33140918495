// Package sessions persists one directory per session so runs can be
// listed, inspected, resumed, and exported after the process that owned
// them is gone. The layout is deliberately plain files:
//
//	<root>/<session-id>/
//	    config.yaml    agent configuration, enough to rebuild on resume
//	    meta.json      pid, model, status, started_at
//	    trace.jsonl    the state event log (see internal/state)
//	    response.<n>   published final responses, numbered from 1
//	    outputs/       full tool outputs that were truncated inline
//	    cancel, pause  optional control sentinels
//
// Everything is readable with cat and survives crashes: the trace is
// append-only and meta.json is the only file rewritten in place.
package sessions

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rho-agent/rho/internal/state"
)

// File names inside a session directory.
const (
	configFile     = "config.yaml"
	metaFile       = "meta.json"
	traceFile      = "trace.jsonl"
	outputsSubdir  = "outputs"
	cancelSentinel = "cancel"
	pauseSentinel  = "pause"
	responsePrefix = "response."
)

// ErrNotFound is returned when a session directory or one of its
// records does not exist.
var ErrNotFound = errors.New("sessions: not found")

// Root returns the default sessions root: ~/.config/rho-agent/sessions.
func Root() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rho-agent", "sessions")
	}
	return filepath.Join(home, ".config", "rho-agent", "sessions")
}

// Dir is a handle to one session directory. It holds no open files;
// every method goes back to disk, so handles in different processes
// observe each other's writes.
type Dir struct {
	path string
	id   string
}

// Create makes the directory for a new session, including parents.
// Creating an existing session is not an error; the handle simply
// points at the surviving files.
func Create(root, id string) (*Dir, error) {
	if id == "" {
		return nil, errors.New("sessions: session id is required")
	}
	path := filepath.Join(root, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create %s: %w", path, err)
	}
	return &Dir{path: path, id: id}, nil
}

// Open returns a handle to an existing session directory.
func Open(root, id string) (*Dir, error) {
	if id == "" {
		return nil, errors.New("sessions: session id is required")
	}
	path := filepath.Join(root, id)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("sessions: %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("sessions: open %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sessions: %s is not a directory", path)
	}
	return &Dir{path: path, id: id}, nil
}

// ID returns the session id (the directory name).
func (d *Dir) ID() string { return d.id }

// Path returns the session directory path.
func (d *Dir) Path() string { return d.path }

// TracePath returns where the session's event log lives.
func (d *Dir) TracePath() string {
	return filepath.Join(d.path, traceFile)
}

// OpenTrace opens the trace file for appending. Attach the writer to
// the session's State so every recorded event lands on disk.
func (d *Dir) OpenTrace(opts ...state.TraceOption) (*state.TraceWriter, error) {
	return state.NewTraceWriter(d.TracePath(), opts...)
}

// ReplayState reconstructs the State from the trace log. A session that
// never recorded an event replays to an empty state.
func (d *Dir) ReplayState() (*state.State, error) {
	f, err := os.Open(d.TracePath())
	if err != nil {
		if os.IsNotExist(err) {
			return state.New(d.id), nil
		}
		return nil, fmt.Errorf("sessions: open trace: %w", err)
	}
	defer f.Close()
	return state.Replay(f)
}

// OutputsDir ensures and returns the directory for full tool outputs,
// written when an inline result had to be truncated.
func (d *Dir) OutputsDir() (string, error) {
	dir := filepath.Join(d.path, outputsSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sessions: create outputs dir: %w", err)
	}
	return dir, nil
}

// List returns the metadata of every session under root, most recently
// started first. Directories without a readable meta.json are skipped:
// they are either mid-creation or debris, and neither should break
// listing.
func List(root string) ([]Meta, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessions: list %s: %w", root, err)
	}
	var metas []Meta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		d := &Dir{path: filepath.Join(root, entry.Name()), id: entry.Name()}
		meta, err := d.LoadMeta()
		if err != nil {
			continue
		}
		if meta.SessionID == "" {
			meta.SessionID = entry.Name()
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].StartedAt.Equal(metas[j].StartedAt) {
			return metas[i].StartedAt.After(metas[j].StartedAt)
		}
		return metas[i].SessionID < metas[j].SessionID
	})
	return metas, nil
}
