package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/rho-agent/rho/internal/logging"
)

// EnvSignalDir overrides the default signal directory.
const EnvSignalDir = "RHO_AGENT_SIGNAL_DIR"

// Sentinel suffixes. Every file for a session is named
// <session-id><suffix>, so one readdir finds everything.
const (
	suffixRunning   = ".running"
	suffixCancel    = ".cancel"
	suffixPause     = ".pause"
	suffixDirective = ".directive"
	suffixExport    = ".export"
	suffixContext   = ".context"
	suffixResponse  = ".response." // followed by the sequence number
)

// ErrNoResponse is returned when a requested response sequence does
// not exist yet.
var ErrNoResponse = errors.New("signals: no such response")

// DefaultDir returns the signal directory: $RHO_AGENT_SIGNAL_DIR, or
// ~/.config/rho-agent/signals.
func DefaultDir() string {
	if dir := os.Getenv(EnvSignalDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rho-agent", "signals")
	}
	return filepath.Join(home, ".config", "rho-agent", "signals")
}

// FileControl implements SessionControl with sentinel files. Flags are
// the existence of a file; the directive queue is a line-oriented file
// guarded by flock so concurrent writers never interleave.
type FileControl struct {
	dir string
	log *logging.Logger
}

// FileControlOption customizes a FileControl.
type FileControlOption func(*FileControl)

// WithFileControlLogger sets the logger.
func WithFileControlLogger(l *logging.Logger) FileControlOption {
	return func(f *FileControl) { f.log = l }
}

// NewFileControl creates the directory if needed and returns the
// control handle.
func NewFileControl(dir string, opts ...FileControlOption) (*FileControl, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("signals: create dir: %w", err)
	}
	fc := &FileControl{dir: dir, log: logging.Nop()}
	for _, opt := range opts {
		opt(fc)
	}
	return fc, nil
}

// Dir returns the signal directory.
func (f *FileControl) Dir() string { return f.dir }

func (f *FileControl) path(sessionID, suffix string) string {
	return filepath.Join(f.dir, sessionID+suffix)
}

func (f *FileControl) Register(_ context.Context, info RunningSession) error {
	if info.SessionID == "" {
		return errors.New("signals: empty session id")
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path(info.SessionID, suffixRunning), raw, 0o644)
}

func (f *FileControl) Deregister(_ context.Context, sessionID string) error {
	var firstErr error
	for _, suffix := range []string{suffixRunning, suffixCancel, suffixPause, suffixDirective, suffixExport} {
		if err := os.Remove(f.path(sessionID, suffix)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *FileControl) ListRunning(_ context.Context) ([]RunningSession, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var sessions []RunningSession
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffixRunning) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		var info RunningSession
		if err := json.Unmarshal(raw, &info); err != nil {
			f.log.Warn(context.Background(), "skip malformed registration", "file", entry.Name(), "err", err)
			continue
		}
		sessions = append(sessions, info)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
	return sessions, nil
}

func (f *FileControl) RequestCancel(_ context.Context, sessionID string) error {
	return touch(f.path(sessionID, suffixCancel))
}

func (f *FileControl) ClearCancel(_ context.Context, sessionID string) error {
	return removeIfPresent(f.path(sessionID, suffixCancel))
}

func (f *FileControl) IsCancelRequested(_ context.Context, sessionID string) bool {
	return exists(f.path(sessionID, suffixCancel))
}

func (f *FileControl) RequestPause(_ context.Context, sessionID string) error {
	return touch(f.path(sessionID, suffixPause))
}

func (f *FileControl) ClearPause(_ context.Context, sessionID string) error {
	return removeIfPresent(f.path(sessionID, suffixPause))
}

func (f *FileControl) IsPaused(_ context.Context, sessionID string) bool {
	return exists(f.path(sessionID, suffixPause))
}

// QueueDirective appends one JSON-encoded line under an exclusive
// flock, so multiline text and concurrent writers are both safe.
func (f *FileControl) QueueDirective(_ context.Context, sessionID, text string) error {
	file, err := os.OpenFile(f.path(sessionID, suffixDirective), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("signals: lock directive queue: %w", err)
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN)

	line, err := json.Marshal(text)
	if err != nil {
		return err
	}
	_, err = file.Write(append(line, '\n'))
	return err
}

// ConsumeDirectives drains the queue: read everything, truncate, all
// under the same lock the writers take.
func (f *FileControl) ConsumeDirectives(_ context.Context, sessionID string) ([]string, error) {
	path := f.path(sessionID, suffixDirective)
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return nil, fmt.Errorf("signals: lock directive queue: %w", err)
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(0); err != nil {
		return nil, err
	}

	var directives []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var text string
		if err := json.Unmarshal([]byte(line), &text); err != nil {
			f.log.Warn(context.Background(), "skip malformed directive", "session_id", sessionID, "err", err)
			continue
		}
		directives = append(directives, text)
	}
	return directives, nil
}

func (f *FileControl) RequestExport(_ context.Context, sessionID string) error {
	return touch(f.path(sessionID, suffixExport))
}

// TakeExportRequest consumes the export flag. Removal doubles as the
// claim, so exactly one taker wins.
func (f *FileControl) TakeExportRequest(_ context.Context, sessionID string) bool {
	return os.Remove(f.path(sessionID, suffixExport)) == nil
}

func (f *FileControl) WriteContext(_ context.Context, sessionID, content string) error {
	return os.WriteFile(f.path(sessionID, suffixContext), []byte(content), 0o644)
}

func (f *FileControl) ReadContext(_ context.Context, sessionID string) (string, error) {
	raw, err := os.ReadFile(f.path(sessionID, suffixContext))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// PublishResponse writes the content under max(existing)+1. Sequences
// survive restarts because they are recovered from the directory.
func (f *FileControl) PublishResponse(_ context.Context, sessionID, content string) (int, error) {
	seq := f.maxResponseSeq(sessionID) + 1
	path := f.path(sessionID, suffixResponse) + strconv.Itoa(seq)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return 0, err
	}
	return seq, nil
}

func (f *FileControl) ReadResponse(_ context.Context, sessionID string, seq int) (string, error) {
	raw, err := os.ReadFile(f.path(sessionID, suffixResponse) + strconv.Itoa(seq))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoResponse
		}
		return "", err
	}
	return string(raw), nil
}

func (f *FileControl) maxResponseSeq(sessionID string) int {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0
	}
	prefix := sessionID + suffixResponse
	max := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), prefix)); err == nil && n > max {
			max = n
		}
	}
	return max
}

// CollectGarbage removes every session whose registered pid is no
// longer alive, along with all its sentinel files.
func (f *FileControl) CollectGarbage(ctx context.Context) (int, error) {
	sessions, err := f.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range sessions {
		if pidAlive(info.PID) {
			continue
		}
		f.removeAll(info.SessionID)
		removed++
	}
	return removed, nil
}

func (f *FileControl) removeAll(sessionID string) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), sessionID+".") {
			_ = os.Remove(filepath.Join(f.dir, entry.Name()))
		}
	}
}

func (f *FileControl) CancelByPrefix(ctx context.Context, prefix string) (int, error) {
	sessions, err := f.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, info := range sessions {
		if !strings.HasPrefix(info.SessionID, prefix) {
			continue
		}
		if err := f.RequestCancel(ctx, info.SessionID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (f *FileControl) PauseAll(ctx context.Context) (int, error) {
	return f.forEachRunning(ctx, f.RequestPause)
}

func (f *FileControl) ResumeAll(ctx context.Context) (int, error) {
	return f.forEachRunning(ctx, f.ClearPause)
}

func (f *FileControl) forEachRunning(ctx context.Context, fn func(context.Context, string) error) (int, error) {
	sessions, err := f.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, info := range sessions {
		if err := fn(ctx, info.SessionID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func touch(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func removeIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// pidAlive probes a pid with signal 0. EPERM still means the process
// exists, just owned by someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
