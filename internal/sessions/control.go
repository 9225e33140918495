package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Control sentinels mirror the signal-directory flags for tooling that
// works against the session directory instead of the control plane.
// Existence of the file is the flag.

// RequestCancel drops the cancel sentinel.
func (d *Dir) RequestCancel() error {
	return touch(filepath.Join(d.path, cancelSentinel))
}

// CancelRequested reports whether the cancel sentinel is present.
func (d *Dir) CancelRequested() bool {
	return exists(filepath.Join(d.path, cancelSentinel))
}

// ClearCancel removes the cancel sentinel if present.
func (d *Dir) ClearCancel() error {
	return removeIfPresent(filepath.Join(d.path, cancelSentinel))
}

// RequestPause drops the pause sentinel.
func (d *Dir) RequestPause() error {
	return touch(filepath.Join(d.path, pauseSentinel))
}

// Paused reports whether the pause sentinel is present.
func (d *Dir) Paused() bool {
	return exists(filepath.Join(d.path, pauseSentinel))
}

// ClearPause removes the pause sentinel if present.
func (d *Dir) ClearPause() error {
	return removeIfPresent(filepath.Join(d.path, pauseSentinel))
}

// PublishResponse writes content as response.<n> where n is one past
// the highest existing sequence. Numbering is recovered from the
// directory, so it survives process restarts.
func (d *Dir) PublishResponse(content string) (int, error) {
	seq := d.maxResponseSeq() + 1
	path := filepath.Join(d.path, responsePrefix+strconv.Itoa(seq))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return 0, fmt.Errorf("sessions: write response: %w", err)
	}
	return seq, nil
}

// ReadResponse returns the response with the given sequence number.
func (d *Dir) ReadResponse(seq int) (string, error) {
	raw, err := os.ReadFile(filepath.Join(d.path, responsePrefix+strconv.Itoa(seq)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("sessions: response %d for %s: %w", seq, d.id, ErrNotFound)
		}
		return "", fmt.Errorf("sessions: read response: %w", err)
	}
	return string(raw), nil
}

// LatestResponse returns the highest-numbered response, or ErrNotFound
// when none were published.
func (d *Dir) LatestResponse() (string, error) {
	seq := d.maxResponseSeq()
	if seq == 0 {
		return "", fmt.Errorf("sessions: responses for %s: %w", d.id, ErrNotFound)
	}
	return d.ReadResponse(seq)
}

func (d *Dir) maxResponseSeq() int {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0
	}
	max := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), responsePrefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), responsePrefix)); err == nil && n > max {
			max = n
		}
	}
	return max
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
