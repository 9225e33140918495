package signals

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Signal kinds surfaced by Watch.
const (
	SignalCancel    = "cancel"
	SignalPause     = "pause"
	SignalDirective = "directive"
)

// Signal is one control-plane arrival observed by a watcher.
type Signal struct {
	SessionID string
	Kind      string
}

// Watch surfaces cancel, pause, and directive arrivals for sessionID as
// they land in the signal directory. This is a wake-up channel for
// push-style consumers; the polled flags remain authoritative, so a
// missed notification costs latency, never correctness. The channel
// closes when ctx is cancelled or the watcher fails.
func (f *FileControl) Watch(ctx context.Context, sessionID string) (<-chan Signal, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, err
	}

	kinds := map[string]string{
		sessionID + suffixCancel:    SignalCancel,
		sessionID + suffixPause:     SignalPause,
		sessionID + suffixDirective: SignalDirective,
	}

	out := make(chan Signal, 8)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				kind, ok := kinds[filepath.Base(event.Name)]
				if !ok {
					continue
				}
				select {
				case out <- Signal{SessionID: sessionID, Kind: kind}:
				case <-ctx.Done():
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}

// Response is one published session response observed by a watcher.
type Response struct {
	SessionID string
	Seq       int
	Content   string
}

// WatchResponses streams responses published for sessionID as they
// appear, starting after the highest sequence already on disk. The
// channel closes when ctx is cancelled or the watcher fails.
func (f *FileControl) WatchResponses(ctx context.Context, sessionID string) (<-chan Response, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan Response, 8)
	last := f.maxResponseSeq(sessionID)
	prefix := sessionID + suffixResponse

	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				name := filepath.Base(event.Name)
				if !strings.HasPrefix(name, prefix) {
					continue
				}
				seq, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
				if err != nil || seq <= last {
					continue
				}
				raw, err := os.ReadFile(event.Name)
				if err != nil {
					continue
				}
				last = seq
				select {
				case out <- Response{SessionID: sessionID, Seq: seq, Content: string(raw)}:
				case <-ctx.Done():
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}
