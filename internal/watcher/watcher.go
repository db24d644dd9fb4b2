// Package watcher monitors the data directory for out-of-process changes:
// the UI rewriting the prompt collection, or the sign-in flow replacing the
// session token.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a flat directory and reports debounced events for a fixed
// set of file names.
type Watcher struct {
	dir       string
	names     map[string]bool
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	stopCh    chan struct{}
}

// New creates a watcher over dir reporting only the given file names.
func New(dir string, debounceMs int, names ...string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	return &Watcher{
		dir:       dir,
		names:     nameSet,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(debounceMs),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins watching the directory.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	go w.processEvents(ctx)

	slog.Info("watcher started", "dir", w.dir, "files", len(w.names))
	return nil
}

// Events returns the channel of debounced file events.
func (w *Watcher) Events() <-chan FileEvent {
	return w.debouncer.Events()
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.debouncer.Stop()
	return w.watcher.Close()
}

// Flush flushes all pending debounced events.
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			name := filepath.Base(event.Name)
			if !w.names[name] {
				continue
			}
			w.handleEvent(event, name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, name string) {
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.debouncer.Add(name, EventWrite)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// An atomic replace (temp file + rename) shows up as a rename of
		// the target; the follow-up create comes through as a write.
		w.debouncer.Add(name, EventRemove)

	case event.Has(fsnotify.Chmod):
		// Ignore chmod events
	}
}
