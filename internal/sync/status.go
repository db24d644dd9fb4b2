package sync

import (
	"log/slog"
	"sync"

	"github.com/wangshixiong/promptsync/internal/store"
)

// Status is the externally visible state of the sync engine.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSyncing  Status = "syncing"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusConflict Status = "conflict"
)

// valid reports whether s is a known status, used when restoring the
// persisted value.
func (s Status) valid() bool {
	switch s {
	case StatusIdle, StatusSyncing, StatusSuccess, StatusError, StatusConflict:
		return true
	}
	return false
}

// StatusListener receives status transitions. Listeners are invoked
// synchronously and must be idempotent; the broadcaster does not retry or
// dedup.
type StatusListener func(status Status, message string)

// KeyValue is the bookkeeping subset of the local store the broadcaster and
// resolver persist through.
type KeyValue interface {
	GetValue(key string) (string, bool)
	SetValue(key, value string) error
}

// StatusBroadcaster holds the current sync status plus an optional
// human-readable message and notifies subscribers of transitions. Status is
// persisted so the UI can restore it across restarts; it is never read back
// to drive engine logic.
type StatusBroadcaster struct {
	mu        sync.Mutex
	status    Status
	message   string
	listeners map[int]StatusListener
	nextID    int
	kv        KeyValue
}

// NewStatusBroadcaster creates a broadcaster, restoring the persisted status
// if one exists.
func NewStatusBroadcaster(kv KeyValue) *StatusBroadcaster {
	b := &StatusBroadcaster{
		status:    StatusIdle,
		listeners: make(map[int]StatusListener),
		kv:        kv,
	}

	if kv != nil {
		if v, ok := kv.GetValue(store.KeySyncStatus); ok && Status(v).valid() {
			b.status = Status(v)
		}
	}

	return b
}

// Current returns the last set status and message.
func (b *StatusBroadcaster) Current() (Status, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.message
}

// Set updates the status, persists it, and synchronously invokes every
// registered listener.
func (b *StatusBroadcaster) Set(status Status, message string) {
	b.mu.Lock()
	b.status = status
	b.message = message
	listeners := make([]StatusListener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	if b.kv != nil {
		if err := b.kv.SetValue(store.KeySyncStatus, string(status)); err != nil {
			slog.Warn("failed to persist sync status", "error", err)
		}
	}

	for _, l := range listeners {
		l(status, message)
	}
}

// Subscribe registers a listener and returns its subscription id.
func (b *StatusBroadcaster) Subscribe(l StatusListener) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners[b.nextID] = l
	return b.nextID
}

// Unsubscribe removes a listener.
func (b *StatusBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}
