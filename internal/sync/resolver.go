package sync

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wangshixiong/promptsync/internal/prompt"
	"github.com/wangshixiong/promptsync/internal/store"
)

// Side names the winning copy of a resolved conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// conflictLogCap bounds the resolution log; oldest entries are evicted first.
const conflictLogCap = 100

// Resolution is the outcome of one conflict: the winning record and the side
// it came from. Local winners are uploaded, remote winners downloaded.
type Resolution struct {
	ID     uuid.UUID
	Winner Side
	Record prompt.Record
}

// LogEntry is an immutable diagnostic record of one resolution. The log is
// never read back by sync logic.
type LogEntry struct {
	RecordID        uuid.UUID `json:"record_id"`
	Winner          Side      `json:"winner"`
	LocalUpdatedAt  time.Time `json:"local_updated_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
	ResolvedAt      time.Time `json:"resolved_at"`
}

// ConflictResolver applies last-write-wins to conflicting record pairs and
// keeps a bounded, persisted log of its decisions.
type ConflictResolver struct {
	mu  sync.Mutex
	log []LogEntry
	kv  KeyValue
}

// NewConflictResolver creates a resolver, restoring any persisted log.
func NewConflictResolver(kv KeyValue) *ConflictResolver {
	r := &ConflictResolver{kv: kv}

	if kv != nil {
		if raw, ok := kv.GetValue(store.KeyConflictLog); ok {
			if err := json.Unmarshal([]byte(raw), &r.log); err != nil {
				slog.Warn("discarding unreadable conflict log", "error", err)
				r.log = nil
			}
		}
	}

	return r
}

// Resolve picks a winner for each pair: the later updated_at wins, and an
// exact tie goes to the local copy. Resolving the same pair twice yields the
// same winner.
func (r *ConflictResolver) Resolve(pairs []ConflictPair) []Resolution {
	if len(pairs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	resolutions := make([]Resolution, 0, len(pairs))

	r.mu.Lock()
	for _, pair := range pairs {
		winner := SideLocal
		record := pair.Local
		if pair.Remote.UpdatedAt.After(pair.Local.UpdatedAt) {
			winner = SideRemote
			record = pair.Remote
		}

		resolutions = append(resolutions, Resolution{
			ID:     pair.Local.ID,
			Winner: winner,
			Record: record,
		})

		r.log = append(r.log, LogEntry{
			RecordID:        pair.Local.ID,
			Winner:          winner,
			LocalUpdatedAt:  pair.Local.UpdatedAt,
			RemoteUpdatedAt: pair.Remote.UpdatedAt,
			ResolvedAt:      now,
		})

		slog.Info("conflict resolved",
			"record", pair.Local.ID,
			"winner", winner,
			"local_updated_at", pair.Local.UpdatedAt,
			"remote_updated_at", pair.Remote.UpdatedAt)
	}

	if excess := len(r.log) - conflictLogCap; excess > 0 {
		r.log = append([]LogEntry(nil), r.log[excess:]...)
	}
	r.mu.Unlock()

	r.persistLog()
	return resolutions
}

// Log returns a copy of the resolution log, oldest first.
func (r *ConflictResolver) Log() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.log))
	copy(out, r.log)
	return out
}

func (r *ConflictResolver) persistLog() {
	if r.kv == nil {
		return
	}

	r.mu.Lock()
	raw, err := json.Marshal(r.log)
	r.mu.Unlock()
	if err != nil {
		slog.Warn("failed to encode conflict log", "error", err)
		return
	}

	if err := r.kv.SetValue(store.KeyConflictLog, string(raw)); err != nil {
		slog.Warn("failed to persist conflict log", "error", err)
	}
}
