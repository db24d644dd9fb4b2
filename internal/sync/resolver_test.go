package sync

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wangshixiong/promptsync/internal/store"
)

// fakeKV is an in-memory KeyValue for resolver and broadcaster tests.
type fakeKV struct {
	values map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: make(map[string]string)}
}

func (f *fakeKV) GetValue(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

func (f *fakeKV) SetValue(key, value string) error {
	f.values[key] = value
	return nil
}

func conflictPair(localNewerBy time.Duration) ConflictPair {
	id := uuid.New()
	local := record(id, "Local", baseTime.Add(localNewerBy))
	remote := record(id, "Remote", baseTime)
	return ConflictPair{Local: local, Remote: remote}
}

func TestResolve_LaterTimestampWins(t *testing.T) {
	r := NewConflictResolver(newFakeKV())

	local := conflictPair(time.Hour)
	id := local.Local.ID
	remoteNewer := ConflictPair{
		Local:  record(uuid.New(), "Local", baseTime),
		Remote: record(uuid.New(), "Remote", baseTime.Add(time.Hour)),
	}
	remoteNewer.Remote.ID = remoteNewer.Local.ID

	resolutions := r.Resolve([]ConflictPair{local, remoteNewer})

	if len(resolutions) != 2 {
		t.Fatalf("resolutions = %d, want 2", len(resolutions))
	}
	if resolutions[0].Winner != SideLocal || resolutions[0].ID != id {
		t.Errorf("newer local copy should win: %+v", resolutions[0])
	}
	if resolutions[0].Record.Title != "Local" {
		t.Errorf("winning record = %q", resolutions[0].Record.Title)
	}
	if resolutions[1].Winner != SideRemote {
		t.Errorf("newer remote copy should win: %+v", resolutions[1])
	}
	if resolutions[1].Record.Title != "Remote" {
		t.Errorf("winning record = %q", resolutions[1].Record.Title)
	}
}

func TestResolve_TieGoesToLocal(t *testing.T) {
	// Inherited tie policy: on an exact timestamp tie the local copy wins.
	r := NewConflictResolver(newFakeKV())

	pair := conflictPair(0)
	resolutions := r.Resolve([]ConflictPair{pair})

	if len(resolutions) != 1 || resolutions[0].Winner != SideLocal {
		t.Fatalf("tie must go to local, got %+v", resolutions)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	r := NewConflictResolver(newFakeKV())
	pair := conflictPair(time.Hour)

	first := r.Resolve([]ConflictPair{pair})
	second := r.Resolve([]ConflictPair{pair})

	if first[0].Winner != second[0].Winner {
		t.Error("resolving the same pair twice must yield the same winner")
	}
	// Exactly one log entry per invocation, no more.
	if got := len(r.Log()); got != 2 {
		t.Errorf("log entries = %d, want 2", got)
	}
}

func TestResolve_LogEntries(t *testing.T) {
	r := NewConflictResolver(newFakeKV())
	pair := conflictPair(time.Hour)

	r.Resolve([]ConflictPair{pair})

	log := r.Log()
	if len(log) != 1 {
		t.Fatalf("log entries = %d, want 1", len(log))
	}
	entry := log[0]
	if entry.RecordID != pair.Local.ID {
		t.Errorf("record id = %s", entry.RecordID)
	}
	if entry.Winner != SideLocal {
		t.Errorf("winner = %s", entry.Winner)
	}
	if !entry.LocalUpdatedAt.Equal(pair.Local.UpdatedAt) || !entry.RemoteUpdatedAt.Equal(pair.Remote.UpdatedAt) {
		t.Error("log entry must record both timestamps")
	}
	if entry.ResolvedAt.IsZero() {
		t.Error("log entry must record the resolution time")
	}
}

func TestResolve_LogBounded(t *testing.T) {
	r := NewConflictResolver(newFakeKV())

	var pairs []ConflictPair
	for i := 0; i < conflictLogCap+25; i++ {
		pairs = append(pairs, conflictPair(time.Hour))
	}
	r.Resolve(pairs)

	log := r.Log()
	if len(log) != conflictLogCap {
		t.Fatalf("log entries = %d, want cap %d", len(log), conflictLogCap)
	}
	// Oldest evicted first: the survivors are the tail of the input.
	if log[0].RecordID != pairs[25].Local.ID {
		t.Error("expected the oldest entries evicted first")
	}
}

func TestResolver_LogPersists(t *testing.T) {
	kv := newFakeKV()

	r := NewConflictResolver(kv)
	r.Resolve([]ConflictPair{conflictPair(time.Hour)})

	if _, ok := kv.GetValue(store.KeyConflictLog); !ok {
		t.Fatal("expected the log persisted under the conflict_log key")
	}

	// A fresh resolver over the same kv restores the log.
	r2 := NewConflictResolver(kv)
	if got := len(r2.Log()); got != 1 {
		t.Errorf("restored log entries = %d, want 1", got)
	}
}
