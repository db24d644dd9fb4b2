package sync

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wangshixiong/promptsync/internal/prompt"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func record(id uuid.UUID, title string, updatedAt time.Time) prompt.Record {
	return prompt.Record{
		ID:        id,
		OwnerID:   "owner-1",
		Title:     title,
		Content:   "content of " + title,
		CreatedAt: baseTime,
		UpdatedAt: updatedAt,
	}
}

func TestAnalyze_DisjointSnapshots(t *testing.T) {
	// With no overlapping ids, every local record uploads and every
	// non-deleted remote record downloads.
	local := []prompt.Record{
		record(uuid.New(), "L1", baseTime),
		record(uuid.New(), "L2", baseTime),
	}
	tombstone := record(uuid.New(), "R2", baseTime)
	tombstone.IsDeleted = true
	remote := []prompt.Record{
		record(uuid.New(), "R1", baseTime),
		tombstone,
	}

	plan := Analyze(local, remote)

	if len(plan.ToUpload) != 2 {
		t.Errorf("uploads = %d, want 2", len(plan.ToUpload))
	}
	if len(plan.ToDownload) != 1 {
		t.Errorf("downloads = %d, want 1", len(plan.ToDownload))
	}
	if len(plan.ToDelete) != 1 {
		t.Errorf("deletions = %d, want 1", len(plan.ToDelete))
	}
	if len(plan.Conflicts) != 0 {
		t.Errorf("conflicts = %d, want 0", len(plan.Conflicts))
	}
}

func TestAnalyze_LocalNewer(t *testing.T) {
	id := uuid.New()
	local := []prompt.Record{record(id, "X", baseTime.Add(24*time.Hour))}
	remote := []prompt.Record{record(id, "Y", baseTime)}

	plan := Analyze(local, remote)

	if len(plan.ToUpload) != 1 || plan.ToUpload[0].ID != id {
		t.Fatalf("expected the record in ToUpload, got %+v", plan)
	}
	if plan.ToUpload[0].Title != "X" {
		t.Errorf("uploaded title = %q, want the local %q", plan.ToUpload[0].Title, "X")
	}
	if len(plan.Conflicts) != 0 || len(plan.ToDownload) != 0 {
		t.Error("a strictly newer local copy must never be a conflict or download")
	}
}

func TestAnalyze_RemoteNewer(t *testing.T) {
	id := uuid.New()
	local := []prompt.Record{record(id, "X", baseTime)}
	remote := []prompt.Record{record(id, "Y", baseTime.Add(time.Hour))}

	plan := Analyze(local, remote)

	if len(plan.ToDownload) != 1 || plan.ToDownload[0].Title != "Y" {
		t.Fatalf("expected the remote copy in ToDownload, got %+v", plan)
	}
}

func TestAnalyze_TieIdenticalContent(t *testing.T) {
	id := uuid.New()
	local := []prompt.Record{record(id, "Same", baseTime)}
	remote := []prompt.Record{record(id, "Same", baseTime)}

	plan := Analyze(local, remote)

	if !plan.Empty() {
		t.Errorf("tie with identical content must be a no-op, got %+v", plan)
	}
}

func TestAnalyze_TieDifferingContent(t *testing.T) {
	// An exact-timestamp tie with differing content is the only case that
	// produces a conflict.
	id := uuid.New()
	local := []prompt.Record{record(id, "Mine", baseTime)}
	remote := []prompt.Record{record(id, "Theirs", baseTime)}

	plan := Analyze(local, remote)

	if len(plan.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(plan.Conflicts))
	}
	pair := plan.Conflicts[0]
	if pair.Local.Title != "Mine" || pair.Remote.Title != "Theirs" {
		t.Errorf("pair = %+v", pair)
	}
	if len(plan.ToUpload) != 0 || len(plan.ToDownload) != 0 {
		t.Error("a conflicting pair must appear only in Conflicts")
	}
}

func TestAnalyze_TieWithTombstone(t *testing.T) {
	// A tie where one side is a tombstone is not a conflict; local wins the
	// tie and is uploaded.
	id := uuid.New()
	l := record(id, "X", baseTime)
	l.IsDeleted = true
	local := []prompt.Record{l}
	remote := []prompt.Record{record(id, "X", baseTime)}

	plan := Analyze(local, remote)

	if len(plan.Conflicts) != 0 {
		t.Error("tombstone ties must not be conflicts")
	}
	if len(plan.ToUpload) != 1 || !plan.ToUpload[0].IsDeleted {
		t.Errorf("expected the local tombstone uploaded, got %+v", plan)
	}
}

func TestAnalyze_RemoteTombstoneAbsentLocally(t *testing.T) {
	id := uuid.New()
	tomb := record(id, "Gone", baseTime)
	tomb.IsDeleted = true

	plan := Analyze(nil, []prompt.Record{tomb})

	if len(plan.ToDelete) != 1 || plan.ToDelete[0].ID != id {
		t.Fatalf("expected the tombstone in ToDelete, got %+v", plan)
	}
	if len(plan.ToDownload) != 0 {
		t.Error("tombstones must never download")
	}
}

func TestAnalyze_ConvergedTombstone(t *testing.T) {
	// Identical tombstone on both sides: dropped from all lists.
	id := uuid.New()
	tomb := record(id, "Gone", baseTime)
	tomb.IsDeleted = true

	plan := Analyze([]prompt.Record{tomb}, []prompt.Record{tomb})

	if !plan.Empty() {
		t.Errorf("converged tombstone must produce no work, got %+v", plan)
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	var local, remote []prompt.Record
	for i := 0; i < 20; i++ {
		local = append(local, record(uuid.New(), "L", baseTime))
		remote = append(remote, record(uuid.New(), "R", baseTime))
	}

	first := Analyze(local, remote)
	for i := 0; i < 5; i++ {
		again := Analyze(local, remote)
		for j := range first.ToUpload {
			if first.ToUpload[j].ID != again.ToUpload[j].ID {
				t.Fatal("upload order differs between identical runs")
			}
		}
		for j := range first.ToDownload {
			if first.ToDownload[j].ID != again.ToDownload[j].ID {
				t.Fatal("download order differs between identical runs")
			}
		}
	}
}

func TestAnalyze_EmptyInputs(t *testing.T) {
	if plan := Analyze(nil, nil); !plan.Empty() {
		t.Errorf("empty inputs must produce an empty plan, got %+v", plan)
	}
}
