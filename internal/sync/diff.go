package sync

import (
	"sort"

	"github.com/google/uuid"

	"github.com/wangshixiong/promptsync/internal/prompt"
)

// Plan is the reconciliation plan for one sync run: four disjoint lists of
// work. Plans are built fresh per run and never persisted.
type Plan struct {
	ToUpload   []prompt.Record
	ToDownload []prompt.Record
	ToDelete   []prompt.Record // remote tombstones to apply locally
	Conflicts  []ConflictPair
}

// ConflictPair is one local and one remote record sharing an id whose
// timestamps tie while their content differs.
type ConflictPair struct {
	Local  prompt.Record
	Remote prompt.Record
}

// Empty reports whether the plan contains no work.
func (p Plan) Empty() bool {
	return len(p.ToUpload) == 0 && len(p.ToDownload) == 0 &&
		len(p.ToDelete) == 0 && len(p.Conflicts) == 0
}

// Analyze compares a local snapshot against a remote snapshot and produces a
// reconciliation plan. Pure: no clock reads, no randomness; identical inputs
// yield an identical plan, with list order following sorted record ids.
//
// updated_at is the sole arbiter of freshness. On an exact timestamp tie,
// identical content is a no-op and differing content between two live records
// is a conflict; a tie involving a tombstone falls back to the tie policy
// (local wins) and becomes an upload.
func Analyze(local, remote []prompt.Record) Plan {
	localByID := make(map[uuid.UUID]prompt.Record, len(local))
	for _, r := range local {
		localByID[r.ID] = r
	}
	remoteByID := make(map[uuid.UUID]prompt.Record, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}

	var plan Plan

	for _, id := range sortedIDs(localByID) {
		l := localByID[id]
		r, exists := remoteByID[id]
		if !exists {
			plan.ToUpload = append(plan.ToUpload, l)
			continue
		}

		switch {
		case l.UpdatedAt.After(r.UpdatedAt):
			plan.ToUpload = append(plan.ToUpload, l)
		case r.UpdatedAt.After(l.UpdatedAt):
			plan.ToDownload = append(plan.ToDownload, r)
		case l.ContentHash() == r.ContentHash():
			// Converged, nothing to do. Covers the both-sides-identical
			// tombstone case, which the engine is then free to purge.
		case !l.IsDeleted && !r.IsDeleted:
			plan.Conflicts = append(plan.Conflicts, ConflictPair{Local: l, Remote: r})
		default:
			// Tie with a tombstone on one side: local wins the tie.
			plan.ToUpload = append(plan.ToUpload, l)
		}
	}

	for _, id := range sortedIDs(remoteByID) {
		r := remoteByID[id]
		if _, exists := localByID[id]; exists {
			continue
		}
		if r.IsDeleted {
			plan.ToDelete = append(plan.ToDelete, r)
		} else {
			plan.ToDownload = append(plan.ToDownload, r)
		}
	}

	return plan
}

func sortedIDs(m map[uuid.UUID]prompt.Record) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}
