// Package sync implements the synchronization engine: first-login migration
// of local records to the remote store, full bidirectional reconciliation
// with last-write-wins conflict resolution, and status broadcasting.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sethvargo/go-retry"

	"github.com/wangshixiong/promptsync/internal/auth"
	"github.com/wangshixiong/promptsync/internal/config"
	"github.com/wangshixiong/promptsync/internal/prompt"
	"github.com/wangshixiong/promptsync/internal/store"
)

// Error taxonomy. NotAuthenticated and SyncInProgress are non-retryable by
// the caller; upload/download failures are retryable by a later sync attempt.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSyncInProgress   = errors.New("sync already in progress")
	ErrUploadFailed     = errors.New("upload failed")
	ErrDownloadFailed   = errors.New("download failed")
	ErrSyncFailed       = errors.New("sync failed")
)

// LocalStore is the local persistence consumed by the engine. Writes must be
// atomic at the granularity of the whole collection.
type LocalStore interface {
	GetAllPrompts() ([]prompt.Record, error)
	SetAllPrompts([]prompt.Record) error
	DeletePrompt(id uuid.UUID) error
	GetValue(key string) (string, bool)
	SetValue(key, value string) error
}

// RemoteStore is the remote table-like service consumed by the engine.
type RemoteStore interface {
	Query(ctx context.Context, ownerID string) ([]prompt.Record, error)
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	BatchUpsert(ctx context.Context, records []prompt.Record) (int, error)
	PurgeTombstones(ctx context.Context, ownerID string, ids []uuid.UUID) error
}

// Identity exposes the current authenticated user.
type Identity interface {
	CurrentUser() *auth.User
}

// MigrationResult reports a completed first-login migration.
type MigrationResult struct {
	Migrated int
}

// Result reports per-category counts for one full sync run.
type Result struct {
	Uploaded          int
	Downloaded        int
	Deleted           int
	ConflictsResolved int
}

// Engine drives migration-on-first-login and full bidirectional sync. At
// most one sync runs at a time per engine; a second call returns
// ErrSyncInProgress immediately rather than queueing.
type Engine struct {
	local    LocalStore
	remote   RemoteStore
	identity Identity
	status   *StatusBroadcaster
	resolver *ConflictResolver
	cfg      config.SyncConfig

	ignoreCategories []string
	syncing          atomic.Bool
	showProgress     bool

	listenerMu    sync.Mutex
	dataListeners map[int]func()
	nextListener  int
}

// NewEngine creates a sync engine over the given collaborators.
func NewEngine(local LocalStore, remote RemoteStore, identity Identity, cfg *config.Config) *Engine {
	return &Engine{
		local:            local,
		remote:           remote,
		identity:         identity,
		status:           NewStatusBroadcaster(local),
		resolver:         NewConflictResolver(local),
		cfg:              cfg.Sync,
		ignoreCategories: cfg.IgnoreCategories,
		dataListeners:    make(map[int]func()),
	}
}

// Status returns the engine's status broadcaster for subscription and
// inspection.
func (e *Engine) Status() *StatusBroadcaster {
	return e.status
}

// Resolver returns the engine's conflict resolver, exposing the diagnostic
// resolution log.
func (e *Engine) Resolver() *ConflictResolver {
	return e.resolver
}

// SetShowProgress enables a terminal progress bar during migration batches.
func (e *Engine) SetShowProgress(show bool) {
	e.showProgress = show
}

// OnDataChanged registers a listener invoked after a successful full sync
// changed or may have changed local data, so observers know to re-render.
func (e *Engine) OnDataChanged(f func()) int {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.nextListener++
	e.dataListeners[e.nextListener] = f
	return e.nextListener
}

// OffDataChanged removes a data-changed listener.
func (e *Engine) OffDataChanged(id int) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	delete(e.dataListeners, id)
}

func (e *Engine) notifyDataChanged() {
	e.listenerMu.Lock()
	listeners := make([]func(), 0, len(e.dataListeners))
	for _, f := range e.dataListeners {
		listeners = append(listeners, f)
	}
	e.listenerMu.Unlock()

	for _, f := range listeners {
		f()
	}
}

// NeedsMigration reports whether this looks like a first login: migration
// never marked complete, at least one local record, zero remote records for
// the owner.
func (e *Engine) NeedsMigration(ctx context.Context) (bool, error) {
	user := e.identity.CurrentUser()
	if user == nil {
		return false, ErrNotAuthenticated
	}

	if v, ok := e.local.GetValue(store.KeyMigrationCompleted); ok && v == "true" {
		return false, nil
	}

	local, err := e.local.GetAllPrompts()
	if err != nil {
		return false, fmt.Errorf("failed to read local prompts: %w", err)
	}
	if len(local) == 0 {
		return false, nil
	}

	remoteCount, err := e.remote.CountByOwner(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("failed to count remote prompts: %w", err)
	}

	return remoteCount == 0, nil
}

// MigrateLocalData uploads a first-time user's local records to the remote
// store in batches. Upload-only: local data is never mutated, so the local
// copy stays the source of truth until migration is confirmed. An empty
// local store succeeds trivially with a zero count and no network calls.
func (e *Engine) MigrateLocalData(ctx context.Context) (MigrationResult, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return MigrationResult{}, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	user := e.identity.CurrentUser()
	if user == nil {
		return MigrationResult{}, ErrNotAuthenticated
	}

	e.status.Set(StatusSyncing, "migrating local prompts")
	start := time.Now()

	local, err := e.local.GetAllPrompts()
	if err != nil {
		e.status.Set(StatusError, "migration failed: could not read local prompts")
		return MigrationResult{}, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	toUpload := e.filterIgnored(local)
	if len(toUpload) == 0 {
		e.status.Set(StatusSuccess, "nothing to migrate")
		return MigrationResult{}, nil
	}

	// Stamp the owner on records created before sign-in. In-memory only:
	// migration must not mutate local data.
	for i := range toUpload {
		if toUpload[i].OwnerID == "" {
			toUpload[i].OwnerID = user.ID
		}
	}

	var bar *progressbar.ProgressBar
	if e.showProgress {
		bar = progressbar.NewOptions(len(toUpload),
			progressbar.OptionSetDescription("Migrating prompts"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionClearOnFinish(),
		)
	}

	migrated, err := e.uploadBatches(ctx, toUpload, bar)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		e.status.Set(StatusError, "migration failed: "+err.Error())
		return MigrationResult{Migrated: migrated}, err
	}

	if err := e.local.SetValue(store.KeyMigrationCompleted, "true"); err != nil {
		slog.Warn("failed to mark migration completed", "error", err)
	}

	slog.Info("migration completed",
		"migrated", migrated,
		"duration_ms", time.Since(start).Milliseconds())
	e.status.Set(StatusSuccess, fmt.Sprintf("migrated %d prompts", migrated))

	return MigrationResult{Migrated: migrated}, nil
}

// PerformFullSync reconciles the local and remote snapshots for the current
// user: uploads, then downloads, then conflict resolutions, then deletions,
// finishing with one atomic local write. Partial effects are not rolled back
// on failure; re-running recomputes the plan from fresh snapshots and
// converges.
func (e *Engine) PerformFullSync(ctx context.Context) (Result, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	user := e.identity.CurrentUser()
	if user == nil {
		return Result{}, ErrNotAuthenticated
	}

	e.status.Set(StatusSyncing, "sync started")
	start := time.Now()

	local, err := e.local.GetAllPrompts()
	if err != nil {
		e.status.Set(StatusError, "sync failed: could not read local prompts")
		return Result{}, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	remote, err := e.remote.Query(ctx, user.ID)
	if err != nil {
		e.status.Set(StatusError, "sync failed: could not fetch remote prompts")
		return Result{}, fmt.Errorf("%w: %w: %w", ErrSyncFailed, ErrDownloadFailed, err)
	}

	plan := Analyze(local, remote)
	slog.Debug("sync plan computed",
		"uploads", len(plan.ToUpload),
		"downloads", len(plan.ToDownload),
		"deletions", len(plan.ToDelete),
		"conflicts", len(plan.Conflicts))

	var result Result

	// Working copy of the local snapshot; all download merges and deletions
	// apply here and land in a single atomic write at the end.
	merged := make(map[uuid.UUID]prompt.Record, len(local))
	for _, r := range local {
		merged[r.ID] = r
	}

	// Uploads. Records created before sign-in get the owner stamped.
	toUpload := e.filterIgnored(plan.ToUpload)
	for i := range toUpload {
		if toUpload[i].OwnerID == "" {
			toUpload[i].OwnerID = user.ID
			merged[toUpload[i].ID] = toUpload[i]
		}
	}
	uploaded, err := e.uploadBatches(ctx, toUpload, nil)
	result.Uploaded = uploaded
	if err != nil {
		e.status.Set(StatusError, "sync failed: "+err.Error())
		return result, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	// Downloads merge into the working copy.
	for _, r := range plan.ToDownload {
		merged[r.ID] = r
		result.Downloaded++
	}

	// Conflicts: each resolution is exactly one upload or one download.
	if len(plan.Conflicts) > 0 {
		e.status.Set(StatusConflict, fmt.Sprintf("resolving %d conflicts", len(plan.Conflicts)))

		resolutions := e.resolver.Resolve(plan.Conflicts)
		var winners []prompt.Record
		for _, res := range resolutions {
			if res.Winner == SideLocal {
				winners = append(winners, res.Record)
			} else {
				merged[res.ID] = res.Record
				result.Downloaded++
			}
		}
		result.ConflictsResolved = len(resolutions)

		n, err := e.uploadBatches(ctx, winners, nil)
		result.Uploaded += n
		if err != nil {
			e.status.Set(StatusError, "sync failed: "+err.Error())
			return result, fmt.Errorf("%w: %w", ErrSyncFailed, err)
		}
	}

	// Deletions: apply remote tombstones locally, then purge them remotely
	// since both sides now agree on the deletion. Tombstones that converged
	// during this run (downloaded, or identical on both sides already) are
	// purged from both sides the same way.
	purge := make([]uuid.UUID, 0, len(plan.ToDelete))
	for _, r := range plan.ToDelete {
		delete(merged, r.ID)
		purge = append(purge, r.ID)
		result.Deleted++
	}
	converged := convergedTombstones(merged, remote)
	for _, r := range toUpload {
		// A tombstone uploaded this run finished propagating; both sides
		// now agree on it.
		if r.IsDeleted {
			converged = append(converged, r.ID)
		}
	}
	for _, id := range converged {
		if _, exists := merged[id]; exists {
			delete(merged, id)
			result.Deleted++
		}
	}
	purge = append(purge, converged...)
	if len(purge) > 0 {
		if err := e.remote.PurgeTombstones(ctx, user.ID, purge); err != nil {
			e.status.Set(StatusError, "sync failed: could not purge tombstones")
			return result, fmt.Errorf("%w: %w", ErrSyncFailed, err)
		}
	}

	// One atomic local write covering downloads, resolutions, and deletions.
	if err := e.local.SetAllPrompts(sortByUpdatedAt(merged)); err != nil {
		e.status.Set(StatusError, "sync failed: could not write local prompts")
		return result, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	if err := e.local.SetValue(store.KeyLastSyncTime, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("failed to record last sync time", "error", err)
	}

	slog.Info("sync completed",
		"uploaded", result.Uploaded,
		"downloaded", result.Downloaded,
		"deleted", result.Deleted,
		"conflicts", result.ConflictsResolved,
		"duration_ms", time.Since(start).Milliseconds())
	e.status.Set(StatusSuccess, fmt.Sprintf(
		"synced: %d up, %d down, %d deleted, %d conflicts",
		result.Uploaded, result.Downloaded, result.Deleted, result.ConflictsResolved))

	e.notifyDataChanged()
	return result, nil
}

// uploadBatches pushes records in batches with exponential backoff on
// transient errors. A batch failing local validation is skipped, not retried,
// and does not abort the remaining batches.
func (e *Engine) uploadBatches(ctx context.Context, records []prompt.Record, bar *progressbar.ProgressBar) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	// go-retry rejects a non-positive base delay.
	retryDelay := time.Duration(e.cfg.RetryDelayMs) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	uploaded := 0
	for startIdx := 0; startIdx < len(records); startIdx += batchSize {
		end := min(startIdx+batchSize, len(records))
		batch := records[startIdx:end]

		if err := validateBatch(batch); err != nil {
			slog.Error("skipping batch with invalid records", "error", err)
			if bar != nil {
				bar.Add(len(batch))
			}
			continue
		}

		backoff := retry.WithMaxRetries(
			uint64(max(e.cfg.RetryAttempts-1, 0)),
			retry.NewExponential(retryDelay),
		)
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if _, err := e.remote.BatchUpsert(ctx, batch); err != nil {
				slog.Warn("batch upsert failed, will retry", "size", len(batch), "error", err)
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return uploaded, fmt.Errorf("%w: batch of %d after %d attempts: %w",
				ErrUploadFailed, len(batch), e.cfg.RetryAttempts, err)
		}

		uploaded += len(batch)
		if bar != nil {
			bar.Add(len(batch))
		}
	}

	return uploaded, nil
}

// validateBatch rejects a batch containing any malformed record. Validation
// failures are client errors and never retried.
func validateBatch(records []prompt.Record) error {
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// filterIgnored drops records whose category matches an ignore glob.
func (e *Engine) filterIgnored(records []prompt.Record) []prompt.Record {
	if len(e.ignoreCategories) == 0 {
		return records
	}

	kept := make([]prompt.Record, 0, len(records))
	for _, r := range records {
		if !e.categoryIgnored(r.Category) {
			kept = append(kept, r)
		}
	}
	return kept
}

func (e *Engine) categoryIgnored(category string) bool {
	for _, pattern := range e.ignoreCategories {
		matched, err := doublestar.Match(pattern, category)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// convergedTombstones returns ids that are tombstones in both the working
// local copy and the remote snapshot. Both sides agree on the deletion, so
// the tombstones are safe to purge.
func convergedTombstones(merged map[uuid.UUID]prompt.Record, remote []prompt.Record) []uuid.UUID {
	var ids []uuid.UUID
	for _, r := range remote {
		if !r.IsDeleted {
			continue
		}
		if l, exists := merged[r.ID]; exists && l.IsDeleted {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func sortByUpdatedAt(m map[uuid.UUID]prompt.Record) []prompt.Record {
	out := make([]prompt.Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
