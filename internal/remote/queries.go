package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wangshixiong/promptsync/internal/prompt"
)

const recordColumns = "id, owner_id, title, content, category, created_at, updated_at, is_deleted"

// Query returns every record for an owner, tombstones included, newest first.
func (db *DB) Query(ctx context.Context, ownerID string) ([]prompt.Record, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM prompts
		WHERE owner_id = $1
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []prompt.Record
	for rows.Next() {
		var r prompt.Record
		if err := rows.Scan(
			&r.ID, &r.OwnerID, &r.Title, &r.Content, &r.Category,
			&r.CreatedAt, &r.UpdatedAt, &r.IsDeleted,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// CountByOwner returns the number of records an owner has, tombstones
// included. Zero means the owner has never synced from this device or any
// other, which is what the first-login migration check needs.
func (db *DB) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM prompts WHERE owner_id = $1", ownerID,
	).Scan(&count)
	return count, err
}

// BatchUpsert inserts or updates records in a single round trip, keyed on id.
// Returns the number of records written.
func (db *DB) BatchUpsert(ctx context.Context, records []prompt.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO prompts (
				id, owner_id, title, content, category,
				created_at, updated_at, is_deleted
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				content = EXCLUDED.content,
				category = EXCLUDED.category,
				updated_at = EXCLUDED.updated_at,
				is_deleted = EXCLUDED.is_deleted,
				synced_at = NOW()
		`,
			r.ID, r.OwnerID, r.Title, r.Content, r.Category,
			r.CreatedAt, r.UpdatedAt, r.IsDeleted,
		)
	}

	results := db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range records {
		if _, err := results.Exec(); err != nil {
			return i, fmt.Errorf("upsert of record %s failed: %w", records[i].ID, err)
		}
	}

	return len(records), nil
}

// UpdateByID applies a field update to a single record, used for
// create/update/soft-delete outside of bulk sync. Allowed fields: title,
// content, category, updated_at, is_deleted. Returns the updated record.
func (db *DB) UpdateByID(ctx context.Context, id uuid.UUID, ownerID string, fields map[string]any) (*prompt.Record, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	allowed := map[string]bool{
		"title": true, "content": true, "category": true,
		"updated_at": true, "is_deleted": true,
	}

	// Deterministic column order keeps the statement stable.
	names := make([]string, 0, len(fields))
	for name := range fields {
		if !allowed[name] {
			return nil, fmt.Errorf("field %q is not updatable", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names))
	args := []any{id, ownerID}
	for _, name := range names {
		args = append(args, fields[name])
		sets = append(sets, fmt.Sprintf("%s = $%d", name, len(args)))
	}

	query := fmt.Sprintf(`
		UPDATE prompts SET %s, synced_at = NOW()
		WHERE id = $1 AND owner_id = $2
		RETURNING `+recordColumns,
		strings.Join(sets, ", "),
	)

	var r prompt.Record
	err := db.Pool.QueryRow(ctx, query, args...).Scan(
		&r.ID, &r.OwnerID, &r.Title, &r.Content, &r.Category,
		&r.CreatedAt, &r.UpdatedAt, &r.IsDeleted,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("record %s not found for owner %s", id, ownerID)
	}
	if err != nil {
		return nil, err
	}

	return &r, nil
}

// PurgeTombstones physically removes tombstones once both sides have agreed
// on the deletion.
func (db *DB) PurgeTombstones(ctx context.Context, ownerID string, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := db.Pool.Exec(ctx, `
		DELETE FROM prompts
		WHERE owner_id = $1 AND is_deleted AND id = ANY($2)
	`, ownerID, ids)
	return err
}
