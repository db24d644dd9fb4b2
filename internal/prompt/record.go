// Package prompt defines the prompt record model shared by the local store,
// the remote store, and the sync engine.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// MaxContentChars bounds the content field of a record.
const MaxContentChars = 10000

// Record is the unit of synchronization. ID and OwnerID are assigned at
// creation and never reassigned; UpdatedAt is bumped on every mutation,
// including soft delete.
type Record struct {
	ID        uuid.UUID `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id" validate:"required"`
	Title     string    `json:"title" db:"title" validate:"required"`
	Content   string    `json:"content" db:"content" validate:"required,max=10000"`
	Category  string    `json:"category,omitempty" db:"category"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	IsDeleted bool      `json:"is_deleted" db:"is_deleted"`
}

// New creates a record owned by ownerID with creation and update timestamps
// set to now.
func New(ownerID, title, content, category string) Record {
	now := time.Now().UTC()
	return Record{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Title:     title,
		Content:   content,
		Category:  category,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SoftDelete marks the record as a tombstone so the deletion can propagate
// to the other side during a later sync.
func (r *Record) SoftDelete() {
	r.IsDeleted = true
	r.Touch()
}

// Touch bumps UpdatedAt, keeping it monotonically non-decreasing.
func (r *Record) Touch() {
	now := time.Now().UTC()
	if now.After(r.UpdatedAt) {
		r.UpdatedAt = now
	}
}

// ContentHash computes a SHA256 hash over the mutable fields of a record.
// Two records with equal hashes carry identical user-visible content, so the
// diff can skip them without field-by-field comparison.
func (r *Record) ContentHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%t", r.Title, r.Content, r.Category, r.IsDeleted)
	return hex.EncodeToString(h.Sum(nil))
}

var validate = validator.New()

// Validate checks the record against its field constraints. Records failing
// validation are rejected before upload rather than retried.
func (r *Record) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("record has no id")
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("record %s invalid: %w", r.ID, err)
	}
	return nil
}
