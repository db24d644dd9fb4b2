// Package store implements the local prompt collection: a single JSON file
// holding all records plus a key/value section for sync bookkeeping.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/wangshixiong/promptsync/internal/prompt"
)

// Bookkeeping keys kept in the local key/value namespace.
const (
	KeyLastSyncTime       = "last_sync_time"
	KeySyncStatus         = "sync_status"
	KeyMigrationCompleted = "migration_completed"
	KeyConflictLog        = "conflict_log"
)

// fileData is the on-disk layout of the collection file.
type fileData struct {
	Prompts []prompt.Record   `json:"prompts"`
	Values  map[string]string `json:"values,omitempty"`
}

// Store manages the local collection file. All writes replace the whole file
// atomically (temp file + rename) so other readers never observe a
// half-applied collection.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     *fileData
}

// Open loads the collection at filePath, starting empty if the file does not
// exist yet.
func Open(filePath string) (*Store, error) {
	s := &Store{
		filePath: filePath,
		data: &fileData{
			Values: make(map[string]string),
		},
	}

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}

	return s, nil
}

// load reads the collection from disk
func (s *Store) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	data := &fileData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.filePath, err)
	}
	if data.Values == nil {
		data.Values = make(map[string]string)
	}

	s.data = data
	return nil
}

// Reload re-reads the collection from disk, discarding in-memory state. Used
// when another process (the UI) rewrote the file.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// persist writes the collection atomically. Caller must hold the write lock.
func (s *Store) persist() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.filePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

// Path returns the collection file path.
func (s *Store) Path() string {
	return s.filePath
}

// GetAllPrompts returns a copy of every record in the collection,
// tombstones included.
func (s *Store) GetAllPrompts() ([]prompt.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]prompt.Record, len(s.data.Prompts))
	copy(out, s.data.Prompts)
	return out, nil
}

// SetAllPrompts atomically replaces the whole collection.
func (s *Store) SetAllPrompts(records []prompt.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Prompts = make([]prompt.Record, len(records))
	copy(s.data.Prompts, records)
	return s.persist()
}

// DeletePrompt physically removes a record from the collection. Soft deletes
// go through SetAllPrompts with the tombstone flag set instead.
func (s *Store) DeletePrompt(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data.Prompts[:0]
	for _, r := range s.data.Prompts {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	s.data.Prompts = kept
	return s.persist()
}

// PromptCount returns the number of records, tombstones included.
func (s *Store) PromptCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Prompts)
}

// GetValue returns a bookkeeping value and whether it was present.
func (s *Store) GetValue(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.Values[key]
	return v, ok
}

// SetValue stores a bookkeeping value.
func (s *Store) SetValue(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Values[key] = value
	return s.persist()
}

// RemoveValue deletes a bookkeeping value.
func (s *Store) RemoveValue(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Values, key)
	return s.persist()
}
