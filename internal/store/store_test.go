package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wangshixiong/promptsync/internal/prompt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "prompts.json"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestOpen_MissingFile(t *testing.T) {
	s := openTestStore(t)

	records, err := s.GetAllPrompts()
	if err != nil {
		t.Fatalf("GetAllPrompts failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty collection, got %d records", len(records))
	}
}

func TestSetAllPrompts_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	records := []prompt.Record{
		prompt.New("owner-1", "One", "First content", "general"),
		prompt.New("owner-1", "Two", "Second content", ""),
	}
	if err := s.SetAllPrompts(records); err != nil {
		t.Fatalf("SetAllPrompts failed: %v", err)
	}

	// A fresh store reading the same file sees the same records.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, _ := s2.GetAllPrompts()
	if len(got) != 2 {
		t.Fatalf("expected 2 records after reload, got %d", len(got))
	}
	if got[0].ID != records[0].ID || got[1].ID != records[1].ID {
		t.Error("record ids did not survive the round trip")
	}
	if !got[0].UpdatedAt.Equal(records[0].UpdatedAt) {
		t.Error("timestamps did not survive the round trip")
	}
}

func TestSetAllPrompts_CopiesInput(t *testing.T) {
	s := openTestStore(t)

	records := []prompt.Record{prompt.New("owner-1", "One", "Content", "")}
	if err := s.SetAllPrompts(records); err != nil {
		t.Fatalf("SetAllPrompts failed: %v", err)
	}

	// Mutating the caller's slice must not leak into the store.
	records[0].Title = "Mutated"
	got, _ := s.GetAllPrompts()
	if got[0].Title != "One" {
		t.Error("store shares memory with the caller's slice")
	}
}

func TestDeletePrompt(t *testing.T) {
	s := openTestStore(t)

	a := prompt.New("owner-1", "A", "Content A", "")
	b := prompt.New("owner-1", "B", "Content B", "")
	if err := s.SetAllPrompts([]prompt.Record{a, b}); err != nil {
		t.Fatalf("SetAllPrompts failed: %v", err)
	}

	if err := s.DeletePrompt(a.ID); err != nil {
		t.Fatalf("DeletePrompt failed: %v", err)
	}

	got, _ := s.GetAllPrompts()
	if len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("expected only record B to remain, got %d records", len(got))
	}
}

func TestValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, ok := s.GetValue(KeyLastSyncTime); ok {
		t.Error("expected no value before set")
	}

	if err := s.SetValue(KeyLastSyncTime, "2024-01-02T00:00:00Z"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if v, ok := s.GetValue(KeyLastSyncTime); !ok || v != "2024-01-02T00:00:00Z" {
		t.Errorf("GetValue = %q, %v", v, ok)
	}

	// Values persist across reopen.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if v, ok := s2.GetValue(KeyLastSyncTime); !ok || v != "2024-01-02T00:00:00Z" {
		t.Errorf("persisted GetValue = %q, %v", v, ok)
	}

	if err := s2.RemoveValue(KeyLastSyncTime); err != nil {
		t.Fatalf("RemoveValue failed: %v", err)
	}
	if _, ok := s2.GetValue(KeyLastSyncTime); ok {
		t.Error("expected value removed")
	}
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SetAllPrompts([]prompt.Record{prompt.New("owner-1", "A", "Content", "")}); err != nil {
		t.Fatalf("SetAllPrompts failed: %v", err)
	}

	// Simulate the UI rewriting the file out-of-process.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	edited := strings.Replace(string(raw), `"A"`, `"Edited"`, 1)
	if err := os.WriteFile(path, []byte(edited), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	got, _ := s.GetAllPrompts()
	if got[0].Title != "Edited" {
		t.Errorf("title after reload = %q, want %q", got[0].Title, "Edited")
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Error("expected error for corrupt collection file")
	}
}
