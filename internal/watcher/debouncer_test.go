package watcher

import (
	"testing"
	"time"
)

func TestDebouncer_SingleEvent(t *testing.T) {
	d := NewDebouncer(50) // 50ms debounce
	defer d.Stop()

	d.Add("prompts.json", EventWrite)

	select {
	case event := <-d.Events():
		if event.Name != "prompts.json" {
			t.Errorf("expected name 'prompts.json', got %q", event.Name)
		}
		if event.EventType != EventWrite {
			t.Errorf("expected EventWrite, got %v", event.EventType)
		}
	case <-time.After(200 * time.Millisecond):
		t.Error("timed out waiting for event")
	}
}

func TestDebouncer_CoalesceWrites(t *testing.T) {
	d := NewDebouncer(100) // 100ms debounce
	defer d.Stop()

	// Rapid writes to the same file
	d.Add("prompts.json", EventWrite)
	d.Add("prompts.json", EventWrite)
	d.Add("prompts.json", EventWrite)

	// Should only get one event
	eventCount := 0
	timeout := time.After(300 * time.Millisecond)

loop:
	for {
		select {
		case <-d.Events():
			eventCount++
		case <-timeout:
			break loop
		}
	}

	if eventCount != 1 {
		t.Errorf("expected 1 coalesced event, got %d", eventCount)
	}
}

func TestDebouncer_RemoveWins(t *testing.T) {
	d := NewDebouncer(100)
	defer d.Stop()

	// Write then remove
	d.Add("session.jwt", EventWrite)
	d.Add("session.jwt", EventRemove)

	select {
	case event := <-d.Events():
		if event.EventType != EventRemove {
			t.Errorf("expected EventRemove to win, got %v", event.EventType)
		}
	case <-time.After(300 * time.Millisecond):
		t.Error("timed out waiting for event")
	}
}

func TestDebouncer_MultipleFiles(t *testing.T) {
	d := NewDebouncer(50)
	defer d.Stop()

	d.Add("prompts.json", EventWrite)
	d.Add("session.jwt", EventWrite)

	received := make(map[string]bool)
	timeout := time.After(200 * time.Millisecond)

loop:
	for {
		select {
		case event := <-d.Events():
			received[event.Name] = true
			if len(received) == 2 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}

	if !received["prompts.json"] || !received["session.jwt"] {
		t.Errorf("expected both files, got %v", received)
	}
}

func TestDebouncer_Flush(t *testing.T) {
	d := NewDebouncer(5000) // Long debounce
	defer d.Stop()

	d.Add("prompts.json", EventWrite)

	// Pending should be 1
	if d.PendingCount() != 1 {
		t.Errorf("expected 1 pending, got %d", d.PendingCount())
	}

	// Flush should emit immediately
	d.Flush()

	select {
	case event := <-d.Events():
		if event.Name != "prompts.json" {
			t.Errorf("expected name 'prompts.json', got %q", event.Name)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("flush should emit immediately")
	}

	if d.PendingCount() != 0 {
		t.Errorf("expected 0 pending after flush, got %d", d.PendingCount())
	}
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		event    EventType
		expected string
	}{
		{EventWrite, "WRITE"},
		{EventRemove, "REMOVE"},
		{EventType(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if tt.event.String() != tt.expected {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.event, tt.event.String(), tt.expected)
		}
	}
}
