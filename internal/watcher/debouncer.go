package watcher

import (
	"sync"
	"time"
)

// EventType represents the type of file event
type EventType int

const (
	EventWrite EventType = iota
	EventRemove
)

func (e EventType) String() string {
	switch e {
	case EventWrite:
		return "WRITE"
	case EventRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is a debounced change to one watched file.
type FileEvent struct {
	Name      string
	EventType EventType
	Timestamp time.Time
}

// Debouncer coalesces rapid events per file so a burst of writes (editors
// often write several times in quick succession) produces one sync trigger.
type Debouncer struct {
	delay  time.Duration
	events map[string]*pendingEvent
	mu     sync.Mutex
	output chan FileEvent
	stopCh chan struct{}
}

type pendingEvent struct {
	event FileEvent
	timer *time.Timer
}

// NewDebouncer creates a debouncer with the given delay.
func NewDebouncer(delayMs int) *Debouncer {
	return &Debouncer{
		delay:  time.Duration(delayMs) * time.Millisecond,
		events: make(map[string]*pendingEvent),
		output: make(chan FileEvent, 16),
		stopCh: make(chan struct{}),
	}
}

// Events returns the channel of debounced events.
func (d *Debouncer) Events() <-chan FileEvent {
	return d.output
}

// Add schedules an event for name, coalescing with any pending one.
// A remove always wins over a write since the file is gone.
func (d *Debouncer) Add(name string, eventType EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.stopCh:
		return
	default:
	}

	now := time.Now()
	if pending, exists := d.events[name]; exists {
		pending.timer.Stop()
		if eventType == EventRemove {
			pending.event.EventType = EventRemove
		}
		pending.event.Timestamp = now
		pending.timer = time.AfterFunc(d.delay, func() { d.emit(name) })
		return
	}

	d.events[name] = &pendingEvent{
		event: FileEvent{Name: name, EventType: eventType, Timestamp: now},
		timer: time.AfterFunc(d.delay, func() { d.emit(name) }),
	}
}

func (d *Debouncer) emit(name string) {
	d.mu.Lock()
	pending, exists := d.events[name]
	if exists {
		delete(d.events, name)
	}
	d.mu.Unlock()

	if exists {
		select {
		case d.output <- pending.event:
		case <-d.stopCh:
		}
	}
}

// Flush immediately emits all pending events.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	names := make([]string, 0, len(d.events))
	for name, pending := range d.events {
		pending.timer.Stop()
		names = append(names, name)
	}
	d.mu.Unlock()

	for _, name := range names {
		d.emit(name)
	}
}

// Stop stops the debouncer and discards pending events.
func (d *Debouncer) Stop() {
	close(d.stopCh)

	d.mu.Lock()
	for _, pending := range d.events {
		pending.timer.Stop()
	}
	d.events = make(map[string]*pendingEvent)
	d.mu.Unlock()

	close(d.output)
}

// PendingCount returns the number of pending events.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}
