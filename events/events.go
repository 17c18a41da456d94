// Package events carries queue progress out to observers (the control API's
// SSE stream, tests, logs) without coupling the scheduler to any of them.
//
// The event shapes mirror the messages the UI consumes: a coarse tick with
// overall progress, a per-item status update, a completion notice, and a
// reset notice. Publishing never blocks: a subscriber that stops draining
// its channel loses events, not the scheduler's time.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Type discriminates events on the wire.
type Type string

const (
	// TypeTick is emitted on every phase transition.
	TypeTick Type = "tick"
	// TypeItem is emitted when one target's status changes.
	TypeItem Type = "item_update"
	// TypeDone is emitted once when a run completes.
	TypeDone Type = "done"
	// TypeReset is emitted on stop/reset.
	TypeReset Type = "reset"
)

// Event is a single progress notification. Fields are populated according
// to Type; unused fields are zero and omitted from JSON.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	// Tick / Done fields.
	Processed    int    `json:"processed,omitempty"`
	Total        int    `json:"total,omitempty"`
	Phase        string `json:"phase,omitempty"`
	NextActionAt int64  `json:"next_action_at,omitempty"` // unix ms, 0 = none
	Reason       string `json:"reason,omitempty"`
	Strikes      int    `json:"strikes,omitempty"`

	// Item fields.
	ItemID string          `json:"item_id,omitempty"`
	Status json.RawMessage `json:"status,omitempty"`
}

// Bus fans events out to subscribers over buffered channels.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	dropped int64
	logger  *slog.Logger
	closed  bool
}

// Options configures a Bus.
type Options struct {
	// Buffer is the per-subscriber channel depth. Default: 64.
	Buffer int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// NewBus creates an event bus.
func NewBus(opts Options) *Bus {
	opts.defaults()
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: opts.Buffer,
		logger: opts.Logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or Close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber without blocking. Events are
// dropped per-subscriber when a channel is full.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			if b.dropped%100 == 1 {
				b.logger.Warn("events: slow subscriber, dropping", "dropped_total", b.dropped, "type", ev.Type)
			}
		}
	}
}

// Dropped returns the total number of events dropped across all subscribers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
