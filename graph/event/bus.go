// Package event provides the in-process pub/sub bus that surfaces run
// lifecycle, tool, and approval activity to observers. Publishing is
// synchronous and fire-and-forget: a subscriber that panics is recovered
// and logged, and never aborts the publish or disturbs other subscribers.
package event

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Type names a bus topic. Subscribers register for explicit topics or for
// all of them.
type Type string

const (
	RunStarted        Type = "run_started"
	RunCompleted      Type = "run_completed"
	NodeStarted       Type = "node_started"
	NodeCompleted     Type = "node_completed"
	ToolCallStarted   Type = "tool_call_started"
	ToolCallCompleted Type = "tool_call_completed"
	ToolBlocked       Type = "tool_blocked"
	ApprovalRequested Type = "approval_requested"
	ApprovalResolved  Type = "approval_resolved"
	Custom            Type = "custom"
)

// Event is a single bus message. Payload carries topic-specific detail;
// the fixed fields identify where in a run the event originated.
type Event struct {
	Type      Type                   `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	NodeID    string                 `json:"node_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine, so slow handlers slow the run; offload real work.
type Handler func(Event)

// Bus routes events to subscribers by topic. Publish order is delivery
// order for any single topic. The zero value is not usable; call NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Type][]*Subscription
	all    []*Subscription
	logger *slog.Logger
	now    func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the timestamp source. Tests use this for
// deterministic event times.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[Type][]*Subscription),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is the handle returned by Subscribe; Unsubscribe detaches
// the handler. A Subscription is single-use.
type Subscription struct {
	id     int
	topics []Type
	fn     Handler
	bus    *Bus
}

// Subscribe registers fn for the given topics. With no topics, fn receives
// every event. The returned handle detaches it.
func (b *Bus) Subscribe(fn Handler, topics ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, topics: topics, fn: fn, bus: b}
	if len(topics) == 0 {
		b.all = append(b.all, sub)
		return sub
	}
	for _, tp := range topics {
		b.subs[tp] = append(b.subs[tp], sub)
	}
	return sub
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(s.topics) == 0 {
		b.all = removeSub(b.all, s.id)
		return
	}
	for _, tp := range s.topics {
		b.subs[tp] = removeSub(b.subs[tp], s.id)
	}
}

func removeSub(subs []*Subscription, id int) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers ev to every subscriber of its topic, then to wildcard
// subscribers, in subscription order. Missing timestamps are filled in.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[ev.Type])+len(b.all))
	targets = append(targets, b.subs[ev.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	// Deliver in subscription order regardless of which list a handler
	// came from, so interleaved topic and wildcard subscribers observe
	// a stable order.
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, sub := range targets {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", string(ev.Type),
				"run_id", ev.RunID,
				"panic", fmt.Sprintf("%v", r))
		}
	}()
	sub.fn(ev)
}

// SubscriberCount reports how many handlers would receive an event on tp,
// including wildcard subscribers.
func (b *Bus) SubscriberCount(tp Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[tp]) + len(b.all)
}
