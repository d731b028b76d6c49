// Package events carries operational events from the conversation
// loop, capability registry, policy gate and health watcher to
// whoever wants to observe them, such as the CLI's verbose trace.
//
// A nil *Bus is valid and discards everything, so components emit
// unconditionally.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event sources.
const (
	SourceAgent     = "agent"
	SourceRegistry  = "registry"
	SourcePolicy    = "policy"
	SourceConnwatch = "connwatch"
)

// Event kinds. The comment on each lists its Data keys.
const (
	// conversation_id, messages
	KindRequestStart = "request_start"
	// conversation_id, turn
	KindLLMCall = "llm_call"
	// conversation_id, turn, model, tokens_in, tokens_out, tool_calls
	KindLLMResponse = "llm_response"
	// conversation_id, tool, id
	KindToolCall = "tool_call"
	// conversation_id, tool, id, ok, duration_ms
	KindToolDone = "tool_done"
	// conversation_id, tool, id, reason
	KindToolDenied = "tool_denied"
	// conversation_id, turns, state, elapsed_ms
	KindRequestComplete = "request_complete"

	// kind, count
	KindCapabilitiesRefreshed = "capabilities_refreshed"
	// kind, error. The previous snapshot is still served.
	KindRefreshFailed = "refresh_failed"

	// tool
	KindApprovalRequested = "approval_requested"
	// tool, allowed, reason, count
	KindDecision = "decision"

	// name, recovered
	KindServerUp = "server_up"
	// name, error
	KindServerDown = "server_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to subscriptions without ever blocking the
// publisher. A subscription whose buffer is full misses the event and
// counts it as dropped.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events from a Bus on C until Close.
type Subscription struct {
	// C is closed by Close.
	C <-chan Event

	bus     *Bus
	ch      chan Event
	sources map[string]bool
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a subscription with a buffer of bufSize events.
// With no sources it receives everything; otherwise only events from
// the listed sources. Subscribing to a nil bus returns a subscription
// that never receives anything.
func (b *Bus) Subscribe(bufSize int, sources ...string) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, bus: b, ch: ch}
	if len(sources) > 0 {
		s.sources = make(map[string]bool, len(sources))
		for _, src := range sources {
			s.sources[src] = true
		}
	}
	if b == nil {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s] = struct{}{}
	return s
}

// Close detaches the subscription and closes C. Further calls do
// nothing.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if b := s.bus; b != nil {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
		}
		close(s.ch)
	})
}

// Dropped returns how many events this subscription missed because
// its buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(e Event) bool {
	return s.sources == nil || s.sources[e.Source]
}

// Publish delivers e to every matching subscription.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
