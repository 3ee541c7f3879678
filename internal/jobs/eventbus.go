package jobs

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/metrics"
)

// Event types published on the bus.
const (
	EventJob      = "job"
	EventCapture  = "capture"
	EventResource = "resource"
)

const subscriberBuffer = 64

// Event is one notification as delivered to SSE, WebSocket and MQTT clients.
// ID is "<unix_ms>-<seq>"; seq increases by one per published event.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Kind      string          `json:"kind,omitempty"`
	Key       string          `json:"key,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`

	seq uint64
}

// EventFilter selects events for a subscriber. Empty fields match all.
type EventFilter struct {
	Types []string
	Kinds []string
	Keys  []string
}

func (f EventFilter) match(e Event) bool {
	return anyOf(f.Types, e.Type) && anyOf(f.Kinds, e.Kind) && anyOf(f.Keys, e.Key)
}

func anyOf(set []string, v string) bool {
	return len(set) == 0 || slices.Contains(set, v)
}

// EventData holds the fields needed to publish an event.
type EventData struct {
	Type    string
	Kind    string
	Key     string
	Payload any
}

// EventBus fans events out to subscribers and remembers the most recent ones
// so a reconnecting client can resume where it stopped. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu      sync.Mutex
	subs    map[*subscription]struct{}
	seq     uint64
	history []Event
	limit   int
}

type subscription struct {
	ch     chan Event
	filter EventFilter
}

// NewEventBus creates a bus that keeps the last historySize events.
func NewEventBus(historySize int) *EventBus {
	return &EventBus{
		subs:    make(map[*subscription]struct{}),
		history: make([]Event, 0, max(historySize, 1)),
		limit:   max(historySize, 1),
	}
}

// Subscribe registers a live subscriber. cancel is idempotent.
func (eb *EventBus) Subscribe(filter EventFilter) (<-chan Event, func()) {
	_, ch, cancel := eb.Resume("", filter)
	return ch, cancel
}

// Resume registers a subscriber and, when lastEventID is set, returns the
// buffered events published after it. Both happen under one lock, so the
// backlog and the channel neither overlap nor leave a gap.
func (eb *EventBus) Resume(lastEventID string, filter EventFilter) ([]Event, <-chan Event, func()) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer), filter: filter}

	eb.mu.Lock()
	var backlog []Event
	if lastEventID != "" {
		backlog = eb.since(lastEventID, filter)
	}
	eb.subs[sub] = struct{}{}
	eb.mu.Unlock()

	var once sync.Once
	return backlog, sub.ch, func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subs, sub)
			eb.mu.Unlock()
		})
	}
}

// ReplaySince returns buffered events published after lastEventID, or every
// buffered event when lastEventID is empty. An id newer than anything
// published, or one that does not parse, yields nothing.
func (eb *EventBus) ReplaySince(lastEventID string, filter EventFilter) []Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return eb.since(lastEventID, filter)
}

func (eb *EventBus) since(lastEventID string, filter EventFilter) []Event {
	var after uint64
	if lastEventID != "" {
		var ok bool
		if after, ok = parseSeq(lastEventID); !ok || after >= eb.seq {
			return nil
		}
	}
	var out []Event
	for _, e := range eb.history {
		if e.seq > after && filter.match(e) {
			out = append(out, e)
		}
	}
	return out
}

// SubscriberCount returns the number of live subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.subs)
}

// Publish records an event and offers it to every matching subscriber.
// Payloads that fail to marshal are dropped.
func (eb *EventBus) Publish(d EventData) {
	data, err := json.Marshal(d.Payload)
	if err != nil {
		return
	}
	now := time.Now()

	eb.mu.Lock()
	eb.seq++
	e := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), eb.seq),
		Type:      d.Type,
		Kind:      d.Kind,
		Key:       d.Key,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      data,
		seq:       eb.seq,
	}
	if len(eb.history) == eb.limit {
		copy(eb.history, eb.history[1:])
		eb.history = eb.history[:eb.limit-1]
	}
	eb.history = append(eb.history, e)

	for sub := range eb.subs {
		if !sub.filter.match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
	eb.mu.Unlock()

	metrics.EventsPublishedTotal.WithLabelValues(d.Type).Inc()
}

func parseSeq(id string) (uint64, bool) {
	_, s, ok := strings.Cut(id, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}
