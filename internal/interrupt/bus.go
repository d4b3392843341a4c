package interrupt

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names a coordinator transition.
type EventType string

const (
	EventInterrupted EventType = "call.interrupted"
	EventResolved    EventType = "call.resolved"
	EventAnomaly     EventType = "call.anomaly"
)

// AllEvents lists every event type, used when subscribing without a filter.
var AllEvents = []EventType{EventInterrupted, EventResolved, EventAnomaly}

// Event is published on every transition and every refused transition.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Call      ToolCall  `json:"call"`
	// Anomaly and Attempted are set on EventAnomaly only.
	Anomaly   string    `json:"anomaly,omitempty"`
	Attempted *Decision `json:"attempted,omitempty"`
}

// Bus fans coordinator events out to observers. Publishing never blocks the
// coordinator: a subscriber whose buffer is full misses the event.
type Bus struct {
	logger     *zap.Logger
	bufferSize int

	mu     sync.RWMutex
	subs   map[EventType][]chan Event
	closed bool
}

func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		logger:     logger.Named("event_bus"),
		bufferSize: bufferSize,
		subs:       make(map[EventType][]chan Event),
	}
}

// Publish delivers ev to every subscriber of its type.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[ev.Type] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Dropping event for slow subscriber.",
				zap.String("type", string(ev.Type)),
				zap.String("call_id", ev.Call.ID))
		}
	}
}

// Subscribe returns a channel receiving the given event types, or all of
// them when none are given, and a function that ends the subscription.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	if len(types) == 0 {
		types = AllEvents
	}
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	for _, t := range types {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				subs := b.subs[t]
				for i, c := range subs {
					if c == ch {
						b.subs[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

// Close ends every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[chan Event]struct{})
	for _, subs := range b.subs {
		for _, ch := range subs {
			if _, ok := seen[ch]; !ok {
				seen[ch] = struct{}{}
				close(ch)
			}
		}
	}
	b.subs = nil
}
