// Package events is the in-process publish/subscribe hub the gateway uses to
// tell observers (the Telegram notifier, metrics) what it decided.
package events

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Event represents something the gateway did.
type Event struct {
	Type      string         // e.g. "submission.executed", "approval.queued"
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

type Handler func(Event)

// Bus is a topic-based publish/subscribe system with wildcard subscriptions
// and a bounded history for replay.
type Bus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     int
}

type namedHandler struct {
	ID      string
	Handler Handler
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for the given event type. Use "*" to listen to all
// events. Returns the handler ID for Off.
func (b *Bus) On(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := eventType + "-" + strconv.Itoa(b.nextID)
	b.handlers[eventType] = append(b.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (b *Bus) Off(eventType, handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			b.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit calls every matching handler synchronously, in registration order.
// A panicking handler is logged and does not stop the others.
func (b *Bus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, event)

	handlers := make([]namedHandler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers["*"]...)
	b.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

func (b *Bus) EmitAsync(event Event) {
	go b.Emit(event)
}

// Replay returns past events of the given type (or "*") since the given time.
func (b *Bus) Replay(eventType string, since time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, e := range b.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (b *Bus) HistoryLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

// Well-known event types.
const (
	SubmissionExecuted = "submission.executed"
	SubmissionRejected = "submission.rejected"
	ApprovalQueued     = "approval.queued"
	ApprovalResolved   = "approval.resolved"
	RuleAdded          = "rule.added"
	RuleDeleted        = "rule.deleted"
	UserCreated        = "user.created"
)
