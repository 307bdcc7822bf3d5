package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a relay lifecycle notification (message delivered, dead-lettered,
// provider state change, ...).
type Event struct {
	Type      string
	Platform  string
	Payload   map[string]any
	Timestamp time.Time
}

type EventHandler func(Event)

// EventBus is a synchronous topic pub/sub with a bounded replay buffer.
// "*" subscribes to every event type.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(maxHistory int, logger *slog.Logger) *EventBus {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: maxHistory,
	}
}

// On registers a handler and returns its ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eventType + "-" + uuid.NewString()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls matching handlers in registration order.
// A panicking handler is logged and skipped. A nil EventBus is a no-op.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	var handlers []namedHandler
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns recorded events of the given type (or "*") at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

const (
	EventMessageReceived     = "message.received"
	EventMessageDuplicate    = "message.duplicate"
	EventMessageSent         = "message.sent"
	EventMessageRetry        = "message.retry"
	EventMessageDeadLettered = "message.dead_lettered"
	EventMessageReprocessed  = "message.reprocessed"
	EventWebhookRejected     = "webhook.rejected"
	EventProviderState       = "provider.state"
	EventSessionCreated      = "session.created"
	EventSessionExpired      = "session.expired"
)
