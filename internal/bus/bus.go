package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus is a buffered channel carrying inbound ChatMessages from
// webhooks and gateway connections to the router workers.
type InMemoryBus struct {
	inbound        chan domain.ChatMessage
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

var _ domain.MessageBus = (*InMemoryBus)(nil)

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:        make(chan domain.ChatMessage, bufferSize),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// WithPublishTimeout overrides how long Publish waits on a full buffer.
func (b *InMemoryBus) WithPublishTimeout(d time.Duration) *InMemoryBus {
	b.publishTimeout = d
	return b
}

// Publish enqueues msg. When the buffer is full it waits up to the publish
// timeout and reports false if the message had to be dropped.
func (b *InMemoryBus) Publish(msg domain.ChatMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "platform", msg.Platform)
		return false
	}

	select {
	case b.inbound <- msg:
		return true
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "platform", msg.Platform, "sender", msg.SenderID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		return true
	case <-timer.C:
		b.logger.Error("message dropped: bus full",
			"platform", msg.Platform,
			"sender", msg.SenderID,
			"message_id", msg.MessageID,
			"waited", b.publishTimeout,
		)
		return false
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.ChatMessage {
	return b.inbound
}

// Len is the number of buffered messages.
func (b *InMemoryBus) Len() int {
	return len(b.inbound)
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
