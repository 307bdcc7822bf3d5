// Package queue delivers outbound messages through their providers with
// retry, per-platform pacing and a dead-letter store.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

// Resolver finds the provider and its current configuration for a platform.
// It returns domain.ErrUnknownPlatform when nothing is registered, and
// domain.ErrProviderDisabled or domain.ErrProviderNotReady when the provider
// exists but cannot send right now.
type Resolver interface {
	Resolve(platform string) (domain.Provider, domain.ProviderConfig, error)
}

type Config struct {
	Store           Store
	Resolver        Resolver
	Workers         int
	RetryBase       time.Duration
	RetryMax        time.Duration
	DefaultMaxRetry int // used when a provider config has MaxRetryCount <= 0
	SendTimeout     time.Duration
	Events          *bus.EventBus
	Metrics         *metrics.Relay
	Logger          *slog.Logger
}

type Queue struct {
	store       Store
	resolver    Resolver
	workers     int
	retry       backoff.Backoff
	maxRetry    int
	sendTimeout time.Duration
	events      *bus.EventBus
	metrics     *metrics.Relay
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	items   *list.List // of domain.QueuedMessage
	delayed int        // items waiting out a retry delay
	notify  chan struct{}

	dlMu sync.Mutex // serializes reprocess, delete and clear

	paceMu   sync.Mutex
	nextSend map[string]time.Time

	timers sync.WaitGroup
}

func New(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = 5 * time.Minute
	}
	if cfg.DefaultMaxRetry <= 0 {
		cfg.DefaultMaxRetry = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Queue{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		workers:  cfg.Workers,
		retry: backoff.Backoff{
			Min:    cfg.RetryBase,
			Max:    cfg.RetryMax,
			Factor: 2,
		},
		maxRetry:    cfg.DefaultMaxRetry,
		sendTimeout: cfg.SendTimeout,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         time.Now,
		items:       list.New(),
		notify:      make(chan struct{}, 1),
		nextSend:    make(map[string]time.Time),
	}
}

// Enqueue persists a delivery of msg to target and queues it at the tail.
// It returns the queue item id.
func (q *Queue) Enqueue(ctx context.Context, msg domain.ChatMessage, target string) (string, error) {
	if msg.Platform == "" {
		return "", fmt.Errorf("enqueue: message has no platform")
	}
	if target == "" {
		return "", fmt.Errorf("enqueue %s: %w", msg.Platform, domain.ErrInvalidTarget)
	}
	item := domain.QueuedMessage{
		ID:           uuid.NewString(),
		Message:      msg.Clone(),
		TargetUserID: target,
		CreatedAt:    q.now(),
	}
	if err := q.store.SavePending(ctx, item); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", msg.Platform, err)
	}
	q.push(item, false)
	q.logger.Debug("message enqueued", "id", item.ID, "platform", msg.Platform, "target", target)
	return item.ID, nil
}

// Recover loads pending items left by a previous process and queues them.
// Call it once before Run.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	items, err := q.store.LoadPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover pending: %w", err)
	}
	for _, it := range items {
		q.push(it, false)
	}
	if len(items) > 0 {
		q.logger.Info("recovered pending deliveries", "count", len(items))
	}
	return len(items), nil
}

// Len is the number of live items, including those waiting out a retry delay.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() + q.delayed
}

func (q *Queue) push(item domain.QueuedMessage, front bool) {
	q.mu.Lock()
	if front {
		q.items.PushFront(item)
	} else {
		q.items.PushBack(item)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop(ctx context.Context) (domain.QueuedMessage, bool) {
	for {
		q.mu.Lock()
		if e := q.items.Front(); e != nil {
			q.items.Remove(e)
			more := q.items.Len() > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return e.Value.(domain.QueuedMessage), true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.QueuedMessage{}, false
		case <-q.notify:
		}
	}
}

// Run starts the workers and blocks until ctx is done and every worker and
// pending retry timer has returned.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.worker(ctx, id)
		}(i)
	}
	q.logger.Info("queue workers started", "workers", q.workers)
	wg.Wait()
	q.timers.Wait()
	q.logger.Info("queue workers stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	for {
		item, ok := q.pop(ctx)
		if !ok {
			return
		}
		q.process(ctx, item)
	}
}

func (q *Queue) process(ctx context.Context, item domain.QueuedMessage) {
	platform := item.Message.Platform
	// store writes after a send must land even when shutdown starts mid-send
	storeCtx := context.WithoutCancel(ctx)

	prov, pcfg, err := q.resolver.Resolve(platform)
	var res domain.SendResult
	switch {
	case errors.Is(err, domain.ErrUnknownPlatform):
		q.deadLetter(storeCtx, item, err.Error())
		return
	case err != nil:
		res = domain.SendFailed("provider_unavailable", err.Error(), true)
	default:
		if err := q.pace(ctx, platform, pcfg.MessageInterval); err != nil {
			// shutting down; the item stays in the pending store
			return
		}
		res = q.attempt(ctx, prov, item)
	}

	if res.Success {
		if err := q.store.RemovePending(storeCtx, item.ID); err != nil {
			q.logger.Warn("remove delivered item", "id", item.ID, "err", err)
		}
		q.logger.Debug("message delivered", "id", item.ID, "platform", platform, "message_id", res.MessageID)
		q.events.Emit(bus.Event{Type: bus.EventMessageSent, Platform: platform,
			Payload: map[string]any{"id": item.ID, "target": item.TargetUserID, "messageId": res.MessageID}})
		return
	}
	if res.Delivered > 0 {
		item.Message = item.Message.WithMetadata(domain.MetaSentParts, strconv.Itoa(res.Delivered))
	}
	if ctx.Err() != nil {
		// interrupted by shutdown, not rejected by the platform; the item
		// stays pending with its retry count unchanged
		if res.Delivered > 0 {
			if err := q.store.SavePending(storeCtx, item); err != nil {
				q.logger.Warn("persist partial delivery", "id", item.ID, "err", err)
			}
		}
		q.logger.Debug("send interrupted by shutdown", "id", item.ID, "platform", platform)
		return
	}

	item.ErrorMessage = describe(res)
	maxRetry := pcfg.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = q.maxRetry
	}
	if res.ShouldRetry && item.RetryCount < maxRetry {
		item.RetryCount++
		q.scheduleRetry(ctx, storeCtx, item)
		return
	}
	q.deadLetter(storeCtx, item, item.ErrorMessage)
}

// attempt calls the provider, turning a panic into a permanent failure.
func (q *Queue) attempt(ctx context.Context, prov domain.Provider, item domain.QueuedMessage) (res domain.SendResult) {
	platform := item.Message.Platform
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("provider send panicked", "platform", platform, "id", item.ID,
				"panic", r, "stack", string(debug.Stack()))
			res = domain.SendFailed("panic", fmt.Sprintf("provider panic: %v", r), false)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	defer cancel()
	start := time.Now()
	res = prov.SendMessage(sendCtx, item.Message, item.TargetUserID)
	q.metrics.SendLatency(platform, time.Since(start))
	return res
}

// pace reserves the next send slot for platform and waits for it.
func (q *Queue) pace(ctx context.Context, platform string, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	q.paceMu.Lock()
	now := q.now()
	slot := q.nextSend[platform]
	if slot.Before(now) {
		slot = now
	}
	q.nextSend[platform] = slot.Add(interval)
	q.paceMu.Unlock()

	return sleep(ctx, slot.Sub(now))
}

// RetryDelay is the wait before the given retry: base × 2^retryCount,
// capped at the configured maximum.
func (q *Queue) RetryDelay(retryCount int) time.Duration {
	return q.retry.ForAttempt(float64(retryCount))
}

func (q *Queue) scheduleRetry(ctx, storeCtx context.Context, item domain.QueuedMessage) {
	delay := q.RetryDelay(item.RetryCount)
	if err := q.store.SavePending(storeCtx, item); err != nil {
		q.logger.Warn("persist retry state", "id", item.ID, "err", err)
	}
	q.logger.Warn("delivery failed, retrying",
		"id", item.ID, "platform", item.Message.Platform, "retry", item.RetryCount,
		"delay", delay, "err", item.ErrorMessage)
	q.events.Emit(bus.Event{Type: bus.EventMessageRetry, Platform: item.Message.Platform,
		Payload: map[string]any{"id": item.ID, "retry": item.RetryCount, "delay": delay.String(), "error": item.ErrorMessage}})

	q.mu.Lock()
	q.delayed++
	q.mu.Unlock()

	q.timers.Add(1)
	go func() {
		defer q.timers.Done()
		err := sleep(ctx, delay)

		q.mu.Lock()
		q.delayed--
		if err == nil {
			q.items.PushBack(item)
		}
		q.mu.Unlock()
		if err == nil {
			q.signal()
		}
	}()
}

func (q *Queue) deadLetter(ctx context.Context, item domain.QueuedMessage, reason string) {
	now := q.now()
	item.FailedAt = &now
	item.ErrorMessage = reason
	if err := q.store.MoveToDeadLetter(ctx, item); err != nil {
		q.logger.Error("dead-letter write failed", "id", item.ID, "err", err)
	}
	q.logger.Warn("message dead-lettered",
		"id", item.ID, "platform", item.Message.Platform, "retry", item.RetryCount, "err", reason)
	q.events.Emit(bus.Event{Type: bus.EventMessageDeadLettered, Platform: item.Message.Platform,
		Payload: map[string]any{"id": item.ID, "retry": item.RetryCount, "error": reason}})
	q.observeDepth(ctx)
}

// ReprocessDeadLetter moves a dead letter back to the head of the live queue
// with its retry count reset. ErrorMessage and CreatedAt are kept.
func (q *Queue) ReprocessDeadLetter(ctx context.Context, id string) error {
	q.dlMu.Lock()
	defer q.dlMu.Unlock()

	item, err := q.store.GetDeadLetter(ctx, id)
	if err != nil {
		return fmt.Errorf("reprocess %s: %w", id, err)
	}
	item.RetryCount = 0
	item.FailedAt = nil
	if err := q.store.RestoreDeadLetter(ctx, *item); err != nil {
		return fmt.Errorf("reprocess %s: %w", id, err)
	}
	q.push(*item, true)

	q.logger.Info("dead letter requeued", "id", id, "platform", item.Message.Platform)
	q.events.Emit(bus.Event{Type: bus.EventMessageReprocessed, Platform: item.Message.Platform,
		Payload: map[string]any{"id": id}})
	q.observeDepth(ctx)
	return nil
}

func (q *Queue) DeleteDeadLetter(ctx context.Context, id string) error {
	q.dlMu.Lock()
	defer q.dlMu.Unlock()
	if err := q.store.DeleteDeadLetter(ctx, id); err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	q.observeDepth(ctx)
	return nil
}

// ClearDeadLetters removes every dead letter and returns how many there were.
func (q *Queue) ClearDeadLetters(ctx context.Context) (int, error) {
	q.dlMu.Lock()
	defer q.dlMu.Unlock()
	n, err := q.store.ClearDeadLetters(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear dead letters: %w", err)
	}
	q.logger.Info("dead letters cleared", "count", n)
	q.observeDepth(ctx)
	return n, nil
}

func (q *Queue) DeadLetters(ctx context.Context, skip, take int) ([]domain.QueuedMessage, error) {
	return q.store.ListDeadLetters(ctx, skip, take)
}

func (q *Queue) DeadLetter(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	return q.store.GetDeadLetter(ctx, id)
}

func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	return q.store.CountDeadLetters(ctx)
}

func (q *Queue) Status(ctx context.Context) (domain.QueueStatus, error) {
	n, err := q.store.CountDeadLetters(ctx)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("queue status: %w", err)
	}
	pending := q.Len()
	q.metrics.SetQueueDepth(pending, n)
	return domain.QueueStatus{PendingCount: pending, DeadLetterCount: n, Timestamp: q.now().UTC()}, nil
}

func (q *Queue) observeDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if _, err := q.Status(ctx); err != nil {
		q.logger.Debug("queue depth", "err", err)
	}
}

func describe(res domain.SendResult) string {
	switch {
	case res.ErrorMessage != "":
		return res.ErrorMessage
	case res.ErrorCode != "":
		return res.ErrorCode
	default:
		return "send failed"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
