// Package router owns the provider registry and moves inbound messages
// through dedupe, session tracking and the response generator into the
// outbound queue.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"

	"chatrelay/internal/bus"
	"chatrelay/internal/dedupe"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/session"
)

const defaultWorkers = 4

// Enqueuer accepts outbound replies. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg domain.ChatMessage, target string) (string, error)
}

type Config struct {
	Bus       domain.MessageBus
	Sessions  *session.Manager
	Generator domain.ResponseGenerator // nil records traffic without replying
	Queue     Enqueuer
	Store     domain.ProviderConfigStore
	Dedupe    *dedupe.Cache
	Workers   int
	Events    *bus.EventBus
	Metrics   *metrics.Relay
	Logger    *slog.Logger
}

// entry is one registered provider. mu guards cfg and ready, and is held
// exclusively while the provider is being shut down or initialized.
type entry struct {
	mu       sync.RWMutex
	provider domain.Provider
	cfg      domain.ProviderConfig
	ready    bool
}

type Router struct {
	bus       domain.MessageBus
	sessions  *session.Manager
	generator domain.ResponseGenerator
	queue     Enqueuer
	store     domain.ProviderConfigStore
	dedupe    *dedupe.Cache
	workers   int
	events    *bus.EventBus
	metrics   *metrics.Relay
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Dedupe == nil {
		cfg.Dedupe = dedupe.New(0, 0)
	}
	return &Router{
		bus:       cfg.Bus,
		sessions:  cfg.Sessions,
		generator: cfg.Generator,
		queue:     cfg.Queue,
		store:     cfg.Store,
		dedupe:    cfg.Dedupe,
		workers:   cfg.Workers,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		entries:   make(map[string]*entry),
	}
}

// RegisterProvider adds p under its platform name, replacing any provider
// previously registered for it. The provider starts disabled until
// Initialize or an admin operation applies a config.
func (r *Router) RegisterProvider(p domain.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Platform()] = &entry{
		provider: p,
		cfg:      domain.ProviderConfig{Platform: p.Platform()},
	}
	r.logger.Debug("provider registered", "platform", p.Platform())
}

func (r *Router) entry(platform string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, platform)
	}
	return e, nil
}

func (r *Router) GetProvider(platform string) (domain.Provider, error) {
	e, err := r.entry(platform)
	if err != nil {
		return nil, err
	}
	return e.provider, nil
}

// GetAllProviders returns the registered providers ordered by platform.
func (r *Router) GetAllProviders() []domain.Provider {
	r.mu.RLock()
	out := make([]domain.Provider, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.provider)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Platform() < out[j].Platform() })
	return out
}

func (r *Router) platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the provider behind a webhook route. It fails with
// ErrUnknownPlatform or ErrProviderDisabled; readiness is not checked so a
// provider can still answer handshakes while it is coming up.
func (r *Router) Lookup(platform string) (domain.Provider, domain.ProviderConfig, error) {
	e, err := r.entry(platform)
	if err != nil {
		return nil, domain.ProviderConfig{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.cfg.IsEnabled {
		return nil, e.cfg, fmt.Errorf("%w: %s", domain.ErrProviderDisabled, platform)
	}
	return e.provider, e.cfg, nil
}

// Resolve implements queue.Resolver.
func (r *Router) Resolve(platform string) (domain.Provider, domain.ProviderConfig, error) {
	e, err := r.entry(platform)
	if err != nil {
		return nil, domain.ProviderConfig{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case !e.cfg.IsEnabled:
		return nil, e.cfg, fmt.Errorf("%w: %s", domain.ErrProviderDisabled, platform)
	case !e.ready:
		return nil, e.cfg, fmt.Errorf("%w: %s", domain.ErrProviderNotReady, platform)
	}
	return e.provider, e.cfg, nil
}

// Initialize loads every registered provider's config from the store and
// initializes the enabled ones. A provider that fails stays registered but
// not ready; the others are unaffected.
func (r *Router) Initialize(ctx context.Context) error {
	var failed []string
	for _, platform := range r.platforms() {
		cfg := domain.ProviderConfig{Platform: platform}
		if r.store != nil {
			stored, err := r.store.GetProviderConfig(ctx, platform)
			switch {
			case err == nil:
				cfg = *stored
			case errors.Is(err, domain.ErrNotFound):
			default:
				r.logger.Error("load provider config", "platform", platform, "err", err)
				failed = append(failed, platform)
				continue
			}
		}
		if err := r.apply(ctx, platform, cfg); err != nil {
			failed = append(failed, platform)
		}
	}
	if len(failed) > 0 {
		r.logger.Warn("some providers failed to initialize", "platforms", failed)
	}
	return nil
}

// apply shuts the provider down if it was running, swaps in cfg and
// initializes it again when cfg is enabled.
func (r *Router) apply(ctx context.Context, platform string, cfg domain.ProviderConfig) error {
	e, err := r.entry(platform)
	if err != nil {
		return err
	}
	cfg.Platform = platform

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		if err := e.provider.Shutdown(ctx); err != nil {
			r.logger.Warn("provider shutdown failed", "platform", platform, "err", err)
		}
		e.ready = false
	}
	e.cfg = cfg
	if !cfg.IsEnabled {
		r.emitState(platform, "disabled")
		r.logger.Info("provider disabled", "platform", platform)
		return nil
	}

	if err := e.provider.Initialize(ctx, cfg); err != nil {
		r.emitState(platform, "failed")
		r.logger.Error("provider initialization failed", "platform", platform, "err", err)
		return fmt.Errorf("initialize %s: %w", platform, err)
	}
	e.ready = true
	r.emitState(platform, "ready")
	r.logger.Info("provider ready", "platform", platform)
	return nil
}

func (r *Router) emitState(platform, state string) {
	r.events.Emit(bus.Event{Type: bus.EventProviderState, Platform: platform,
		Payload: map[string]any{"state": state}})
}

// Shutdown stops every ready provider. Errors are logged and the first one
// is returned after all providers were attempted.
func (r *Router) Shutdown(ctx context.Context) error {
	var first error
	for _, platform := range r.platforms() {
		e, err := r.entry(platform)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if e.ready {
			if err := e.provider.Shutdown(ctx); err != nil {
				r.logger.Warn("provider shutdown failed", "platform", platform, "err", err)
				if first == nil {
					first = fmt.Errorf("shutdown %s: %w", platform, err)
				}
			}
			e.ready = false
		}
		e.mu.Unlock()
	}
	return first
}

// RouteIncoming dedupes msg, records it in the sender's session, asks the
// generator for a reply and queues the reply. It reports whether msg was
// routed; a redelivery returns false with a nil error.
func (r *Router) RouteIncoming(ctx context.Context, msg domain.ChatMessage) (bool, error) {
	if msg.Platform == "" || msg.SenderID == "" {
		return false, fmt.Errorf("route: message needs platform and sender")
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	key := dedupe.Key(msg.Platform, msg.MessageID)
	if r.dedupe.CheckAndMark(key) {
		r.logger.Debug("duplicate message dropped", "platform", msg.Platform, "message_id", msg.MessageID)
		r.events.Emit(bus.Event{Type: bus.EventMessageDuplicate, Platform: msg.Platform,
			Payload: map[string]any{"message_id": msg.MessageID}})
		return false, nil
	}

	routed, err := r.route(ctx, msg)
	if err != nil {
		// Let a platform redelivery try again.
		r.dedupe.Forget(key)
	}
	return routed, err
}

func (r *Router) route(ctx context.Context, msg domain.ChatMessage) (bool, error) {
	sess, err := r.sessions.GetOrCreate(ctx, msg.SenderID, msg.Platform)
	if err != nil {
		return false, fmt.Errorf("route %s: %w", msg.Platform, err)
	}
	snap, err := r.sessions.Append(ctx, sess, msg)
	if err != nil {
		return false, fmt.Errorf("route %s: %w", msg.Platform, err)
	}
	r.events.Emit(bus.Event{Type: bus.EventMessageReceived, Platform: msg.Platform,
		Payload: map[string]any{"message_id": msg.MessageID, "session": snap.SessionID}})
	r.metrics.SetActiveSessions(r.sessions.CacheLen())

	if r.generator == nil {
		return true, nil
	}
	reply, err := r.generator.Generate(ctx, snap, msg)
	if err != nil {
		return true, fmt.Errorf("generate reply for %s/%s: %w", msg.Platform, msg.MessageID, err)
	}
	if reply == nil {
		return true, nil
	}

	out := replyFor(msg, *reply)
	target := out.Meta(domain.MetaReplyTarget)
	if target == "" {
		target = msg.SenderID
	}
	if _, err := r.sessions.Append(ctx, sess, out); err != nil {
		r.logger.Warn("record reply in session", "session", snap.SessionID, "err", err)
	}
	if _, err := r.queue.Enqueue(ctx, out, target); err != nil {
		return true, fmt.Errorf("enqueue reply: %w", err)
	}
	r.logger.Debug("reply queued", "platform", out.Platform, "target", target, "in_reply_to", msg.MessageID)
	return true, nil
}

// replyFor fills in what the generator left out. The inbound metadata
// (reply_to, thread_ts, interaction tokens) is carried over so providers can
// thread the reply; keys the generator set itself win.
func replyFor(in domain.ChatMessage, reply domain.ChatMessage) domain.ChatMessage {
	out := reply.Clone()
	if out.Platform == "" {
		out.Platform = in.Platform
	}
	if out.MessageID == "" {
		out.MessageID = uuid.NewString()
	}
	if out.Type == "" {
		out.Type = domain.MessageText
	}
	md := make(map[string]string, len(in.Metadata)+len(out.Metadata))
	maps.Copy(md, in.Metadata)
	maps.Copy(md, out.Metadata)
	if len(md) > 0 {
		out.Metadata = md
	}
	return out
}

// Run drains the inbound bus with a bounded number of concurrent routes and
// forwards traffic from connection providers onto the bus. It returns when
// ctx is cancelled or the bus is closed, after in-flight routes finish.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range r.GetAllProviders() {
		cp, ok := p.(domain.ConnectionProvider)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.drainConnection(ctx, cp)
		}()
	}

	r.logger.Info("router started", "workers", r.workers)
	sem := make(chan struct{}, r.workers)
	inbound := r.bus.Subscribe()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound bus closed, router stopping")
				break loop
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				break loop
			}
			wg.Add(1)
			go func(m domain.ChatMessage) {
				defer func() { <-sem; wg.Done() }()
				r.handle(ctx, m)
			}(msg)
		}
	}
	wg.Wait()
	r.logger.Info("router stopped")
}

func (r *Router) handle(ctx context.Context, msg domain.ChatMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while routing message", "platform", msg.Platform, "message_id", msg.MessageID, "panic", rec)
		}
	}()
	if _, err := r.RouteIncoming(ctx, msg); err != nil {
		r.logger.Error("route message", "platform", msg.Platform, "message_id", msg.MessageID, "err", err)
	}
}

// drainConnection forwards a connection provider's messages to the bus and
// its state changes to the event bus.
func (r *Router) drainConnection(ctx context.Context, cp domain.ConnectionProvider) {
	events := cp.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			platform := ev.Platform
			if platform == "" {
				platform = cp.Platform()
			}
			if ev.State != "" {
				r.emitState(platform, ev.State)
				r.logger.Info("connection state", "platform", platform, "state", ev.State)
			}
			if ev.Err != nil {
				r.logger.Warn("connection error", "platform", platform, "err", ev.Err)
			}
			if ev.Message != nil && !r.bus.Publish(*ev.Message) {
				r.logger.Warn("inbound message dropped", "platform", platform, "message_id", ev.Message.MessageID)
			}
		}
	}
}
