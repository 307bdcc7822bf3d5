package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"chatrelay/internal/bus"
	"chatrelay/internal/config"
	"chatrelay/internal/dedupe"
	"chatrelay/internal/domain"
	"chatrelay/internal/httpx"
	"chatrelay/internal/metrics"
	"chatrelay/internal/provider"
	"chatrelay/internal/queue"
	"chatrelay/internal/responder"
	"chatrelay/internal/router"
	"chatrelay/internal/server"
	"chatrelay/internal/session"
	"chatrelay/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay (webhooks, gateways, queue, admin API)",
		Long:  "Starts every enabled provider, the routing workers, the delivery queue and the HTTP server. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, logCloser, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	events := bus.NewEventBus(1000, logger)
	var relayMetrics *metrics.Relay
	if cfg.Metrics.Enabled {
		relayMetrics = metrics.NewRelay(metrics.New("chatrelay"))
		relayMetrics.Attach(events)
	}

	queueStore, closeQueueStore, err := openQueueStore(ctx, cfg.Queue, db)
	if err != nil {
		return err
	}
	defer closeQueueStore()

	generator, err := responder.New(cfg.Responder, logger)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	if generator == nil {
		logger.Warn("responder disabled, inbound messages are recorded without replies")
	}

	sessions := session.NewManager(session.Config{
		Store:         db,
		HistoryLimit:  cfg.Session.HistoryLimit,
		CacheTTL:      cfg.Session.CacheTTL,
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
		Events:        events,
		Logger:        logger,
	})

	inbound := bus.New(cfg.Routing.BusBuffer, logger)
	seen := dedupe.New(cfg.Routing.DedupeTTL, cfg.Routing.DedupeSize)

	// The router and the queue reference each other: the queue resolves
	// providers through the router, the router enqueues replies.
	var q *queue.Queue
	rt := router.New(router.Config{
		Bus:       inbound,
		Sessions:  sessions,
		Generator: generator,
		Queue:     enqueueFunc(func(ctx context.Context, msg domain.ChatMessage, target string) (string, error) { return q.Enqueue(ctx, msg, target) }),
		Store:     db,
		Dedupe:    seen,
		Workers:   cfg.Routing.Workers,
		Events:    events,
		Metrics:   relayMetrics,
		Logger:    logger,
	})
	q = queue.New(queue.Config{
		Store:           queueStore,
		Resolver:        rt,
		Workers:         cfg.Queue.Workers,
		RetryBase:       cfg.Queue.RetryBase,
		RetryMax:        cfg.Queue.RetryMax,
		DefaultMaxRetry: cfg.Queue.MaxRetryCount,
		Events:          events,
		Metrics:         relayMetrics,
		Logger:          logger,
	})

	factory := provider.NewFactory(provider.Options{
		Logger:               logger,
		HTTPClient:           httpx.SharedClient(30 * time.Second),
		ReconnectInterval:    cfg.Gateway.ReconnectInterval,
		MaxReconnectAttempts: cfg.Gateway.MaxReconnectAttempts,
	})
	for _, platform := range factory.Platforms() {
		p, err := factory.New(platform)
		if err != nil {
			return err
		}
		rt.RegisterProvider(p)
	}

	seeded, err := rt.Seed(ctx, seedConfigs(cfg))
	if err != nil {
		return fmt.Errorf("seed providers: %w", err)
	}
	if seeded > 0 {
		logger.Info("provider configs seeded from config file", "count", seeded)
	}
	if err := rt.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize providers: %w", err)
	}

	recovered, err := q.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if recovered > 0 {
		logger.Info("pending deliveries recovered", "count", recovered)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr(),
		Providers:   rt,
		Queue:       q,
		Bus:         inbound,
		Events:      events,
		Metrics:     relayMetrics,
		MetricsPath: metricsPath,
		AdminAPIKey: cfg.Server.AdminAPIKey,
		MaxBodySize: cfg.Server.MaxBodySize,
		Version:     version,
		Logger:      logger,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Debug("stopped", "component", name)
		}()
	}
	run("router", rt.Run)
	run("queue", q.Run)
	run("sessions", sessions.Run)
	run("dedupe", func(ctx context.Context) { sweepDedupe(ctx, seen, cfg.Routing.DedupeTTL) })

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Run(ctx) }()

	logger.Info("chatrelay started", "addr", cfg.Server.Addr(), "queue", cfg.Queue.Backend, "responder", cfg.Responder.Mode)

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			logger.Error("http server failed", "err", err)
		}
		stop()
	}
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("provider shutdown", "err", err)
	}
	inbound.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

type enqueueFunc func(ctx context.Context, msg domain.ChatMessage, target string) (string, error)

func (f enqueueFunc) Enqueue(ctx context.Context, msg domain.ChatMessage, target string) (string, error) {
	return f(ctx, msg, target)
}

// openQueueStore picks the queue persistence backend.
func openQueueStore(ctx context.Context, qc config.QueueConfig, db *store.SQLiteStore) (queue.Store, func(), error) {
	switch qc.Backend {
	case "", "sqlite":
		return db, func() {}, nil
	case "memory":
		logger.Warn("memory queue backend: pending deliveries and dead letters are lost on restart")
		return queue.NewMemoryStore(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", qc.Redis.Addr, err)
		}
		logger.Info("queue backend connected", "backend", "redis", "addr", qc.Redis.Addr)
		return queue.NewRedisStore(client, qc.Redis.Prefix), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
	}
}

// seedConfigs turns the providers section into store records.
func seedConfigs(cfg *config.Config) []domain.ProviderConfig {
	out := make([]domain.ProviderConfig, 0, len(cfg.Providers))
	for platform, pc := range cfg.Providers {
		out = append(out, domain.ProviderConfig{
			Platform:        platform,
			DisplayName:     pc.DisplayName,
			IsEnabled:       pc.Enabled,
			WebhookURL:      pc.WebhookURL,
			MessageInterval: pc.MessageInterval,
			MaxRetryCount:   pc.MaxRetryCount,
			ConfigData:      pc.Config,
		})
	}
	return out
}

func sweepDedupe(ctx context.Context, c *dedupe.Cache, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				logger.Debug("dedupe entries expired", "count", n)
			}
		}
	}
}
