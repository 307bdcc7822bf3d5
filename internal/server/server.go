// Package server exposes the platform webhook endpoints and the admin API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/router"
)

const defaultMaxBodySize = 1 << 20

// Providers is the provider registry and admin surface of the router.
type Providers interface {
	Lookup(platform string) (domain.Provider, domain.ProviderConfig, error)
	ListConfigs(ctx context.Context) ([]router.ProviderStatus, error)
	GetConfig(ctx context.Context, platform string) (router.ProviderStatus, error)
	SaveConfig(ctx context.Context, cfg domain.ProviderConfig) (router.ProviderStatus, error)
	DeleteConfig(ctx context.Context, platform string) error
	Enable(ctx context.Context, platform string) (router.ProviderStatus, error)
	Disable(ctx context.Context, platform string) (router.ProviderStatus, error)
	Reload(ctx context.Context, platform string) (router.ProviderStatus, error)
}

// Queue is the part of the outbound queue the admin API drives.
type Queue interface {
	Status(ctx context.Context) (domain.QueueStatus, error)
	DeadLetters(ctx context.Context, skip, take int) ([]domain.QueuedMessage, error)
	DeadLetter(ctx context.Context, id string) (*domain.QueuedMessage, error)
	DeadLetterCount(ctx context.Context) (int, error)
	ReprocessDeadLetter(ctx context.Context, id string) error
	DeleteDeadLetter(ctx context.Context, id string) error
	ClearDeadLetters(ctx context.Context) (int, error)
}

type Config struct {
	Addr        string
	Providers   Providers
	Queue       Queue
	Bus         domain.MessageBus
	Events      *bus.EventBus
	Metrics     *metrics.Relay
	MetricsPath string // empty disables the metrics endpoint
	AdminAPIKey string // empty disables admin auth
	MaxBodySize int64
	Version     string
	Logger      *slog.Logger
}

// Server is the HTTP surface of the relay.
type Server struct {
	addr        string
	providers   Providers
	queue       Queue
	bus         domain.MessageBus
	events      *bus.EventBus
	metrics     *metrics.Relay
	metricsPath string
	apiKey      string
	maxBody     int64
	version     string
	logger      *slog.Logger
	started     time.Time

	server *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	return &Server{
		addr:        cfg.Addr,
		providers:   cfg.Providers,
		queue:       cfg.Queue,
		bus:         cfg.Bus,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		metricsPath: cfg.MetricsPath,
		apiKey:      cfg.AdminAPIKey,
		maxBody:     cfg.MaxBodySize,
		version:     cfg.Version,
		logger:      cfg.Logger,
		started:     time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/{platform}", s.handleWebhook)
	mux.HandleFunc("GET /webhook/{platform}", s.handleWebhookVerify)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /api/providers", s.requireAuth(s.handleListProviders))
	mux.HandleFunc("GET /api/providers/{platform}", s.requireAuth(s.handleGetProvider))
	mux.HandleFunc("PUT /api/providers/{platform}", s.requireAuth(s.handlePutProvider))
	mux.HandleFunc("DELETE /api/providers/{platform}", s.requireAuth(s.handleDeleteProvider))
	mux.HandleFunc("POST /api/providers/{platform}/{action}", s.requireAuth(s.handleProviderAction))

	mux.HandleFunc("GET /api/queue/status", s.requireAuth(s.handleQueueStatus))
	mux.HandleFunc("GET /api/deadletters", s.requireAuth(s.handleListDeadLetters))
	mux.HandleFunc("GET /api/deadletters/{id}", s.requireAuth(s.handleGetDeadLetter))
	mux.HandleFunc("POST /api/deadletters/{id}/reprocess", s.requireAuth(s.handleReprocessDeadLetter))
	mux.HandleFunc("DELETE /api/deadletters/{id}", s.requireAuth(s.handleDeleteDeadLetter))
	mux.HandleFunc("DELETE /api/deadletters", s.requireAuth(s.handleClearDeadLetters))

	if s.metricsPath != "" && s.metrics != nil {
		mux.HandleFunc("GET "+s.metricsPath, s.metrics.Collector().Handler())
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "err", err)
		}
	}()

	s.logger.Info("http server started", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// requireAuth wraps a handler with bearer-key auth when an admin key is set.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next(rw, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeError(rw, http.StatusUnauthorized, "invalid API key")
			return
		}
		next(rw, r)
	}
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"time":    time.Now().Format(time.RFC3339),
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}

// statusFor maps registry and store errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownPlatform), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrProviderDisabled):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
