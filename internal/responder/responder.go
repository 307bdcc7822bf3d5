// Package responder provides the ResponseGenerator implementations the
// relay can run with: an echo responder for smoke tests and an HTTP client
// for an external processing pipeline.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/httpx"
)

// New builds the generator selected by cfg.Mode. Mode "none" returns nil,
// which makes the router record inbound traffic without replying.
func New(cfg config.ResponderConfig, logger *slog.Logger) (domain.ResponseGenerator, error) {
	switch cfg.Mode {
	case "", "echo":
		return Echo{}, nil
	case "http":
		return NewHTTP(HTTPConfig{
			URL:     cfg.URL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
			Limiter: NewRateLimiter(cfg.Burst, cfg.RatePerMinute),
			Logger:  logger,
		})
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown responder mode %q", cfg.Mode)
}

// reply addresses a generated message back at the sender of msg.
func reply(msg domain.ChatMessage, content string, typ domain.MessageType) *domain.ChatMessage {
	if typ == "" {
		typ = domain.MessageText
	}
	return &domain.ChatMessage{
		MessageID:  uuid.NewString(),
		SenderID:   msg.ReceiverID,
		ReceiverID: msg.SenderID,
		Content:    content,
		Type:       typ,
		Platform:   msg.Platform,
		Timestamp:  time.Now(),
	}
}

// Echo answers every message with its own content.
type Echo struct {
	Prefix string
}

func (e Echo) Generate(ctx context.Context, session domain.ChatSession, msg domain.ChatMessage) (*domain.ChatMessage, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return nil, nil
	}
	return reply(msg, e.Prefix+msg.Content, msg.Type), nil
}

type HTTPConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
	Retry   *httpx.RetryPolicy
	Limiter *RateLimiter // nil for no throttling
	Logger  *slog.Logger
}

// HTTP posts the session and message to an external pipeline and turns its
// answer into a reply. A 204 or an empty content means no reply.
type HTTP struct {
	url     string
	apiKey  string
	client  *http.Client
	retry   httpx.RetryPolicy
	limiter *RateLimiter
	logger  *slog.Logger
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http responder: url is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = httpx.SharedClient(cfg.Timeout)
	}
	policy := httpx.DefaultRetryPolicy(cfg.Logger)
	if cfg.Retry != nil {
		policy = *cfg.Retry
		policy.Logger = cfg.Logger
	}
	return &HTTP{
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		client:  cfg.Client,
		retry:   policy,
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
	}, nil
}

type pipelineRequest struct {
	Session pipelineSession    `json:"session"`
	Message domain.ChatMessage `json:"message"`
}

type pipelineSession struct {
	SessionID string               `json:"sessionId"`
	UserID    string               `json:"userId"`
	Platform  string               `json:"platform"`
	State     domain.SessionState  `json:"state"`
	History   []domain.ChatMessage `json:"history"`
}

type pipelineResponse struct {
	Content  string             `json:"content"`
	Type     domain.MessageType `json:"messageType"`
	Metadata map[string]string  `json:"metadata"`
}

func (h *HTTP) Generate(ctx context.Context, session domain.ChatSession, msg domain.ChatMessage) (*domain.ChatMessage, error) {
	body, err := json.Marshal(pipelineRequest{
		Session: pipelineSession{
			SessionID: session.SessionID,
			UserID:    session.UserID,
			Platform:  session.Platform,
			State:     session.State,
			History:   session.History,
		},
		Message: msg,
	})
	if err != nil {
		return nil, fmt.Errorf("encode pipeline request: %w", err)
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	resp, err := httpx.DoWithRetry(ctx, h.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if h.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+h.apiKey)
		}
		return req, nil
	}, h.retry)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("pipeline: read response: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("pipeline: %w", &httpx.StatusError{StatusCode: resp.StatusCode, Body: string(data)})
	}

	var out pipelineResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("pipeline: decode response: %w", err)
	}
	if strings.TrimSpace(out.Content) == "" {
		h.logger.Debug("pipeline returned no content", "session", session.SessionID)
		return nil, nil
	}
	r := reply(msg, out.Content, out.Type)
	if len(out.Metadata) > 0 {
		r.Metadata = out.Metadata
	}
	return r, nil
}
