package domain

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownPlatform   = errors.New("no provider registered for platform")
	ErrProviderDisabled  = errors.New("provider disabled")
	ErrProviderNotReady  = errors.New("provider not initialized")
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrInvalidTarget     = errors.New("invalid target")
	ErrMissingCredential = errors.New("missing credential")
)

// Provider is the adapter for one external chat platform.
//
// Implementations convert platform failures into SendResult and
// WebhookValidationResult values instead of returning errors, so that the
// queue and the webhook surface can decide on retry and response codes.
type Provider interface {
	// Platform is the registry key, e.g. "qq" or "slack".
	Platform() string

	// ValidateWebhook checks signatures and detects verification handshakes.
	// It must not have side effects.
	ValidateWebhook(ctx context.Context, req *WebhookRequest) WebhookValidationResult

	// ParseMessage turns a raw webhook body into a ChatMessage. A nil message
	// with a nil error means the event was recognized but carries nothing to
	// route.
	ParseMessage(ctx context.Context, body []byte) (*ChatMessage, error)

	// SendMessage delivers msg to a platform-specific target address.
	SendMessage(ctx context.Context, msg ChatMessage, target string) SendResult

	Initialize(ctx context.Context, cfg ProviderConfig) error
	Shutdown(ctx context.Context) error
}

// ConnectionProvider is implemented by providers that hold a persistent
// connection and receive traffic outside of webhooks. The router drains
// Events in its own goroutine.
type ConnectionProvider interface {
	Provider
	Events() <-chan ConnectionEvent
}

// WebhookAcknowledger lets a provider choose the body written back to the
// platform after an accepted message (e.g. Discord's deferred response).
type WebhookAcknowledger interface {
	WebhookAck(msg *ChatMessage) any
}

// ConnectionEvent is emitted by a ConnectionProvider: either a state change
// of the underlying connection, or an inbound message.
type ConnectionEvent struct {
	Platform string
	State    string
	Message  *ChatMessage
	Err      error
}

// ProviderConfig is the persisted, administrator-owned configuration of a platform.
type ProviderConfig struct {
	Platform        string            `json:"platform" yaml:"platform"`
	DisplayName     string            `json:"displayName" yaml:"displayName"`
	IsEnabled       bool              `json:"isEnabled" yaml:"enabled"`
	WebhookURL      string            `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
	MessageInterval time.Duration     `json:"messageInterval" yaml:"messageInterval"`
	MaxRetryCount   int               `json:"maxRetryCount" yaml:"maxRetryCount"`
	ConfigData      map[string]string `json:"configData,omitempty" yaml:"config,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt" yaml:"-"`
}

// Get returns a ConfigData value, or "" when absent.
func (c ProviderConfig) Get(key string) string {
	if c.ConfigData == nil {
		return ""
	}
	return c.ConfigData[key]
}

// SendResult is the outcome of one delivery attempt. ShouldRetry, not the
// HTTP status, drives queue retry behaviour.
type SendResult struct {
	Success      bool   `json:"success"`
	MessageID    string `json:"messageId,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ShouldRetry  bool   `json:"shouldRetry"`
	// Delivered counts the leading chunks of a split message that reached
	// the platform before the failure.
	Delivered int `json:"delivered,omitempty"`
}

// SendOK builds a successful result.
func SendOK(messageID string) SendResult {
	return SendResult{Success: true, MessageID: messageID}
}

// SendFailed builds a failed result.
func SendFailed(code, message string, retry bool) SendResult {
	return SendResult{ErrorCode: code, ErrorMessage: message, ShouldRetry: retry}
}

// WebhookRequest is the transport-neutral view of an inbound webhook call.
type WebhookRequest struct {
	Method  string
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// WebhookValidationResult is returned by Provider.ValidateWebhook.
// When Challenge or ChallengeResponse is set the caller answers the
// handshake and does not parse the body.
type WebhookValidationResult struct {
	IsValid           bool
	Challenge         string
	ChallengeResponse any
	ErrorMessage      string
}

// IsChallenge reports whether the request was a verification handshake.
func (r WebhookValidationResult) IsChallenge() bool {
	return r.Challenge != "" || r.ChallengeResponse != nil
}

// ValidWebhook is a plain accept.
func ValidWebhook() WebhookValidationResult {
	return WebhookValidationResult{IsValid: true}
}

// InvalidWebhook rejects a request with a message.
func InvalidWebhook(message string) WebhookValidationResult {
	return WebhookValidationResult{ErrorMessage: message}
}

// ResponseGenerator produces a reply for an inbound message. It is the
// boundary to the external processing pipeline; a nil reply means nothing
// should be sent.
type ResponseGenerator interface {
	Generate(ctx context.Context, session ChatSession, msg ChatMessage) (*ChatMessage, error)
}
