package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/domain"
	"chatrelay/internal/httpx"
)

// Webhook is the generic JSON provider for systems without a native
// adapter. Inbound bodies and outbound posts carry an X-Signature-256
// HMAC when a secret is configured.
//
// ConfigData: secret, verifyToken, url (all optional). The outbound URL is
// ProviderConfig.WebhookURL, falling back to ConfigData "url".
type Webhook struct {
	base
}

func NewWebhook(opts Options) *Webhook {
	return &Webhook{base: newBase("webhook", opts)}
}

// WebhookPayload is the JSON shape accepted inbound and posted outbound.
type WebhookPayload struct {
	MessageID string            `json:"message_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	Content   string            `json:"content"`
	Type      string            `json:"type,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (w *Webhook) Initialize(ctx context.Context, cfg domain.ProviderConfig) error {
	w.setConfig(cfg, true)
	w.logger.Info("provider initialized", "outbound", webhookURL(cfg) != "", "signed", cfg.Get("secret") != "")
	return nil
}

func (w *Webhook) Shutdown(ctx context.Context) error {
	w.markDown()
	return nil
}

func webhookURL(cfg domain.ProviderConfig) string {
	if cfg.WebhookURL != "" {
		return cfg.WebhookURL
	}
	return cfg.Get("url")
}

// ValidateWebhook answers the hub.challenge GET handshake and verifies the
// body HMAC on everything else.
func (w *Webhook) ValidateWebhook(ctx context.Context, req *domain.WebhookRequest) domain.WebhookValidationResult {
	cfg := w.config()

	if req.Method == http.MethodGet {
		if req.Query.Get("hub.mode") != "subscribe" || req.Query.Get("hub.challenge") == "" {
			return domain.InvalidWebhook("Unsupported handshake")
		}
		if want := cfg.Get("verifyToken"); want != "" && !hmac.Equal([]byte(want), []byte(req.Query.Get("hub.verify_token"))) {
			return domain.InvalidWebhook("Invalid verify token")
		}
		return domain.WebhookValidationResult{IsValid: true, Challenge: req.Query.Get("hub.challenge")}
	}

	secret := cfg.Get("secret")
	if secret == "" {
		return domain.ValidWebhook()
	}
	sig := req.Headers.Get("X-Signature-256")
	if sig == "" {
		return domain.InvalidWebhook("Missing signature")
	}
	if !hmac.Equal([]byte(signBody(secret, req.Body)), []byte(sig)) {
		return domain.InvalidWebhook("Invalid signature")
	}
	return domain.ValidWebhook()
}

// signBody returns "sha256=" + hex HMAC-SHA256 of body.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhook) ParseMessage(ctx context.Context, body []byte) (*domain.ChatMessage, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("webhook: decode payload: %w", err)
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, errors.New("webhook: content is required")
	}

	typ := domain.MessageType(p.Type)
	if typ == "" {
		typ = domain.MessageText
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("webhook: %w: %q", domain.ErrUnsupportedType, p.Type)
	}
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}
	if p.UserID == "" {
		p.UserID = "webhook"
	}

	md := make(map[string]string, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		md[k] = v
	}
	target := p.ChatID
	if target == "" {
		target = p.UserID
	}
	md[domain.MetaReplyTarget] = target
	md[domain.MetaReplyTo] = p.MessageID

	ts := time.Now()
	if p.Timestamp > 0 {
		ts = time.UnixMilli(p.Timestamp)
	}

	return &domain.ChatMessage{
		MessageID:  p.MessageID,
		SenderID:   p.UserID,
		ReceiverID: p.ChatID,
		Content:    p.Content,
		Type:       typ,
		Platform:   "webhook",
		Timestamp:  ts,
		Metadata:   md,
	}, nil
}

// SendMessage posts the reply as a WebhookPayload with chat_id set to
// target. Any message type is forwarded as-is.
func (w *Webhook) SendMessage(ctx context.Context, msg domain.ChatMessage, target string) domain.SendResult {
	if !w.isReady() {
		return notReady(w.platform)
	}
	cfg := w.config()
	endpoint := webhookURL(cfg)
	if endpoint == "" {
		return domain.SendFailed("no_webhook_url", "webhook: no outbound URL configured", false)
	}
	if strings.TrimSpace(msg.Content) == "" {
		_, fail := downgrade(msg)
		return *fail
	}

	id := msg.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(WebhookPayload{
		MessageID: id,
		ChatID:    target,
		Content:   msg.Content,
		Type:      string(msg.Type),
		Timestamp: ts.UnixMilli(),
		Metadata:  msg.Metadata,
	})
	if err != nil {
		return domain.SendFailed("encode", err.Error(), false)
	}

	header := http.Header{}
	if secret := cfg.Get("secret"); secret != "" {
		header.Set("X-Signature-256", signBody(secret, body))
	}

	// Receivers answer with arbitrary bodies; only the status matters.
	if err := httpx.DoJSON(ctx, w.client, http.MethodPost, endpoint, header, json.RawMessage(body), nil); err != nil {
		return sendError(err)
	}
	return domain.SendOK(id)
}
