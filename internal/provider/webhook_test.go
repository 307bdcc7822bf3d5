package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

func newTestWebhook(t *testing.T, cfg domain.ProviderConfig) *Webhook {
	t.Helper()
	cfg.Platform = "webhook"
	w := NewWebhook(Options{Logger: testLogger()})
	require.NoError(t, w.Initialize(context.Background(), cfg))
	return w
}

func TestWebhook_Handshake(t *testing.T) {
	w := newTestWebhook(t, domain.ProviderConfig{ConfigData: map[string]string{"verifyToken": "vt"}})
	ctx := context.Background()

	q := url.Values{"hub.mode": {"subscribe"}, "hub.challenge": {"1158201444"}, "hub.verify_token": {"vt"}}
	res := w.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodGet, Query: q, Headers: http.Header{}})
	assert.True(t, res.IsValid)
	assert.Equal(t, "1158201444", res.Challenge)

	q.Set("hub.verify_token", "wrong")
	res = w.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodGet, Query: q, Headers: http.Header{}})
	assert.Equal(t, "Invalid verify token", res.ErrorMessage)

	res = w.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodGet, Query: url.Values{}, Headers: http.Header{}})
	assert.False(t, res.IsValid)
}

func TestWebhook_ValidateSignature(t *testing.T) {
	w := newTestWebhook(t, domain.ProviderConfig{ConfigData: map[string]string{"secret": "k"}})
	ctx := context.Background()
	body := []byte(`{"content":"hi"}`)

	h := http.Header{}
	h.Set("X-Signature-256", signBody("k", body))
	assert.True(t, w.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodPost, Headers: h, Body: body}).IsValid)

	h.Set("X-Signature-256", signBody("other", body))
	assert.Equal(t, "Invalid signature", w.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodPost, Headers: h, Body: body}).ErrorMessage)

	assert.Equal(t, "Missing signature", w.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodPost, Headers: http.Header{}, Body: body}).ErrorMessage)

	open := newTestWebhook(t, domain.ProviderConfig{})
	assert.True(t, open.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodPost, Headers: http.Header{}, Body: body}).IsValid)
}

func TestWebhook_ParseMessage(t *testing.T) {
	w := NewWebhook(Options{Logger: testLogger()})
	ctx := context.Background()

	msg, err := w.ParseMessage(ctx, []byte(`{"message_id":"m1","user_id":"u1","chat_id":"room","content":"hello","metadata":{"k":"v"}}`))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "room", msg.ReceiverID)
	assert.Equal(t, domain.MessageText, msg.Type)
	assert.Equal(t, "room", msg.Meta(domain.MetaReplyTarget))
	assert.Equal(t, "v", msg.Meta("k"))

	msg, err = w.ParseMessage(ctx, []byte(`{"content":"anon"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, "webhook", msg.SenderID)
	assert.Equal(t, "webhook", msg.Meta(domain.MetaReplyTarget))

	_, err = w.ParseMessage(ctx, []byte(`{"content":"  "}`))
	assert.Error(t, err)
	_, err = w.ParseMessage(ctx, []byte(`{"content":"x","type":"sticker"}`))
	assert.ErrorIs(t, err, domain.ErrUnsupportedType)
}

func TestWebhook_SendMessageSigned(t *testing.T) {
	var (
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	w := newTestWebhook(t, domain.ProviderConfig{WebhookURL: srv.URL, ConfigData: map[string]string{"secret": "k"}})
	res := w.SendMessage(context.Background(), domain.ChatMessage{MessageID: "r1", Content: "pong", Type: domain.MessageText}, "room")
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "r1", res.MessageID)

	assert.Equal(t, signBody("k", gotBody), gotSig)
	var p WebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &p))
	assert.Equal(t, "room", p.ChatID)
	assert.Equal(t, "pong", p.Content)
}

func TestWebhook_SendFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	ctx := context.Background()
	msg := domain.ChatMessage{Content: "x", Type: domain.MessageText}

	w := newTestWebhook(t, domain.ProviderConfig{WebhookURL: srv.URL})
	res := w.SendMessage(ctx, msg, "room")
	assert.Equal(t, "http_503", res.ErrorCode)
	assert.True(t, res.ShouldRetry)

	noURL := newTestWebhook(t, domain.ProviderConfig{})
	res = noURL.SendMessage(ctx, msg, "room")
	assert.Equal(t, "no_webhook_url", res.ErrorCode)
	assert.False(t, res.ShouldRetry)

	res = w.SendMessage(ctx, domain.ChatMessage{Type: domain.MessageImage}, "room")
	assert.Equal(t, "unsupported_message_type", res.ErrorCode)
}
