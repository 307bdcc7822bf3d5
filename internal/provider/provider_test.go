package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
	"chatrelay/internal/httpx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFactory_BuildsEveryPlatform(t *testing.T) {
	f := NewFactory(Options{Logger: testLogger()})
	assert.Equal(t, []string{"discord", "feishu", "qq", "slack", "telegram", "webhook"}, f.Platforms())

	for _, name := range f.Platforms() {
		p, err := f.New(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Platform())
	}

	_, err := f.New("irc")
	assert.ErrorIs(t, err, domain.ErrUnknownPlatform)
}

func TestFactory_QQIsConnectionProvider(t *testing.T) {
	p, err := NewFactory(Options{}).New("qq")
	require.NoError(t, err)
	_, ok := p.(domain.ConnectionProvider)
	assert.True(t, ok)
}

func TestSendError_Classification(t *testing.T) {
	res := sendError(&httpx.StatusError{StatusCode: 429})
	assert.True(t, res.ShouldRetry)
	assert.Equal(t, "http_429", res.ErrorCode)

	res = sendError(&httpx.StatusError{StatusCode: 403, Body: "forbidden"})
	assert.False(t, res.ShouldRetry)

	res = sendError(errors.New("connection reset by peer"))
	assert.True(t, res.ShouldRetry)
	assert.Equal(t, "transport", res.ErrorCode)

	res = sendError(context.Canceled)
	assert.True(t, res.ShouldRetry)
}

func TestRetryable(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, Retryable(code), code)
	}
	for _, code := range []int{400, 401, 403, 404, 501} {
		assert.False(t, Retryable(code), code)
	}
}

func TestDowngrade(t *testing.T) {
	text, fail := downgrade(domain.ChatMessage{Type: domain.MessageImage, Content: " https://x/y.png "})
	assert.Nil(t, fail)
	assert.Equal(t, "https://x/y.png", text)

	_, fail = downgrade(domain.ChatMessage{Type: domain.MessageCard})
	require.NotNil(t, fail)
	assert.Equal(t, "unsupported_message_type", fail.ErrorCode)
	assert.False(t, fail.ShouldRetry)
}

func TestParseTarget(t *testing.T) {
	kind, id := parseTarget("group:g1")
	assert.Equal(t, "group", kind)
	assert.Equal(t, "g1", id)

	kind, id = parseTarget("C123")
	assert.Empty(t, kind)
	assert.Equal(t, "C123", id)

	kind, id = parseTarget("thread:C1:1700.1")
	assert.Equal(t, "thread", kind)
	assert.Equal(t, "C1:1700.1", id)
}

func TestRequireKeys(t *testing.T) {
	cfg := domain.ProviderConfig{ConfigData: map[string]string{"a": "1", "b": " "}}
	err := requireKeys(cfg, "a", "c", "b")
	require.ErrorIs(t, err, domain.ErrMissingCredential)
	assert.Contains(t, err.Error(), "b, c")
	assert.NoError(t, requireKeys(cfg, "a"))
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	chunks := splitText(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, chunks)

	chunks = splitText("aaaaaaa\nbbbbbbbbbb", 10)
	assert.Equal(t, "aaaaaaa\n", chunks[0])
	assert.Equal(t, strings.Join(chunks, ""), "aaaaaaa\nbbbbbbbbbb")

	chunks = splitText(strings.Repeat("é", 12), 10)
	assert.Len(t, chunks, 2)
	assert.Equal(t, 10, len([]rune(chunks[0])))
}

func TestRemainingChunks(t *testing.T) {
	text := strings.Repeat("x", 25)
	msg := domain.ChatMessage{Content: text}

	chunks, sent := remainingChunks(msg, text, 10)
	assert.Len(t, chunks, 3)
	assert.Equal(t, 0, sent)

	_, sent = remainingChunks(msg.WithMetadata(domain.MetaSentParts, "2"), text, 10)
	assert.Equal(t, 2, sent)

	_, sent = remainingChunks(msg.WithMetadata(domain.MetaSentParts, "9"), text, 10)
	assert.Equal(t, 3, sent)

	_, sent = remainingChunks(msg.WithMetadata(domain.MetaSentParts, "-1"), text, 10)
	assert.Equal(t, 0, sent)

	assert.Equal(t, 4, partial(domain.SendFailed("x", "y", true), 4).Delivered)
}
