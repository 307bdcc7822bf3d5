package responder

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
	"chatrelay/internal/httpx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func inbound() domain.ChatMessage {
	return domain.ChatMessage{
		MessageID:  "m1",
		SenderID:   "alice",
		ReceiverID: "grp",
		Content:    "ping",
		Type:       domain.MessageText,
		Platform:   "qq",
		Timestamp:  time.Now(),
	}
}

func fastRetry() *httpx.RetryPolicy {
	return &httpx.RetryPolicy{MaxRetries: 2, Min: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestNew_Modes(t *testing.T) {
	g, err := New(config.ResponderConfig{Mode: "echo"}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, Echo{}, g)

	g, err = New(config.ResponderConfig{Mode: "none"}, testLogger())
	require.NoError(t, err)
	assert.Nil(t, g)

	_, err = New(config.ResponderConfig{Mode: "http"}, testLogger())
	assert.Error(t, err)

	_, err = New(config.ResponderConfig{Mode: "llm"}, testLogger())
	assert.Error(t, err)
}

func TestEcho_RepliesToSender(t *testing.T) {
	out, err := Echo{Prefix: "echo: "}.Generate(context.Background(), domain.ChatSession{}, inbound())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "echo: ping", out.Content)
	assert.Equal(t, "alice", out.ReceiverID)
	assert.Equal(t, "qq", out.Platform)
	assert.NotEqual(t, "m1", out.MessageID)

	empty := inbound()
	empty.Content = " "
	out, err = Echo{}.Generate(context.Background(), domain.ChatSession{}, empty)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHTTP_PostsSessionAndMessage(t *testing.T) {
	var got pipelineRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "pong", "metadata": map[string]string{"k": "v"}})
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{URL: srv.URL, APIKey: "key", Client: srv.Client(), Retry: fastRetry(), Logger: testLogger()})
	require.NoError(t, err)

	sess := domain.ChatSession{SessionID: "7", UserID: "alice", Platform: "qq", State: domain.SessionActive}
	out, err := h.Generate(context.Background(), sess, inbound())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "pong", out.Content)
	assert.Equal(t, domain.MessageText, out.Type)
	assert.Equal(t, "v", out.Meta("k"))

	assert.Equal(t, "Bearer key", auth)
	assert.Equal(t, "7", got.Session.SessionID)
	assert.Equal(t, "ping", got.Message.Content)
}

func TestHTTP_NoContentMeansNoReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{URL: srv.URL, Client: srv.Client(), Retry: fastRetry(), Logger: testLogger()})
	require.NoError(t, err)
	out, err := h.Generate(context.Background(), domain.ChatSession{}, inbound())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHTTP_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"content":"finally"}`))
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{URL: srv.URL, Client: srv.Client(), Retry: fastRetry(), Logger: testLogger()})
	require.NoError(t, err)
	out, err := h.Generate(context.Background(), domain.ChatSession{}, inbound())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "finally", out.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTP_ClientErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{URL: srv.URL, Client: srv.Client(), Retry: fastRetry(), Logger: testLogger()})
	require.NoError(t, err)
	_, err = h.Generate(context.Background(), domain.ChatSession{}, inbound())
	var se *httpx.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}
