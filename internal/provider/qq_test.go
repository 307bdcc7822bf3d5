package provider

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
	"chatrelay/internal/gateway"
)

// fakeQQ serves the token endpoint, the REST API and the gateway socket.
type fakeQQ struct {
	srv        *httptest.Server
	tokenCalls atomic.Int32
	mu         sync.Mutex
	sent       []qqSentRequest
	reply      func(w http.ResponseWriter)
	gatewayRun func(conn *websocket.Conn)
}

type qqSentRequest struct {
	Path string
	Auth string
	Body qqSendBody
}

func newFakeQQ(t *testing.T) *fakeQQ {
	t.Helper()
	f := &fakeQQ{}
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["clientSecret"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": fmt.Sprintf("tok%d", n), "expires_in": "7200"})
	})
	mux.HandleFunc("GET /gateway", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if f.gatewayRun != nil {
			f.gatewayRun(conn)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var body qqSendBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.sent = append(f.sent, qqSentRequest{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
		reply := f.reply
		f.mu.Unlock()
		if reply != nil {
			reply(w)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "out-1"})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeQQ) requests() []qqSentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]qqSentRequest(nil), f.sent...)
}

func (f *fakeQQ) setReply(fn func(w http.ResponseWriter)) {
	f.mu.Lock()
	f.reply = fn
	f.mu.Unlock()
}

func (f *fakeQQ) config(extra map[string]string) domain.ProviderConfig {
	data := map[string]string{
		"appId":        "app",
		"clientSecret": "secret",
		"apiBase":      f.srv.URL,
		"tokenUrl":     f.srv.URL + "/token",
	}
	for k, v := range extra {
		data[k] = v
	}
	return domain.ProviderConfig{Platform: "qq", IsEnabled: true, ConfigData: data}
}

func newTestQQ(t *testing.T, f *fakeQQ, extra map[string]string) *QQ {
	t.Helper()
	q := NewQQ(Options{
		Logger:               testLogger(),
		HTTPClient:           f.srv.Client(),
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	require.NoError(t, q.Initialize(context.Background(), f.config(extra)))
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
	return q
}

func textReply(content, replyTo string) domain.ChatMessage {
	m := domain.ChatMessage{Content: content, Type: domain.MessageText, Platform: "qq"}
	if replyTo != "" {
		m = m.WithMetadata(domain.MetaReplyTo, replyTo)
	}
	return m
}

func TestQQ_InitializeRequiresCredentials(t *testing.T) {
	q := NewQQ(Options{Logger: testLogger()})
	err := q.Initialize(context.Background(), domain.ProviderConfig{Platform: "qq"})
	assert.ErrorIs(t, err, domain.ErrMissingCredential)
	assert.Contains(t, err.Error(), "appId")
}

func TestQQ_InitializeRejectsBadSecret(t *testing.T) {
	f := newFakeQQ(t)
	q := NewQQ(Options{Logger: testLogger(), HTTPClient: f.srv.Client()})
	cfg := f.config(map[string]string{"clientSecret": "wrong"})
	require.Error(t, q.Initialize(context.Background(), cfg))

	res := q.SendMessage(context.Background(), textReply("hi", ""), "user:u1")
	assert.False(t, res.Success)
	assert.True(t, res.ShouldRetry, "a provider that is not ready may come up later")
}

func TestQQ_SendRoutesByTargetKind(t *testing.T) {
	f := newFakeQQ(t)
	q := newTestQQ(t, f, nil)
	ctx := context.Background()

	for _, target := range []string{"user:u1", "group:g1", "channel:c1", "dms:guild1"} {
		res := q.SendMessage(ctx, textReply("hi", ""), target)
		require.True(t, res.Success, target)
		assert.Equal(t, "out-1", res.MessageID)
	}

	var paths []string
	for _, r := range f.requests() {
		paths = append(paths, r.Path)
		assert.Equal(t, "QQBot tok1", r.Auth)
		assert.Equal(t, "hi", r.Body.Content)
		assert.Zero(t, r.Body.MsgType)
	}
	assert.Equal(t, []string{
		"/v2/users/u1/messages",
		"/v2/groups/g1/messages",
		"/channels/c1/messages",
		"/dms/guild1/messages",
	}, paths)
	assert.Equal(t, int32(1), f.tokenCalls.Load(), "token is cached")
}

func TestQQ_PassiveReplyNumbersSequence(t *testing.T) {
	f := newFakeQQ(t)
	q := newTestQQ(t, f, nil)
	ctx := context.Background()

	require.True(t, q.SendMessage(ctx, textReply("one", "m-1"), "group:g1").Success)
	require.True(t, q.SendMessage(ctx, textReply("two", "m-1"), "group:g1").Success)
	require.True(t, q.SendMessage(ctx, textReply("three", "m-1"), "channel:c1").Success)

	reqs := f.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "m-1", reqs[0].Body.MsgID)
	assert.Equal(t, 1, reqs[0].Body.MsgSeq)
	assert.Equal(t, 2, reqs[1].Body.MsgSeq)
	assert.Equal(t, "m-1", reqs[2].Body.MsgID)
	assert.Zero(t, reqs[2].Body.MsgSeq, "guild channels take no msg_seq")
}

func TestQQ_SendClassifiesFailures(t *testing.T) {
	f := newFakeQQ(t)
	q := newTestQQ(t, f, nil)
	ctx := context.Background()

	f.setReply(func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":22009,"message":"msg limit exceed"}`))
	})
	res := q.SendMessage(ctx, textReply("hi", ""), "group:g1")
	assert.Equal(t, "rate_limited", res.ErrorCode)
	assert.True(t, res.ShouldRetry)

	f.setReply(func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":11255,"message":"invalid request"}`))
	})
	res = q.SendMessage(ctx, textReply("hi", ""), "group:g1")
	assert.Equal(t, "qq_11255", res.ErrorCode)
	assert.False(t, res.ShouldRetry)

	f.setReply(func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) })
	res = q.SendMessage(ctx, textReply("hi", ""), "group:g1")
	assert.Equal(t, "http_502", res.ErrorCode)
	assert.True(t, res.ShouldRetry)
}

func TestQQ_UnauthorizedRefreshesToken(t *testing.T) {
	f := newFakeQQ(t)
	q := newTestQQ(t, f, nil)
	ctx := context.Background()

	f.setReply(func(w http.ResponseWriter) { w.WriteHeader(http.StatusUnauthorized) })
	res := q.SendMessage(ctx, textReply("hi", ""), "user:u1")
	assert.True(t, res.ShouldRetry)

	f.setReply(nil)
	require.True(t, q.SendMessage(ctx, textReply("hi", ""), "user:u1").Success)
	reqs := f.requests()
	assert.Equal(t, "QQBot tok2", reqs[len(reqs)-1].Auth)
}

func TestQQ_SendRejectsBadTargetAndEmptyContent(t *testing.T) {
	f := newFakeQQ(t)
	q := newTestQQ(t, f, nil)
	ctx := context.Background()

	res := q.SendMessage(ctx, textReply("hi", ""), "room:1")
	assert.Equal(t, "invalid_target", res.ErrorCode)
	assert.False(t, res.ShouldRetry)

	img := domain.ChatMessage{Type: domain.MessageImage, Platform: "qq"}
	res = q.SendMessage(ctx, img, "user:u1")
	assert.Equal(t, "unsupported_message_type", res.ErrorCode)
	assert.False(t, res.ShouldRetry)

	card := domain.ChatMessage{Type: domain.MessageCard, Content: "fallback", Platform: "qq"}
	require.True(t, q.SendMessage(ctx, card, "user:u1").Success)
	reqs := f.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "fallback", reqs[0].Body.Content)
}

func TestQQ_ValidationHandshakeSignsPlainToken(t *testing.T) {
	f := newFakeQQ(t)
	q := newTestQQ(t, f, nil)

	body := []byte(`{"op":13,"d":{"plain_token":"Arq0D5A61EgUu4OxUvOp","event_ts":"1725442341"}}`)
	res := q.ValidateWebhook(context.Background(), &domain.WebhookRequest{Method: http.MethodPost, Headers: http.Header{}, Body: body})
	require.True(t, res.IsValid)
	require.True(t, res.IsChallenge())

	resp, ok := res.ChallengeResponse.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "Arq0D5A61EgUu4OxUvOp", resp["plain_token"])

	sig, err := hex.DecodeString(resp["signature"])
	require.NoError(t, err)
	pub := qqSigningKey("secret").Public().(ed25519.PublicKey)
	assert.True(t, ed25519.Verify(pub, []byte("1725442341Arq0D5A61EgUu4OxUvOp"), sig))
}

func TestQQ_SigningKeyRepeatsShortSecret(t *testing.T) {
	a := qqSigningKey("ab")
	b := qqSigningKey(strings.Repeat("ab", 16))
	assert.Equal(t, a, b)
}

func TestQQ_ValidateWebhookSignature(t *testing.T) {
	f := newFakeQQ(t)
	q := newTestQQ(t, f, nil)
	ctx := context.Background()

	body := []byte(`{"op":0,"t":"C2C_MESSAGE_CREATE","d":{}}`)
	ts := "1700000000"
	sig := ed25519.Sign(qqSigningKey("secret"), append([]byte(ts), body...))
	h := http.Header{}
	h.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	h.Set("X-Signature-Timestamp", ts)

	res := q.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodPost, Headers: h, Body: body})
	assert.True(t, res.IsValid)
	assert.False(t, res.IsChallenge())

	tampered := []byte(`{"op":0,"t":"C2C_MESSAGE_CREATE","d":{"x":1}}`)
	res = q.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodPost, Headers: h, Body: tampered})
	assert.False(t, res.IsValid)
	assert.Equal(t, "Invalid signature", res.ErrorMessage)

	res = q.ValidateWebhook(ctx, &domain.WebhookRequest{Method: http.MethodPost, Headers: http.Header{}, Body: body})
	assert.Equal(t, "Missing signature", res.ErrorMessage)
}

func TestQQ_ParseMessageEventTypes(t *testing.T) {
	q := NewQQ(Options{Logger: testLogger()})
	ctx := context.Background()

	cases := []struct {
		name, body                 string
		sender, receiver, chatType string
		replyTarget, content       string
	}{
		{
			name:        "c2c",
			body:        `{"op":0,"s":3,"t":"C2C_MESSAGE_CREATE","d":{"id":"m1","content":" hello ","timestamp":"2024-01-02T03:04:05+08:00","author":{"user_openid":"U1"}}}`,
			sender:      "U1",
			chatType:    "direct",
			replyTarget: "user:U1",
			content:     "hello",
		},
		{
			name:        "group at",
			body:        `{"op":0,"t":"GROUP_AT_MESSAGE_CREATE","d":{"id":"m2","content":" hi all","group_openid":"G1","author":{"member_openid":"M1"}}}`,
			sender:      "M1",
			receiver:    "G1",
			chatType:    "group",
			replyTarget: "group:G1",
			content:     "hi all",
		},
		{
			name:        "guild channel at",
			body:        `{"op":0,"t":"AT_MESSAGE_CREATE","d":{"id":"m3","content":"<@!1234> ping","channel_id":"C1","guild_id":"GU","author":{"id":"A1"},"mentions":[{"id":"1234"}]}}`,
			sender:      "A1",
			receiver:    "C1",
			chatType:    "channel",
			replyTarget: "channel:C1",
			content:     "ping",
		},
		{
			name:        "guild direct",
			body:        `{"op":0,"t":"DIRECT_MESSAGE_CREATE","d":{"id":"m4","content":"dm","guild_id":"GU","author":{"id":"A2"}}}`,
			sender:      "A2",
			chatType:    "direct",
			replyTarget: "dms:GU",
			content:     "dm",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := q.ParseMessage(ctx, []byte(tc.body))
			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, "qq", msg.Platform)
			assert.Equal(t, tc.sender, msg.SenderID)
			assert.Equal(t, tc.receiver, msg.ReceiverID)
			assert.Equal(t, tc.content, msg.Content)
			assert.Equal(t, domain.MessageText, msg.Type)
			assert.Equal(t, tc.chatType, msg.Meta(domain.MetaChatType))
			assert.Equal(t, tc.replyTarget, msg.Meta(domain.MetaReplyTarget))
			assert.Equal(t, msg.MessageID, msg.Meta(domain.MetaReplyTo))
		})
	}
}

func TestQQ_ParseMessageIgnoresNonMessages(t *testing.T) {
	q := NewQQ(Options{Logger: testLogger()})
	ctx := context.Background()

	for _, body := range []string{
		`{"op":13,"d":{"plain_token":"x","event_ts":"1"}}`,
		`{"op":0,"t":"GUILD_CREATE","d":{"id":"g"}}`,
		`{"op":0,"t":"C2C_MESSAGE_CREATE","d":{"id":"m","content":"  ","author":{"user_openid":"U"}}}`,
	} {
		msg, err := q.ParseMessage(ctx, []byte(body))
		require.NoError(t, err, body)
		assert.Nil(t, msg, body)
	}

	_, err := q.ParseMessage(ctx, []byte(`not json`))
	assert.Error(t, err)
}

func TestQQ_ParseMessageAttachmentOnly(t *testing.T) {
	q := NewQQ(Options{Logger: testLogger()})
	body := `{"op":0,"t":"C2C_MESSAGE_CREATE","d":{"id":"m","content":"","author":{"user_openid":"U"},"attachments":[{"content_type":"image/png","url":"https://x/y.png"}]}}`
	msg, err := q.ParseMessage(context.Background(), []byte(body))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, domain.MessageImage, msg.Type)
	assert.Equal(t, "https://x/y.png", msg.Content)
}

func TestQQ_WebhookAck(t *testing.T) {
	q := NewQQ(Options{Logger: testLogger()})
	raw, err := json.Marshal(q.WebhookAck(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":12,"d":0}`, string(raw))
}

func TestQQ_GatewayDeliversMessages(t *testing.T) {
	f := newFakeQQ(t)
	identified := make(chan string, 1)
	f.gatewayRun = func(conn *websocket.Conn) {
		writeFrame := func(op int, s int64, typ string, d any) {
			raw, _ := json.Marshal(d)
			_ = conn.WriteJSON(gateway.Frame{Op: op, S: s, T: typ, D: raw})
		}
		writeFrame(gateway.OpHello, 0, "", map[string]any{"heartbeat_interval": 60000})
		var id struct {
			Op int `json:"op"`
			D  struct {
				Token string `json:"token"`
			} `json:"d"`
		}
		if err := conn.ReadJSON(&id); err != nil {
			return
		}
		identified <- id.D.Token
		writeFrame(gateway.OpDispatch, 1, gateway.EventReady, map[string]any{"session_id": "s1"})
		writeFrame(gateway.OpDispatch, 2, "C2C_MESSAGE_CREATE", map[string]any{
			"id": "gm1", "content": "over the socket", "author": map[string]any{"user_openid": "U9"},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	q := newTestQQ(t, f, map[string]string{"gateway": "true"})

	select {
	case tok := <-identified:
		assert.Equal(t, "QQBot tok1", tok)
	case <-time.After(3 * time.Second):
		t.Fatal("gateway never identified")
	}

	deadline := time.After(3 * time.Second)
	var states []string
	for {
		select {
		case ev := <-q.Events():
			assert.Equal(t, "qq", ev.Platform)
			if ev.Message == nil {
				states = append(states, ev.State)
				continue
			}
			assert.Equal(t, "over the socket", ev.Message.Content)
			assert.Equal(t, "user:U9", ev.Message.Meta(domain.MetaReplyTarget))
			assert.Contains(t, states, "ready")
			return
		case <-deadline:
			t.Fatalf("no message event; states seen: %v", states)
		}
	}
}
