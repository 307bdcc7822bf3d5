package provider

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/gateway"
	"chatrelay/internal/httpx"
)

const (
	qqDefaultAPIBase  = "https://api.sgroup.qq.com"
	qqSandboxAPIBase  = "https://sandbox.api.sgroup.qq.com"
	qqDefaultTokenURL = "https://bots.qq.com/app/getAppAccessToken"

	// GROUP_AND_C2C_EVENT | PUBLIC_GUILD_MESSAGES | DIRECT_MESSAGE
	qqDefaultIntents = 1<<25 | 1<<30 | 1<<12

	qqTokenRefreshMargin = time.Minute
	qqMaxTrackedReplies  = 1024
)

// Platform error codes that mean "slow down", not "give up".
var qqThrottleCodes = map[int]bool{
	22009: true, // message rate limit
	20028: true, // channel message frequency limit
}

var qqMentionPattern = regexp.MustCompile(`<@!?\w+>`)

// QQ talks to the QQ bot open platform. Inbound traffic arrives either as
// webhook callbacks or, with ConfigData gateway=true, over the bot gateway.
//
// ConfigData: appId, clientSecret (required); apiBase, tokenUrl, sandbox,
// gateway, intents (optional).
type QQ struct {
	base
	opts   Options
	events chan domain.ConnectionEvent

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time

	seqMu sync.Mutex
	seqs  map[string]int

	connMu     sync.Mutex
	gw         *gateway.Client
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

func NewQQ(opts Options) *QQ {
	return &QQ{
		base:   newBase("qq", opts),
		opts:   opts,
		events: make(chan domain.ConnectionEvent, 256),
		seqs:   make(map[string]int),
	}
}

// Events carries gateway state changes and messages received over the
// gateway. The channel is never closed.
func (q *QQ) Events() <-chan domain.ConnectionEvent { return q.events }

func (q *QQ) Initialize(ctx context.Context, cfg domain.ProviderConfig) error {
	q.stopGateway()
	if err := requireKeys(cfg, "appId", "clientSecret"); err != nil {
		return err
	}

	q.setConfig(cfg, false)
	q.resetToken()
	if _, err := q.accessToken(ctx); err != nil {
		return fmt.Errorf("qq: fetch access token: %w", err)
	}

	if cfg.Get("gateway") == "true" {
		if err := q.startGateway(ctx, cfg); err != nil {
			return err
		}
	}
	q.setConfig(cfg, true)
	q.logger.Info("provider initialized", "gateway", cfg.Get("gateway") == "true")
	return nil
}

func (q *QQ) Shutdown(ctx context.Context) error {
	q.stopGateway()
	q.markDown()
	q.resetToken()
	return nil
}

func (q *QQ) startGateway(ctx context.Context, cfg domain.ProviderConfig) error {
	intents := qqDefaultIntents
	if v := cfg.Get("intents"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("qq: invalid intents %q: %w", v, err)
		}
		intents = n
	}

	gw := gateway.New(gateway.Config{
		ResolveURL:           q.gatewayURL,
		Token:                q.gatewayToken,
		Intents:              intents,
		ReconnectInterval:    q.opts.ReconnectInterval,
		MaxReconnectAttempts: q.opts.MaxReconnectAttempts,
		Logger:               q.logger,
	})

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go q.pump(pumpCtx, gw, done)

	if err := gw.Connect(ctx); err != nil {
		cancel()
		<-done
		return fmt.Errorf("qq: %w", err)
	}

	q.connMu.Lock()
	q.gw, q.pumpCancel, q.pumpDone = gw, cancel, done
	q.connMu.Unlock()
	return nil
}

func (q *QQ) stopGateway() {
	q.connMu.Lock()
	gw, cancel, done := q.gw, q.pumpCancel, q.pumpDone
	q.gw, q.pumpCancel, q.pumpDone = nil, nil, nil
	q.connMu.Unlock()

	if gw == nil {
		return
	}
	gw.Disconnect()
	cancel()
	<-done
}

// pump forwards gateway events to Events until ctx is cancelled.
func (q *QQ) pump(ctx context.Context, gw *gateway.Client, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-gw.Events():
			switch ev.Kind {
			case gateway.EventStateChange:
				q.publish(ctx, domain.ConnectionEvent{Platform: q.platform, State: ev.To.String(), Err: ev.Err})
			case gateway.EventDispatch:
				msg, err := q.parseEvent(ev.Type, ev.Data)
				if err != nil {
					q.logger.Warn("drop gateway event", "type", ev.Type, "err", err)
					continue
				}
				if msg != nil {
					q.publish(ctx, domain.ConnectionEvent{Platform: q.platform, Message: msg})
				}
			}
		}
	}
}

func (q *QQ) publish(ctx context.Context, ev domain.ConnectionEvent) {
	select {
	case q.events <- ev:
	case <-ctx.Done():
	}
}

func (q *QQ) gatewayToken(ctx context.Context) (string, error) {
	tok, err := q.accessToken(ctx)
	if err != nil {
		return "", err
	}
	return "QQBot " + tok, nil
}

func (q *QQ) gatewayURL(ctx context.Context) (string, error) {
	header, err := q.authHeader(ctx)
	if err != nil {
		return "", err
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := httpx.DoJSON(ctx, q.client, http.MethodGet, q.apiBase()+"/gateway", header, nil, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", errors.New("empty gateway url")
	}
	return out.URL, nil
}

func (q *QQ) ValidateWebhook(ctx context.Context, req *domain.WebhookRequest) domain.WebhookValidationResult {
	secret := q.config().Get("clientSecret")
	if secret == "" {
		return domain.InvalidWebhook("Provider not configured")
	}

	var frame gateway.Frame
	if err := json.Unmarshal(req.Body, &frame); err != nil {
		return domain.InvalidWebhook("Malformed payload")
	}

	if frame.Op == gateway.OpValidation {
		var d struct {
			PlainToken string `json:"plain_token"`
			EventTs    string `json:"event_ts"`
		}
		if err := json.Unmarshal(frame.D, &d); err != nil || d.PlainToken == "" {
			return domain.InvalidWebhook("Malformed validation payload")
		}
		sig := ed25519.Sign(qqSigningKey(secret), []byte(d.EventTs+d.PlainToken))
		return domain.WebhookValidationResult{
			IsValid: true,
			ChallengeResponse: map[string]string{
				"plain_token": d.PlainToken,
				"signature":   hex.EncodeToString(sig),
			},
		}
	}

	sigHex := req.Headers.Get("X-Signature-Ed25519")
	ts := req.Headers.Get("X-Signature-Timestamp")
	if sigHex == "" || ts == "" {
		return domain.InvalidWebhook("Missing signature")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return domain.InvalidWebhook("Invalid signature")
	}
	pub := qqSigningKey(secret).Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, append([]byte(ts), req.Body...), sig) {
		return domain.InvalidWebhook("Invalid signature")
	}
	return domain.ValidWebhook()
}

// qqSigningKey derives the callback key: the app secret repeated until it
// covers an ed25519 seed, then truncated to the seed size.
func qqSigningKey(secret string) ed25519.PrivateKey {
	seed := secret
	for len(seed) < ed25519.SeedSize {
		seed += secret
	}
	return ed25519.NewKeyFromSeed([]byte(seed[:ed25519.SeedSize]))
}

func (q *QQ) ParseMessage(ctx context.Context, body []byte) (*domain.ChatMessage, error) {
	var frame gateway.Frame
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, fmt.Errorf("qq: decode payload: %w", err)
	}
	if frame.Op != gateway.OpDispatch {
		return nil, nil
	}
	return q.parseEvent(frame.T, frame.D)
}

// WebhookAck is the callback acknowledgement the platform expects.
func (q *QQ) WebhookAck(*domain.ChatMessage) any {
	return map[string]int{"op": gateway.OpCallbackAck, "d": 0}
}

type qqMessage struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	GroupOpenID string `json:"group_openid"`
	ChannelID   string `json:"channel_id"`
	GuildID     string `json:"guild_id"`
	Author      struct {
		ID           string `json:"id"`
		UserOpenID   string `json:"user_openid"`
		MemberOpenID string `json:"member_openid"`
		Username     string `json:"username"`
	} `json:"author"`
	Attachments []struct {
		ContentType string `json:"content_type"`
		URL         string `json:"url"`
	} `json:"attachments"`
	Mentions []struct {
		ID string `json:"id"`
	} `json:"mentions"`
}

type qqParser func(m qqMessage) *domain.ChatMessage

var qqParsers = map[string]qqParser{
	"C2C_MESSAGE_CREATE":      parseQQDirect,
	"GROUP_AT_MESSAGE_CREATE": parseQQGroup,
	"AT_MESSAGE_CREATE":       parseQQChannel,
	"DIRECT_MESSAGE_CREATE":   parseQQGuildDirect,
}

func (q *QQ) parseEvent(eventType string, data json.RawMessage) (*domain.ChatMessage, error) {
	parse, ok := qqParsers[eventType]
	if !ok {
		return nil, nil
	}
	var m qqMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("qq: decode %s: %w", eventType, err)
	}
	msg := parse(m)
	if msg == nil {
		return nil, nil
	}
	if !qqFillContent(msg, m) {
		return nil, nil
	}
	return msg, nil
}

func parseQQDirect(m qqMessage) *domain.ChatMessage {
	return qqChatMessage(m, m.Author.UserOpenID, "", map[string]string{
		domain.MetaChatType:    "direct",
		domain.MetaReplyTarget: "user:" + m.Author.UserOpenID,
	})
}

func parseQQGroup(m qqMessage) *domain.ChatMessage {
	return qqChatMessage(m, m.Author.MemberOpenID, m.GroupOpenID, map[string]string{
		domain.MetaChatType:    "group",
		domain.MetaGroupID:     m.GroupOpenID,
		domain.MetaReplyTarget: "group:" + m.GroupOpenID,
	})
}

func parseQQChannel(m qqMessage) *domain.ChatMessage {
	return qqChatMessage(m, m.Author.ID, m.ChannelID, map[string]string{
		domain.MetaChatType:    "channel",
		domain.MetaGuildID:     m.GuildID,
		domain.MetaChannelID:   m.ChannelID,
		domain.MetaReplyTarget: "channel:" + m.ChannelID,
	})
}

func parseQQGuildDirect(m qqMessage) *domain.ChatMessage {
	return qqChatMessage(m, m.Author.ID, "", map[string]string{
		domain.MetaChatType:    "direct",
		domain.MetaGuildID:     m.GuildID,
		domain.MetaReplyTarget: "dms:" + m.GuildID,
	})
}

func qqChatMessage(m qqMessage, sender, receiver string, md map[string]string) *domain.ChatMessage {
	if m.ID == "" || sender == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	md[domain.MetaReplyTo] = m.ID
	if len(m.Mentions) > 0 {
		ids := make([]string, 0, len(m.Mentions))
		for _, mention := range m.Mentions {
			ids = append(ids, mention.ID)
		}
		md[domain.MetaMentions] = strings.Join(ids, ",")
	}
	return &domain.ChatMessage{
		MessageID:  m.ID,
		SenderID:   sender,
		ReceiverID: receiver,
		Type:       domain.MessageText,
		Platform:   "qq",
		Timestamp:  ts,
		Metadata:   md,
	}
}

// qqFillContent sets the text, or the first attachment for media-only
// messages. It reports false when there is nothing to route.
func qqFillContent(msg *domain.ChatMessage, m qqMessage) bool {
	msg.Content = strings.TrimSpace(qqMentionPattern.ReplaceAllString(m.Content, ""))
	if msg.Content != "" {
		return true
	}
	for _, a := range m.Attachments {
		if a.URL == "" {
			continue
		}
		msg.Content = a.URL
		switch {
		case strings.HasPrefix(a.ContentType, "image/"):
			msg.Type = domain.MessageImage
		case strings.HasPrefix(a.ContentType, "audio/"), a.ContentType == "voice":
			msg.Type = domain.MessageAudio
		case strings.HasPrefix(a.ContentType, "video/"):
			msg.Type = domain.MessageVideo
		default:
			msg.Type = domain.MessageFile
		}
		return true
	}
	return false
}

type qqSendBody struct {
	Content string `json:"content"`
	MsgType int    `json:"msg_type"`
	MsgID   string `json:"msg_id,omitempty"`
	MsgSeq  int    `json:"msg_seq,omitempty"`
}

// SendMessage targets "user:<openid>", "group:<openid>", "channel:<id>" or
// "dms:<guild id>". A reply_to metadata value makes it a passive reply.
func (q *QQ) SendMessage(ctx context.Context, msg domain.ChatMessage, target string) domain.SendResult {
	if !q.isReady() {
		return notReady(q.platform)
	}
	content, fail := downgrade(msg)
	if fail != nil {
		return *fail
	}

	kind, id := parseTarget(target)
	if id == "" {
		return invalidTarget(target)
	}
	var path string
	v2 := false
	switch kind {
	case "user":
		path, v2 = "/v2/users/"+id+"/messages", true
	case "group":
		path, v2 = "/v2/groups/"+id+"/messages", true
	case "channel":
		path = "/channels/" + id + "/messages"
	case "dms":
		path = "/dms/" + id + "/messages"
	default:
		return invalidTarget(target)
	}

	body := qqSendBody{Content: content, MsgID: msg.Meta(domain.MetaReplyTo)}
	if v2 && body.MsgID != "" {
		body.MsgSeq = q.nextSeq(body.MsgID)
	}

	header, err := q.authHeader(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrMissingCredential) {
			return domain.SendFailed("auth", err.Error(), false)
		}
		return domain.SendFailed("auth", err.Error(), true)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := httpx.DoJSON(ctx, q.client, http.MethodPost, q.apiBase()+path, header, body, &out); err != nil {
		return q.sendFailure(err)
	}
	return domain.SendOK(out.ID)
}

func (q *QQ) sendFailure(err error) domain.SendResult {
	var se *httpx.StatusError
	if !errors.As(err, &se) {
		return sendError(err)
	}
	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal([]byte(se.Body), &apiErr)

	switch {
	case qqThrottleCodes[apiErr.Code]:
		return domain.SendFailed("rate_limited", fmt.Sprintf("qq %d: %s", apiErr.Code, apiErr.Message), true)
	case se.StatusCode == http.StatusUnauthorized:
		q.resetToken()
		return domain.SendFailed("unauthorized", se.Error(), true)
	case apiErr.Code != 0:
		return domain.SendFailed(fmt.Sprintf("qq_%d", apiErr.Code), apiErr.Message, Retryable(se.StatusCode))
	}
	return sendError(err)
}

// nextSeq numbers successive replies to one inbound message; the platform
// rejects a repeated (msg_id, msg_seq) pair.
func (q *QQ) nextSeq(replyTo string) int {
	q.seqMu.Lock()
	defer q.seqMu.Unlock()
	if len(q.seqs) >= qqMaxTrackedReplies {
		clear(q.seqs)
	}
	q.seqs[replyTo]++
	return q.seqs[replyTo]
}

func (q *QQ) apiBase() string {
	cfg := q.config()
	if v := cfg.Get("apiBase"); v != "" {
		return strings.TrimRight(v, "/")
	}
	if cfg.Get("sandbox") == "true" {
		return qqSandboxAPIBase
	}
	return qqDefaultAPIBase
}

func (q *QQ) authHeader(ctx context.Context) (http.Header, error) {
	tok, err := q.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "QQBot "+tok)
	h.Set("X-Union-Appid", q.config().Get("appId"))
	return h, nil
}

// qqSeconds accepts both "7200" and 7200.
type qqSeconds int64

func (s *qqSeconds) UnmarshalJSON(b []byte) error {
	n, err := strconv.ParseInt(strings.Trim(string(b), `"`), 10, 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*s = qqSeconds(n)
	return nil
}

func (q *QQ) accessToken(ctx context.Context) (string, error) {
	q.tokenMu.Lock()
	defer q.tokenMu.Unlock()

	if q.token != "" && time.Now().Add(qqTokenRefreshMargin).Before(q.tokenExpiry) {
		return q.token, nil
	}

	cfg := q.config()
	if err := requireKeys(cfg, "appId", "clientSecret"); err != nil {
		return "", err
	}
	url := cfg.Get("tokenUrl")
	if url == "" {
		url = qqDefaultTokenURL
	}

	var out struct {
		AccessToken string    `json:"access_token"`
		ExpiresIn   qqSeconds `json:"expires_in"`
	}
	in := map[string]string{"appId": cfg.Get("appId"), "clientSecret": cfg.Get("clientSecret")}
	if err := httpx.DoJSON(ctx, q.client, http.MethodPost, url, nil, in, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("token endpoint returned no access_token")
	}

	q.token = out.AccessToken
	q.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	q.logger.Debug("access token refreshed", "expires_in", int64(out.ExpiresIn))
	return q.token, nil
}

func (q *QQ) resetToken() {
	q.tokenMu.Lock()
	q.token = ""
	q.tokenExpiry = time.Time{}
	q.tokenMu.Unlock()
}
