package provider

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"chatrelay/internal/domain"
)

// Platform error codes that are worth retrying.
var feishuRetryCodes = map[int]bool{
	99991400: true, // request frequency limit
	230020:   true, // chat message rate limit
	99991663: true, // tenant token expired mid-flight
}

var feishuMentionKey = regexp.MustCompile(`@_user_\d+`)

// Feishu receives event v2 callbacks (optionally encrypted) and replies via
// the im/v1 message API.
//
// ConfigData: appId, appSecret (required); verificationToken, encryptKey,
// baseUrl (optional).
type Feishu struct {
	base

	clientMu sync.RWMutex
	api      *lark.Client
}

func NewFeishu(opts Options) *Feishu {
	return &Feishu{base: newBase("feishu", opts)}
}

func (f *Feishu) Initialize(ctx context.Context, cfg domain.ProviderConfig) error {
	if err := requireKeys(cfg, "appId", "appSecret"); err != nil {
		return err
	}

	opts := []lark.ClientOptionFunc{
		lark.WithHttpClient(f.client),
		lark.WithLogLevel(larkcore.LogLevelError),
		lark.WithEnableTokenCache(true),
	}
	if u := cfg.Get("baseUrl"); u != "" {
		opts = append(opts, lark.WithOpenBaseUrl(strings.TrimRight(u, "/")))
	}
	api := lark.NewClient(cfg.Get("appId"), cfg.Get("appSecret"), opts...)

	f.clientMu.Lock()
	f.api = api
	f.clientMu.Unlock()
	f.setConfig(cfg, true)
	f.logger.Info("provider initialized", "encrypted", cfg.Get("encryptKey") != "")
	return nil
}

func (f *Feishu) Shutdown(ctx context.Context) error {
	f.clientMu.Lock()
	f.api = nil
	f.clientMu.Unlock()
	f.markDown()
	return nil
}

func (f *Feishu) larkClient() *lark.Client {
	f.clientMu.RLock()
	defer f.clientMu.RUnlock()
	return f.api
}

// feishuEnvelope covers both the v1 url_verification shape and the v2
// event header.
type feishuEnvelope struct {
	Encrypt   string `json:"encrypt"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Schema    string `json:"schema"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
}

// decode unwraps an encrypted body and returns the plain payload.
func (f *Feishu) decode(body []byte) ([]byte, feishuEnvelope, error) {
	var env feishuEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, env, fmt.Errorf("decode payload: %w", err)
	}
	if env.Encrypt == "" {
		return body, env, nil
	}

	key := f.config().Get("encryptKey")
	if key == "" {
		return nil, env, errors.New("encrypted payload but no encryptKey configured")
	}
	plain, err := larkevent.EventDecrypt(env.Encrypt, key)
	if err != nil {
		return nil, env, fmt.Errorf("decrypt payload: %w", err)
	}
	env = feishuEnvelope{}
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, env, fmt.Errorf("decode decrypted payload: %w", err)
	}
	return plain, env, nil
}

func (f *Feishu) ValidateWebhook(ctx context.Context, req *domain.WebhookRequest) domain.WebhookValidationResult {
	cfg := f.config()
	_, env, err := f.decode(req.Body)
	if err != nil {
		return domain.InvalidWebhook("Malformed payload")
	}

	if env.Type == "url_verification" {
		if !feishuTokenOK(cfg.Get("verificationToken"), env.Token) {
			return domain.InvalidWebhook("Invalid verification token")
		}
		return domain.WebhookValidationResult{IsValid: true, Challenge: env.Challenge}
	}

	if key := cfg.Get("encryptKey"); key != "" {
		sig := req.Headers.Get("X-Lark-Signature")
		if sig == "" {
			return domain.InvalidWebhook("Missing signature")
		}
		want := feishuSignature(req.Headers.Get("X-Lark-Request-Timestamp"), req.Headers.Get("X-Lark-Request-Nonce"), key, req.Body)
		if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
			return domain.InvalidWebhook("Invalid signature")
		}
	}

	token := env.Header.Token
	if token == "" {
		token = env.Token
	}
	if !feishuTokenOK(cfg.Get("verificationToken"), token) {
		return domain.InvalidWebhook("Invalid verification token")
	}
	return domain.ValidWebhook()
}

func feishuTokenOK(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// feishuSignature is hex(sha256(timestamp + nonce + encryptKey + body)).
func feishuSignature(timestamp, nonce, key string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp + nonce + key))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type feishuParser func(plain []byte, env feishuEnvelope) (*domain.ChatMessage, error)

var feishuParsers = map[string]feishuParser{
	"im.message.receive_v1": parseFeishuMessage,
}

func (f *Feishu) ParseMessage(ctx context.Context, body []byte) (*domain.ChatMessage, error) {
	plain, env, err := f.decode(body)
	if err != nil {
		return nil, fmt.Errorf("feishu: %w", err)
	}
	parse, ok := feishuParsers[env.Header.EventType]
	if !ok {
		return nil, nil
	}
	return parse(plain, env)
}

func parseFeishuMessage(plain []byte, env feishuEnvelope) (*domain.ChatMessage, error) {
	var ev larkim.P2MessageReceiveV1
	if err := json.Unmarshal(plain, &ev); err != nil {
		return nil, fmt.Errorf("feishu: decode message event: %w", err)
	}
	if ev.Event == nil || ev.Event.Message == nil {
		return nil, nil
	}
	raw := ev.Event.Message
	if ev.Event.Sender != nil && deref(ev.Event.Sender.SenderType) == "app" {
		return nil, nil
	}

	msgType := deref(raw.MessageType)
	typ, content, ok := feishuContent(msgType, deref(raw.Content))
	if !ok {
		return nil, nil
	}

	chatID := deref(raw.ChatId)
	msgID := deref(raw.MessageId)
	sender := ""
	if ev.Event.Sender != nil && ev.Event.Sender.SenderId != nil {
		sender = deref(ev.Event.Sender.SenderId.OpenId)
	}
	if msgID == "" || chatID == "" || sender == "" {
		return nil, nil
	}

	chatType, receiver := "group", chatID
	if deref(raw.ChatType) == "p2p" {
		chatType, receiver = "direct", ""
	}

	md := map[string]string{
		domain.MetaChatType:    chatType,
		domain.MetaReplyTarget: "chat:" + chatID,
		domain.MetaReplyTo:     msgID,
		domain.MetaEventID:     env.Header.EventID,
		"feishu_msg_type":      msgType,
	}
	if chatType == "group" {
		md[domain.MetaGroupID] = chatID
	}
	var mentions []string
	for _, m := range raw.Mentions {
		if m != nil && m.Id != nil && m.Id.OpenId != nil {
			mentions = append(mentions, *m.Id.OpenId)
		}
	}
	if len(mentions) > 0 {
		md[domain.MetaMentions] = strings.Join(mentions, ",")
	}

	ts := time.Now()
	if ms, err := strconv.ParseInt(deref(raw.CreateTime), 10, 64); err == nil {
		ts = time.UnixMilli(ms)
	}

	return &domain.ChatMessage{
		MessageID:  msgID,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Type:       typ,
		Platform:   "feishu",
		Timestamp:  ts,
		Metadata:   md,
	}, nil
}

// feishuContent extracts routable text from the JSON content of each
// message type.
func feishuContent(msgType, raw string) (domain.MessageType, string, bool) {
	var c struct {
		Text     string `json:"text"`
		Title    string `json:"title"`
		ImageKey string `json:"image_key"`
		FileKey  string `json:"file_key"`
		Content  [][]struct {
			Tag  string `json:"tag"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if msgType != "interactive" {
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return "", "", false
		}
	}

	switch msgType {
	case "text":
		text := strings.TrimSpace(feishuMentionKey.ReplaceAllString(c.Text, ""))
		return domain.MessageText, text, text != ""
	case "post":
		var parts []string
		if c.Title != "" {
			parts = append(parts, c.Title)
		}
		for _, line := range c.Content {
			var b strings.Builder
			for _, el := range line {
				if el.Tag == "text" || el.Tag == "a" {
					b.WriteString(el.Text)
				}
			}
			if s := strings.TrimSpace(feishuMentionKey.ReplaceAllString(b.String(), "")); s != "" {
				parts = append(parts, s)
			}
		}
		text := strings.Join(parts, "\n")
		return domain.MessageRichText, text, text != ""
	case "image":
		return domain.MessageImage, c.ImageKey, c.ImageKey != ""
	case "file":
		return domain.MessageFile, c.FileKey, c.FileKey != ""
	case "audio":
		return domain.MessageAudio, c.FileKey, c.FileKey != ""
	case "media":
		return domain.MessageVideo, c.FileKey, c.FileKey != ""
	case "interactive":
		return domain.MessageCard, raw, raw != ""
	}
	return "", "", false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SendMessage targets "chat:<chat_id>", "user:<open_id>" or a bare chat id.
// With reply_to metadata the message is sent as a reply to that message.
func (f *Feishu) SendMessage(ctx context.Context, msg domain.ChatMessage, target string) domain.SendResult {
	api := f.larkClient()
	if api == nil || !f.isReady() {
		return notReady(f.platform)
	}
	text, fail := downgrade(msg)
	if fail != nil {
		return *fail
	}
	content, _ := json.Marshal(map[string]string{"text": text})

	if replyTo := msg.Meta(domain.MetaReplyTo); replyTo != "" {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(replyTo).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				MsgType(larkim.MsgTypeText).
				Content(string(content)).
				Build()).
			Build()
		resp, err := api.Im.Message.Reply(ctx, req)
		if err != nil {
			return sendError(err)
		}
		if !resp.Success() {
			return feishuFailure(resp.Code, resp.Msg)
		}
		return domain.SendOK(feishuMessageID(resp.Data))
	}

	kind, id := parseTarget(target)
	idType := larkim.ReceiveIdTypeChatId
	switch kind {
	case "", "chat":
	case "user":
		idType = larkim.ReceiveIdTypeOpenId
	default:
		return invalidTarget(target)
	}
	if id == "" {
		return invalidTarget(target)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(idType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(id).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build()
	resp, err := api.Im.Message.Create(ctx, req)
	if err != nil {
		return sendError(err)
	}
	if !resp.Success() {
		return feishuFailure(resp.Code, resp.Msg)
	}
	var msgID string
	if resp.Data != nil {
		msgID = deref(resp.Data.MessageId)
	}
	return domain.SendOK(msgID)
}

func feishuMessageID(data *larkim.ReplyMessageRespData) string {
	if data == nil {
		return ""
	}
	return deref(data.MessageId)
}

func feishuFailure(code int, msg string) domain.SendResult {
	return domain.SendFailed(fmt.Sprintf("feishu_%d", code), msg, feishuRetryCodes[code])
}
