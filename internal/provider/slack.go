package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"chatrelay/internal/domain"
)

const slackMaxMessageLen = 4000

// Slack receives Events API callbacks and replies with chat.postMessage.
//
// ConfigData: botToken, signingSecret (required); apiUrl (optional).
type Slack struct {
	base

	clientMu  sync.RWMutex
	api       *slack.Client
	botUserID string
}

func NewSlack(opts Options) *Slack {
	return &Slack{base: newBase("slack", opts)}
}

func (s *Slack) Initialize(ctx context.Context, cfg domain.ProviderConfig) error {
	if err := requireKeys(cfg, "botToken", "signingSecret"); err != nil {
		return err
	}

	opts := []slack.Option{slack.OptionHTTPClient(s.client)}
	if u := cfg.Get("apiUrl"); u != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(u, "/")+"/"))
	}
	api := slack.New(cfg.Get("botToken"), opts...)

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}

	s.clientMu.Lock()
	s.api = api
	s.botUserID = auth.UserID
	s.clientMu.Unlock()
	s.setConfig(cfg, true)
	s.logger.Info("provider initialized", "bot_user", auth.UserID, "team", auth.Team)
	return nil
}

func (s *Slack) Shutdown(ctx context.Context) error {
	s.clientMu.Lock()
	s.api = nil
	s.clientMu.Unlock()
	s.markDown()
	return nil
}

func (s *Slack) session() (*slack.Client, string) {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.api, s.botUserID
}

func (s *Slack) ValidateWebhook(ctx context.Context, req *domain.WebhookRequest) domain.WebhookValidationResult {
	secret := s.config().Get("signingSecret")
	if secret == "" {
		return domain.InvalidWebhook("Provider not configured")
	}

	sv, err := slack.NewSecretsVerifier(req.Headers, secret)
	if err != nil {
		if errors.Is(err, slack.ErrExpiredTimestamp) {
			return domain.InvalidWebhook("Request timestamp expired")
		}
		return domain.InvalidWebhook("Missing signature")
	}
	if _, err := sv.Write(req.Body); err != nil {
		return domain.InvalidWebhook("Invalid signature")
	}
	if err := sv.Ensure(); err != nil {
		return domain.InvalidWebhook("Invalid signature")
	}

	var outer struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(req.Body, &outer); err != nil {
		return domain.InvalidWebhook("Malformed payload")
	}
	if outer.Type == slackevents.URLVerification {
		var v slackevents.EventsAPIURLVerificationEvent
		if err := json.Unmarshal(req.Body, &v); err != nil || v.Challenge == "" {
			return domain.InvalidWebhook("Malformed url_verification payload")
		}
		return domain.WebhookValidationResult{IsValid: true, Challenge: v.Challenge}
	}
	return domain.ValidWebhook()
}

type slackParser func(s *Slack, cb *slackevents.EventsAPICallbackEvent, data any) *domain.ChatMessage

var slackParsers = map[string]slackParser{
	string(slackevents.Message):    parseSlackMessage,
	string(slackevents.AppMention): parseSlackMention,
}

func (s *Slack) ParseMessage(ctx context.Context, body []byte) (*domain.ChatMessage, error) {
	ev, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		// Inner event types we do not model fail to parse; they carry no
		// message either way.
		if ev.Type != slackevents.CallbackEvent && ev.Type != "unmarshalling_error" && ev.Type != "" {
			return nil, nil
		}
		return nil, fmt.Errorf("slack: parse event: %w", err)
	}
	if ev.Type != slackevents.CallbackEvent {
		return nil, nil
	}
	cb, ok := ev.Data.(*slackevents.EventsAPICallbackEvent)
	if !ok {
		return nil, nil
	}
	parse, ok := slackParsers[ev.InnerEvent.Type]
	if !ok {
		return nil, nil
	}
	return parse(s, cb, ev.InnerEvent.Data), nil
}

func parseSlackMessage(s *Slack, cb *slackevents.EventsAPICallbackEvent, data any) *domain.ChatMessage {
	m, ok := data.(*slackevents.MessageEvent)
	if !ok || m.SubType != "" || m.BotID != "" || m.User == "" {
		return nil
	}
	// Channel mentions also arrive as app_mention; that copy wins.
	if _, bot := s.session(); bot != "" && m.ChannelType != "im" && strings.Contains(m.Text, "<@"+bot+">") {
		return nil
	}
	chatType := "channel"
	switch m.ChannelType {
	case "im":
		chatType = "direct"
	case "mpim", "group":
		chatType = "group"
	}
	return s.chatMessage(cb, m.User, m.Channel, m.Text, m.TimeStamp, m.ThreadTimeStamp, chatType)
}

func parseSlackMention(s *Slack, cb *slackevents.EventsAPICallbackEvent, data any) *domain.ChatMessage {
	m, ok := data.(*slackevents.AppMentionEvent)
	if !ok || m.BotID != "" || m.User == "" {
		return nil
	}
	return s.chatMessage(cb, m.User, m.Channel, m.Text, m.TimeStamp, m.ThreadTimeStamp, "channel")
}

func (s *Slack) chatMessage(cb *slackevents.EventsAPICallbackEvent, user, channel, text, ts, threadTS, chatType string) *domain.ChatMessage {
	if _, bot := s.session(); bot != "" {
		text = strings.ReplaceAll(text, "<@"+bot+">", "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	md := map[string]string{
		domain.MetaChatType:    chatType,
		domain.MetaChannelID:   channel,
		domain.MetaReplyTarget: channel,
		domain.MetaReplyTo:     ts,
		domain.MetaEventID:     cb.EventID,
	}
	if threadTS != "" {
		md[domain.MetaThreadTS] = threadTS
	}
	receiver := channel
	if chatType == "direct" {
		receiver = ""
	}
	return &domain.ChatMessage{
		MessageID:  channel + ":" + ts,
		SenderID:   user,
		ReceiverID: receiver,
		Content:    text,
		Type:       domain.MessageText,
		Platform:   "slack",
		Timestamp:  slackTime(ts),
		Metadata:   md,
	}
}

// slackTime converts a "1700000000.000100" message timestamp.
func slackTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	us, _ := strconv.ParseInt(frac, 10, 64)
	return time.Unix(s, us*int64(time.Microsecond))
}

// SendMessage posts to a channel id (optionally "channel:<id>"). A
// thread_ts metadata value keeps the reply in its thread.
func (s *Slack) SendMessage(ctx context.Context, msg domain.ChatMessage, target string) domain.SendResult {
	api, _ := s.session()
	if api == nil || !s.isReady() {
		return notReady(s.platform)
	}
	text, fail := downgrade(msg)
	if fail != nil {
		return *fail
	}

	kind, channel := parseTarget(target)
	if channel == "" || (kind != "" && kind != "channel") {
		return invalidTarget(target)
	}

	chunks, sent := remainingChunks(msg, text, slackMaxMessageLen)
	var lastTS string
	for i := sent; i < len(chunks); i++ {
		opts := []slack.MsgOption{slack.MsgOptionText(chunks[i], false)}
		if thread := msg.Meta(domain.MetaThreadTS); thread != "" {
			opts = append(opts, slack.MsgOptionTS(thread))
		}
		_, ts, err := api.PostMessageContext(ctx, channel, opts...)
		if err != nil {
			return partial(slackSendFailure(err), i)
		}
		lastTS = ts
	}
	return domain.SendOK(lastTS)
}

func slackSendFailure(err error) domain.SendResult {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return domain.SendFailed("rate_limited", err.Error(), true)
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return domain.SendFailed(fmt.Sprintf("http_%d", sc.Code), err.Error(), Retryable(sc.Code))
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		switch se.Err {
		case "ratelimited", "rate_limited", "service_unavailable", "internal_error", "fatal_error", "request_timeout":
			return domain.SendFailed(se.Err, err.Error(), true)
		}
		return domain.SendFailed(se.Err, err.Error(), false)
	}
	return sendError(err)
}
