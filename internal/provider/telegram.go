package provider

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatrelay/internal/domain"
)

const telegramMaxMessageLen = 4000

// Telegram receives webhook Updates and replies through the Bot API.
//
// ConfigData: botToken (required); secretToken, apiEndpoint (optional).
// apiEndpoint is a format string like tgbotapi.APIEndpoint.
type Telegram struct {
	base

	botMu sync.RWMutex
	bot   *tgbotapi.BotAPI
}

func NewTelegram(opts Options) *Telegram {
	return &Telegram{base: newBase("telegram", opts)}
}

func (t *Telegram) Initialize(ctx context.Context, cfg domain.ProviderConfig) error {
	if err := requireKeys(cfg, "botToken"); err != nil {
		return err
	}
	endpoint := cfg.Get("apiEndpoint")
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	// NewBotAPIWithClient calls getMe, which validates the token.
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Get("botToken"), endpoint, t.client)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}

	t.botMu.Lock()
	t.bot = bot
	t.botMu.Unlock()
	t.setConfig(cfg, true)
	t.logger.Info("provider initialized", "bot", bot.Self.UserName)
	return nil
}

func (t *Telegram) Shutdown(ctx context.Context) error {
	t.botMu.Lock()
	t.bot = nil
	t.botMu.Unlock()
	t.markDown()
	return nil
}

func (t *Telegram) api() *tgbotapi.BotAPI {
	t.botMu.RLock()
	defer t.botMu.RUnlock()
	return t.bot
}

// ValidateWebhook checks the secret token registered with setWebhook.
// Without a configured secret every request is accepted.
func (t *Telegram) ValidateWebhook(ctx context.Context, req *domain.WebhookRequest) domain.WebhookValidationResult {
	secret := t.config().Get("secretToken")
	if secret == "" {
		return domain.ValidWebhook()
	}
	got := req.Headers.Get("X-Telegram-Bot-Api-Secret-Token")
	if got == "" {
		return domain.InvalidWebhook("Missing secret token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return domain.InvalidWebhook("Invalid secret token")
	}
	return domain.ValidWebhook()
}

type telegramParser func(update tgbotapi.Update) *tgbotapi.Message

var telegramParsers = map[string]telegramParser{
	"message":      func(u tgbotapi.Update) *tgbotapi.Message { return u.Message },
	"channel_post": func(u tgbotapi.Update) *tgbotapi.Message { return u.ChannelPost },
}

func (t *Telegram) ParseMessage(ctx context.Context, body []byte) (*domain.ChatMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}

	var kinds map[string]json.RawMessage
	_ = json.Unmarshal(body, &kinds)
	for kind := range kinds {
		parse, ok := telegramParsers[kind]
		if !ok {
			continue
		}
		if m := parse(update); m != nil {
			return telegramChatMessage(update.UpdateID, m), nil
		}
	}
	return nil, nil
}

func telegramChatMessage(updateID int, m *tgbotapi.Message) *domain.ChatMessage {
	if m.Chat == nil {
		return nil
	}
	if m.From != nil && m.From.IsBot {
		return nil
	}

	content, typ, fileID := m.Text, domain.MessageText, ""
	switch {
	case content != "":
	case len(m.Photo) > 0:
		typ, fileID = domain.MessageImage, m.Photo[len(m.Photo)-1].FileID
	case m.Voice != nil:
		typ, fileID = domain.MessageAudio, m.Voice.FileID
	case m.Audio != nil:
		typ, fileID = domain.MessageAudio, m.Audio.FileID
	case m.Video != nil:
		typ, fileID = domain.MessageVideo, m.Video.FileID
	case m.Document != nil:
		typ, fileID = domain.MessageFile, m.Document.FileID
	default:
		return nil
	}
	if content == "" {
		content = m.Caption
	}
	if content == "" {
		content = fileID
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	sender := chatID
	if m.From != nil {
		sender = strconv.FormatInt(m.From.ID, 10)
	}

	chatType := "group"
	receiver := chatID
	switch m.Chat.Type {
	case "private":
		chatType, receiver = "direct", ""
	case "channel":
		chatType = "channel"
	}

	md := map[string]string{
		domain.MetaChatType:    chatType,
		domain.MetaReplyTarget: chatID,
		domain.MetaReplyTo:     strconv.Itoa(m.MessageID),
		domain.MetaEventID:     strconv.Itoa(updateID),
	}
	if fileID != "" {
		md["file_id"] = fileID
	}
	if chatType == "group" {
		md[domain.MetaGroupID] = chatID
	}

	return &domain.ChatMessage{
		MessageID:  chatID + ":" + strconv.Itoa(m.MessageID),
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Type:       typ,
		Platform:   "telegram",
		Timestamp:  time.Unix(int64(m.Date), 0),
		Metadata:   md,
	}
}

// SendMessage targets a numeric chat id (optionally "chat:<id>"). A
// reply_to metadata value threads the first chunk under that message.
func (t *Telegram) SendMessage(ctx context.Context, msg domain.ChatMessage, target string) domain.SendResult {
	bot := t.api()
	if bot == nil || !t.isReady() {
		return notReady(t.platform)
	}
	text, fail := downgrade(msg)
	if fail != nil {
		return *fail
	}

	kind, id := parseTarget(target)
	if kind != "" && kind != "chat" {
		return invalidTarget(target)
	}
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return invalidTarget(target)
	}
	replyTo, _ := strconv.Atoi(msg.Meta(domain.MetaReplyTo))

	chunks, sent := remainingChunks(msg, text, telegramMaxMessageLen)
	var last tgbotapi.Message
	for i := sent; i < len(chunks); i++ {
		if err := ctx.Err(); err != nil {
			return partial(sendError(err), i)
		}
		out := tgbotapi.NewMessage(chatID, chunks[i])
		if i == 0 && replyTo > 0 {
			out.ReplyToMessageID = replyTo
		}
		last, err = bot.Send(out)
		if err != nil {
			return partial(telegramSendFailure(err), i)
		}
	}
	return domain.SendOK(strconv.Itoa(last.MessageID))
}

func telegramSendFailure(err error) domain.SendResult {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		code := fmt.Sprintf("telegram_%d", apiErr.Code)
		if apiErr.Code == 429 || apiErr.RetryAfter > 0 {
			return domain.SendFailed("rate_limited",
				fmt.Sprintf("%s (retry after %ds)", apiErr.Message, apiErr.RetryAfter), true)
		}
		return domain.SendFailed(code, apiErr.Message, Retryable(apiErr.Code))
	}
	return sendError(err)
}
