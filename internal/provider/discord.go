package provider

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"chatrelay/internal/domain"
)

const discordMaxMessageLen = 2000

// Discord receives slash commands and component clicks through the
// interactions endpoint and answers with follow-ups or channel messages.
//
// ConfigData: botToken, publicKey (hex ed25519, required); applicationId
// (optional, used when a reply carries no application_id metadata).
type Discord struct {
	base

	sessMu sync.RWMutex
	sess   *discordgo.Session
	key    ed25519.PublicKey
}

func NewDiscord(opts Options) *Discord {
	return &Discord{base: newBase("discord", opts)}
}

func (d *Discord) Initialize(ctx context.Context, cfg domain.ProviderConfig) error {
	if err := requireKeys(cfg, "botToken", "publicKey"); err != nil {
		return err
	}
	key, err := hex.DecodeString(cfg.Get("publicKey"))
	if err != nil || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("discord: publicKey must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}

	sess, err := discordgo.New("Bot " + cfg.Get("botToken"))
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	sess.Client = d.client
	sess.StateEnabled = false
	// Rate limits and 502s surface as SendResults; the queue owns retries.
	sess.ShouldRetryOnRateLimit = false
	sess.MaxRestRetries = 0

	d.sessMu.Lock()
	d.sess = sess
	d.key = ed25519.PublicKey(key)
	d.sessMu.Unlock()
	d.setConfig(cfg, true)
	d.logger.Info("provider initialized")
	return nil
}

func (d *Discord) Shutdown(ctx context.Context) error {
	d.sessMu.Lock()
	d.sess = nil
	d.sessMu.Unlock()
	d.markDown()
	return nil
}

func (d *Discord) session() (*discordgo.Session, ed25519.PublicKey) {
	d.sessMu.RLock()
	defer d.sessMu.RUnlock()
	return d.sess, d.key
}

// ValidateWebhook verifies the ed25519 signature Discord puts on every
// interaction and answers PING with a PONG.
func (d *Discord) ValidateWebhook(ctx context.Context, req *domain.WebhookRequest) domain.WebhookValidationResult {
	_, key := d.session()
	if key == nil {
		return domain.InvalidWebhook("Provider not configured")
	}
	if req.Headers.Get("X-Signature-Ed25519") == "" || req.Headers.Get("X-Signature-Timestamp") == "" {
		return domain.InvalidWebhook("Missing signature")
	}

	r := &http.Request{Header: req.Headers, Body: io.NopCloser(bytes.NewReader(req.Body))}
	if !discordgo.VerifyInteraction(r, key) {
		return domain.InvalidWebhook("Invalid signature")
	}

	var probe struct {
		Type discordgo.InteractionType `json:"type"`
	}
	if err := json.Unmarshal(req.Body, &probe); err != nil {
		return domain.InvalidWebhook("Malformed payload")
	}
	if probe.Type == discordgo.InteractionPing {
		return domain.WebhookValidationResult{
			IsValid:           true,
			ChallengeResponse: discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		}
	}
	return domain.ValidWebhook()
}

type discordParser func(i *discordgo.Interaction) (string, bool)

var discordParsers = map[discordgo.InteractionType]discordParser{
	discordgo.InteractionApplicationCommand: discordCommandText,
	discordgo.InteractionMessageComponent:   discordComponentText,
}

func (d *Discord) ParseMessage(ctx context.Context, body []byte) (*domain.ChatMessage, error) {
	var i discordgo.Interaction
	if err := json.Unmarshal(body, &i); err != nil {
		return nil, fmt.Errorf("discord: decode interaction: %w", err)
	}
	parse, ok := discordParsers[i.Type]
	if !ok {
		return nil, nil
	}
	content, ok := parse(&i)
	if !ok {
		return nil, nil
	}

	var user *discordgo.User
	switch {
	case i.Member != nil && i.Member.User != nil:
		user = i.Member.User
	case i.User != nil:
		user = i.User
	}
	if user == nil || user.Bot {
		return nil, nil
	}

	md := map[string]string{
		domain.MetaReplyTarget:      "channel:" + i.ChannelID,
		domain.MetaChannelID:        i.ChannelID,
		domain.MetaInteractionToken: i.Token,
		domain.MetaApplicationID:    i.AppID,
		domain.MetaEventID:          i.ID,
	}
	chatType, receiver := "direct", ""
	if i.GuildID != "" {
		chatType, receiver = "channel", i.ChannelID
		md[domain.MetaGuildID] = i.GuildID
	}
	md[domain.MetaChatType] = chatType

	return &domain.ChatMessage{
		MessageID:  i.ID,
		SenderID:   user.ID,
		ReceiverID: receiver,
		Content:    content,
		Type:       domain.MessageText,
		Platform:   "discord",
		Timestamp:  time.Now(),
		Metadata:   md,
	}, nil
}

// discordCommandText renders a slash command as "/name value...".
func discordCommandText(i *discordgo.Interaction) (string, bool) {
	data, ok := i.Data.(discordgo.ApplicationCommandInteractionData)
	if !ok || data.Name == "" {
		return "", false
	}
	parts := []string{"/" + data.Name}
	var walk func(opts []*discordgo.ApplicationCommandInteractionDataOption)
	walk = func(opts []*discordgo.ApplicationCommandInteractionDataOption) {
		for _, o := range opts {
			if o == nil {
				continue
			}
			if o.Value != nil {
				parts = append(parts, fmt.Sprint(o.Value))
			} else {
				parts = append(parts, o.Name)
			}
			walk(o.Options)
		}
	}
	walk(data.Options)
	return strings.Join(parts, " "), true
}

func discordComponentText(i *discordgo.Interaction) (string, bool) {
	data, ok := i.Data.(discordgo.MessageComponentInteractionData)
	if !ok || data.CustomID == "" {
		return "", false
	}
	if len(data.Values) > 0 {
		return data.CustomID + " " + strings.Join(data.Values, " "), true
	}
	return data.CustomID, true
}

// WebhookAck defers the interaction response; the reply arrives later as a
// follow-up.
func (d *Discord) WebhookAck(msg *domain.ChatMessage) any {
	if msg == nil {
		return nil
	}
	return discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredChannelMessageWithSource}
}

// SendMessage posts a follow-up when the reply carries an interaction
// token, otherwise a plain message to "channel:<id>" (or a bare id).
func (d *Discord) SendMessage(ctx context.Context, msg domain.ChatMessage, target string) domain.SendResult {
	sess, _ := d.session()
	if sess == nil || !d.isReady() {
		return notReady(d.platform)
	}
	text, fail := downgrade(msg)
	if fail != nil {
		return *fail
	}

	if token := msg.Meta(domain.MetaInteractionToken); token != "" {
		appID := msg.Meta(domain.MetaApplicationID)
		if appID == "" {
			appID = d.config().Get("applicationId")
		}
		if appID != "" {
			return d.followUp(ctx, sess, &discordgo.Interaction{AppID: appID, Token: token}, msg, text)
		}
	}

	kind, id := parseTarget(target)
	if (kind != "" && kind != "channel") || id == "" {
		return invalidTarget(target)
	}

	chunks, sent := remainingChunks(msg, text, discordMaxMessageLen)
	var last *discordgo.Message
	for n := sent; n < len(chunks); n++ {
		out := &discordgo.MessageSend{Content: chunks[n]}
		if ref := msg.Meta(domain.MetaReplyTo); n == 0 && ref != "" {
			out.Reference = &discordgo.MessageReference{MessageID: ref, ChannelID: id}
		}
		m, err := sess.ChannelMessageSendComplex(id, out, discordgo.WithContext(ctx))
		if err != nil {
			return partial(discordSendFailure(err), n)
		}
		last = m
	}
	return domain.SendOK(discordMessageID(last))
}

func (d *Discord) followUp(ctx context.Context, sess *discordgo.Session, i *discordgo.Interaction, msg domain.ChatMessage, text string) domain.SendResult {
	chunks, sent := remainingChunks(msg, text, discordMaxMessageLen)
	var last *discordgo.Message
	for n := sent; n < len(chunks); n++ {
		m, err := sess.FollowupMessageCreate(i, true, &discordgo.WebhookParams{Content: chunks[n]}, discordgo.WithContext(ctx))
		if err != nil {
			return partial(discordSendFailure(err), n)
		}
		last = m
	}
	return domain.SendOK(discordMessageID(last))
}

func discordMessageID(m *discordgo.Message) string {
	if m == nil {
		return ""
	}
	return m.ID
}

func discordSendFailure(err error) domain.SendResult {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return domain.SendFailed("rate_limited", rl.Error(), true)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		status := rest.Response.StatusCode
		msg := http.StatusText(status)
		if rest.Message != nil && rest.Message.Message != "" {
			msg = rest.Message.Message
		}
		return domain.SendFailed(fmt.Sprintf("discord_%d", status), msg, Retryable(status))
	}
	return sendError(err)
}
