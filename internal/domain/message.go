package domain

import (
	"maps"
	"time"
)

// MessageType classifies the payload of a ChatMessage.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageFile     MessageType = "file"
	MessageRichText MessageType = "rich_text"
	MessageCard     MessageType = "card"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageAudio, MessageVideo, MessageFile, MessageRichText, MessageCard:
		return true
	}
	return false
}

// Conventional metadata keys. Providers document which ones they set.
const (
	MetaReplyTarget = "reply_target" // addressing string for replies (e.g. "group:<id>")
	MetaReplyTo     = "reply_to"     // platform message id a reply should reference
	MetaChatType    = "chat_type"    // direct | group | channel
	MetaGroupID     = "group_id"
	MetaChannelID   = "channel_id"
	MetaGuildID     = "guild_id"
	MetaSequence    = "seq"
	MetaMentions    = "mentions" // comma separated platform user ids
	MetaThreadTS    = "thread_ts"
	MetaEventID     = "event_id"
	MetaSentParts   = "sent_parts" // leading text chunks delivered by an earlier attempt

	MetaInteractionToken = "interaction_token" // Discord follow-up token
	MetaApplicationID    = "application_id"
)

// ChatMessage is a normalized, immutable unit of chat traffic.
// Providers build it when parsing inbound traffic; the response generator
// builds it for replies. Use WithMetadata to derive a modified copy.
type ChatMessage struct {
	MessageID  string            `json:"messageId"`
	SenderID   string            `json:"senderId"`
	ReceiverID string            `json:"receiverId,omitempty"` // empty for direct/C2C traffic
	Content    string            `json:"content"`
	Type       MessageType       `json:"messageType"`
	Platform   string            `json:"platform"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value, or "" when absent.
func (m ChatMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// WithMetadata returns a copy of m with key set to value.
func (m ChatMessage) WithMetadata(key, value string) ChatMessage {
	md := make(map[string]string, len(m.Metadata)+1)
	maps.Copy(md, m.Metadata)
	md[key] = value
	m.Metadata = md
	return m
}

// Clone returns a deep copy, so callers holding the original never observe
// changes made through the copy's metadata map.
func (m ChatMessage) Clone() ChatMessage {
	if m.Metadata != nil {
		m.Metadata = maps.Clone(m.Metadata)
	}
	return m
}
