package domain

import (
	"context"
	"time"
)

// SessionStore persists chat sessions and their message history.
type SessionStore interface {
	// FindOpenSession returns the non-closed session for the pair with at
	// most historyLimit of its most recent messages, or nil when none exists.
	FindOpenSession(ctx context.Context, userID, platform string, historyLimit int) (*ChatSession, error)

	// CreateSession inserts s and assigns s.SessionID.
	CreateSession(ctx context.Context, s *ChatSession) error

	// SaveSessionState writes state, last activity and metadata.
	SaveSessionState(ctx context.Context, s ChatSession) error

	// AppendMessages inserts messages not already stored for the session
	// (keyed by MessageID) and returns how many were new.
	AppendMessages(ctx context.Context, sessionID string, msgs []ChatMessage) (int, error)

	// TrimMessages keeps only the newest keep messages of the session.
	TrimMessages(ctx context.Context, sessionID string, keep int) error

	// CloseSession marks a session closed. Returns ErrNotFound for unknown ids.
	CloseSession(ctx context.Context, sessionID string) error

	// ExpireIdleSessions moves open sessions idle since before to expired.
	ExpireIdleSessions(ctx context.Context, before time.Time) (int, error)
}

// ProviderConfigStore persists ProviderConfig records.
type ProviderConfigStore interface {
	ListProviderConfigs(ctx context.Context) ([]ProviderConfig, error)
	GetProviderConfig(ctx context.Context, platform string) (*ProviderConfig, error)
	SaveProviderConfig(ctx context.Context, cfg ProviderConfig) error
	DeleteProviderConfig(ctx context.Context, platform string) error
}
