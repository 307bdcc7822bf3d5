package domain

import "time"

// SessionState is the lifecycle state of a ChatSession.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionProcessing SessionState = "processing"
	SessionWaiting    SessionState = "waiting"
	SessionExpired    SessionState = "expired"
	SessionClosed     SessionState = "closed"
)

// ChatSession is the conversation context for one (user, platform) pair.
// At most one non-closed session exists per pair.
//
// A ChatSession is shared between goroutines by the session manager; callers
// must go through the manager to mutate it.
type ChatSession struct {
	SessionID      string            `json:"sessionId"`
	UserID         string            `json:"userId"`
	Platform       string            `json:"platform"`
	State          SessionState      `json:"state"`
	History        []ChatMessage     `json:"history"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Touch advances LastActivityAt. It never moves it backwards.
func (s *ChatSession) Touch(t time.Time) {
	if t.After(s.LastActivityAt) {
		s.LastActivityAt = t
	}
}

// AppendCapped appends msg and evicts the oldest entries beyond limit.
// A limit <= 0 disables the cap.
func (s *ChatSession) AppendCapped(msg ChatMessage, limit int) {
	s.History = append(s.History, msg)
	if limit > 0 && len(s.History) > limit {
		drop := len(s.History) - limit
		trimmed := make([]ChatMessage, limit)
		copy(trimmed, s.History[drop:])
		s.History = trimmed
	}
}

// HasMessage reports whether a message with the given id is already in history.
func (s *ChatSession) HasMessage(messageID string) bool {
	for _, m := range s.History {
		if m.MessageID == messageID {
			return true
		}
	}
	return false
}

// Open reports whether the session still counts toward the one-open-session rule.
func (s *ChatSession) Open() bool {
	return s.State != SessionClosed
}
