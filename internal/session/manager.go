// Package session maps (user, platform) pairs to ChatSessions. It keeps a
// TTL cache in front of the store and serializes all mutation of one session
// behind that session's lock.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

type Config struct {
	Store         domain.SessionStore
	HistoryLimit  int
	CacheTTL      time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Events        *bus.EventBus
	Logger        *slog.Logger
}

type cacheEntry struct {
	mu       sync.Mutex // guards sess
	sess     *domain.ChatSession
	lastUsed time.Time // guarded by Manager.mu
}

type Manager struct {
	store         domain.SessionStore
	historyLimit  int
	cacheTTL      time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration
	events        *bus.EventBus
	logger        *slog.Logger
	now           func() time.Time

	flight singleflight.Group
	mu     sync.Mutex
	cache  map[string]*cacheEntry // key(user, platform)
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Manager{
		store:         cfg.Store,
		historyLimit:  cfg.HistoryLimit,
		cacheTTL:      cfg.CacheTTL,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		events:        cfg.Events,
		logger:        cfg.Logger,
		now:           time.Now,
		cache:         make(map[string]*cacheEntry),
	}
}

func key(userID, platform string) string {
	return platform + "\x00" + userID
}

// GetOrCreate returns the open session for the pair. Concurrent callers with
// the same pair share one lookup and receive the same *ChatSession.
func (m *Manager) GetOrCreate(ctx context.Context, userID, platform string) (*domain.ChatSession, error) {
	if userID == "" || platform == "" {
		return nil, fmt.Errorf("session: user id and platform are required")
	}
	k := key(userID, platform)

	if e := m.cached(k); e != nil {
		return e.sess, nil
	}

	v, err, _ := m.flight.Do(k, func() (any, error) {
		// A previous flight may have filled the cache while we waited.
		if e := m.cached(k); e != nil {
			return e.sess, nil
		}
		sess, err := m.loadOrCreate(ctx, userID, platform)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		// an Append on an evicted session may have re-inserted the object
		// its caller still holds; keep that one
		if e, ok := m.cache[k]; ok && e.sess.SessionID == sess.SessionID {
			e.lastUsed = m.now()
			return e.sess, nil
		}
		m.cache[k] = &cacheEntry{sess: sess, lastUsed: m.now()}
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ChatSession), nil
}

func (m *Manager) cached(k string) *cacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[k]
	if !ok {
		return nil
	}
	now := m.now()
	if now.Sub(e.lastUsed) > m.cacheTTL {
		delete(m.cache, k)
		return nil
	}
	e.lastUsed = now
	return e
}

func (m *Manager) loadOrCreate(ctx context.Context, userID, platform string) (*domain.ChatSession, error) {
	sess, err := m.store.FindOpenSession(ctx, userID, platform, m.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load session %s/%s: %w", platform, userID, err)
	}

	if sess != nil {
		if sess.State == domain.SessionExpired {
			sess.State = domain.SessionActive
			sess.Touch(m.now())
			if err := m.store.SaveSessionState(ctx, *sess); err != nil {
				return nil, fmt.Errorf("reactivate session %s: %w", sess.SessionID, err)
			}
			m.logger.Info("session reactivated", "session", sess.SessionID, "platform", platform, "user", userID)
		}
		return sess, nil
	}

	now := m.now()
	sess = &domain.ChatSession{
		UserID:         userID,
		Platform:       platform,
		State:          domain.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session %s/%s: %w", platform, userID, err)
	}
	m.logger.Info("session created", "session", sess.SessionID, "platform", platform, "user", userID)
	m.events.Emit(bus.Event{Type: bus.EventSessionCreated, Platform: platform,
		Payload: map[string]any{"session": sess.SessionID, "user": userID}})
	return sess, nil
}

// entryFor returns the cache entry holding sess, re-inserting sess if it was
// evicted. When the cache already holds a different object for the same
// session id, that object wins.
func (m *Manager) entryFor(sess *domain.ChatSession) *cacheEntry {
	k := key(sess.UserID, sess.Platform)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[k]; ok && e.sess.SessionID == sess.SessionID {
		e.lastUsed = m.now()
		return e
	}
	e := &cacheEntry{sess: sess, lastUsed: m.now()}
	m.cache[k] = e
	return e
}

// Append adds messages to the session in call order, trims history to the
// cap, advances the activity time and persists. Messages already in history
// are skipped. Returns a snapshot taken under the session lock.
func (m *Manager) Append(ctx context.Context, sess *domain.ChatSession, msgs ...domain.ChatMessage) (domain.ChatSession, error) {
	e := m.entryFor(sess)
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.sess
	for _, msg := range msgs {
		if msg.MessageID == "" {
			msg.MessageID = uuid.NewString()
		}
		if s.HasMessage(msg.MessageID) {
			continue
		}
		s.AppendCapped(msg.Clone(), m.historyLimit)
	}
	s.Touch(m.now())
	if s.State == domain.SessionExpired {
		s.State = domain.SessionActive
	}

	err := m.persistLocked(ctx, s)
	return snapshot(s), err
}

// UpdateSession persists the session: history messages not yet stored are
// inserted (keyed by message id), stored history is trimmed to the cap, and
// state and activity time are written.
func (m *Manager) UpdateSession(ctx context.Context, sess *domain.ChatSession) error {
	e := m.entryFor(sess)
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.persistLocked(ctx, e.sess)
}

func (m *Manager) persistLocked(ctx context.Context, s *domain.ChatSession) error {
	if len(s.History) > m.historyLimit {
		s.History = append([]domain.ChatMessage(nil), s.History[len(s.History)-m.historyLimit:]...)
	}
	inserted, err := m.store.AppendMessages(ctx, s.SessionID, s.History)
	if err != nil {
		return fmt.Errorf("persist history %s: %w", s.SessionID, err)
	}
	if inserted > 0 {
		if err := m.store.TrimMessages(ctx, s.SessionID, m.historyLimit); err != nil {
			return fmt.Errorf("trim history %s: %w", s.SessionID, err)
		}
	}
	if err := m.store.SaveSessionState(ctx, *s); err != nil {
		return fmt.Errorf("save session %s: %w", s.SessionID, err)
	}
	return nil
}

// SetState transitions an open session. Closing goes through Close.
func (m *Manager) SetState(ctx context.Context, sess *domain.ChatSession, state domain.SessionState) error {
	if state == domain.SessionClosed {
		return m.Close(ctx, sess.SessionID)
	}
	e := m.entryFor(sess)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sess.State = state
	e.sess.Touch(m.now())
	if err := m.store.SaveSessionState(ctx, *e.sess); err != nil {
		return fmt.Errorf("save session %s: %w", e.sess.SessionID, err)
	}
	return nil
}

// Snapshot returns a deep copy of the session taken under its lock.
func (m *Manager) Snapshot(sess *domain.ChatSession) domain.ChatSession {
	e := m.entryFor(sess)
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.sess)
}

func snapshot(s *domain.ChatSession) domain.ChatSession {
	out := *s
	out.History = make([]domain.ChatMessage, len(s.History))
	for i, msg := range s.History {
		out.History[i] = msg.Clone()
	}
	out.Metadata = maps.Clone(s.Metadata)
	return out
}

// Close marks the session closed and evicts it from the cache. A later
// message from the same pair starts a new session.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	if err := m.store.CloseSession(ctx, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	var closed *cacheEntry
	for k, e := range m.cache {
		if e.sess.SessionID == sessionID {
			closed = e
			delete(m.cache, k)
			break
		}
	}
	m.mu.Unlock()

	if closed != nil {
		closed.mu.Lock()
		closed.sess.State = domain.SessionClosed
		closed.mu.Unlock()
	}
	m.logger.Info("session closed", "session", sessionID)
	return nil
}

// CleanupExpired moves sessions idle longer than the idle timeout to Expired,
// in the store and in the cache, and evicts them. Cache entries unused for
// longer than the cache TTL are dropped too. Returns the number of store rows
// expired.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()
	cutoff := now.Add(-m.idleTimeout)

	n, err := m.store.ExpireIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}

	m.mu.Lock()
	var idle []*cacheEntry
	for k, e := range m.cache {
		if now.Sub(e.lastUsed) > m.cacheTTL {
			delete(m.cache, k)
			continue
		}
		idle = append(idle, e)
	}
	m.mu.Unlock()

	var expired []*cacheEntry
	for _, e := range idle {
		e.mu.Lock()
		if e.sess.LastActivityAt.Before(cutoff) && e.sess.State != domain.SessionClosed {
			e.sess.State = domain.SessionExpired
			expired = append(expired, e)
		}
		e.mu.Unlock()
	}

	if len(expired) > 0 {
		m.mu.Lock()
		for _, e := range expired {
			k := key(e.sess.UserID, e.sess.Platform)
			if m.cache[k] == e {
				delete(m.cache, k)
			}
		}
		m.mu.Unlock()
	}

	if n > 0 {
		m.logger.Info("sessions expired", "count", n, "idle_timeout", m.idleTimeout)
		m.events.Emit(bus.Event{Type: bus.EventSessionExpired, Payload: map[string]any{"count": n}})
	}
	return n, nil
}

// CacheLen is the number of cached sessions.
func (m *Manager) CacheLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// Run sweeps expired sessions every sweep interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanupExpired(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("session sweep failed", "err", err)
			}
		}
	}
}
