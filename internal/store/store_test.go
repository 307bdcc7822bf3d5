package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id string) domain.ChatMessage {
	return domain.ChatMessage{
		MessageID: id,
		SenderID:  "u1",
		Content:   "content " + id,
		Type:      domain.MessageText,
		Platform:  "qq",
		Timestamp: time.UnixMilli(1700000000000),
		Metadata:  map[string]string{domain.MetaChatType: "direct"},
	}
}

// --- migrations ---

func TestRunMigrations_FreshDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	v, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, RunMigrations(db, testLogger()))
	require.NoError(t, RunMigrations(db, testLogger()), "second run must be a no-op")

	v, err = GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)

	for _, table := range []string{"chat_sessions", "chat_messages", "provider_configs", "queued_messages", "dead_letters"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}
}

func TestSplitSQL(t *testing.T) {
	stmts := splitSQL("CREATE TABLE a (x INT);\n\n  CREATE TABLE b (y INT);  ;")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE TABLE b (y INT)"}, stmts)
}

// --- sessions ---

func TestSessions_CreateAndFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.FindOpenSession(ctx, "u1", "qq", 10)
	require.NoError(t, err)
	assert.Nil(t, got)

	sess := &domain.ChatSession{UserID: "u1", Platform: "qq", Metadata: map[string]string{"k": "v"}}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NotEmpty(t, sess.SessionID)
	assert.Equal(t, domain.SessionActive, sess.State)

	got, err = s.FindOpenSession(ctx, "u1", "qq", 10)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.SessionID, got.SessionID)
	assert.Equal(t, "v", got.Metadata["k"])

	other, err := s.FindOpenSession(ctx, "u1", "slack", 10)
	require.NoError(t, err)
	assert.Nil(t, other, "sessions are keyed by platform too")
}

func TestSessions_CreateConflictReturnsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &domain.ChatSession{UserID: "u1", Platform: "qq"}
	require.NoError(t, s.CreateSession(ctx, first))

	second := &domain.ChatSession{UserID: "u1", Platform: "qq"}
	require.NoError(t, s.CreateSession(ctx, second))
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestSessions_ClosedAllowsNewSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &domain.ChatSession{UserID: "u1", Platform: "qq"}
	require.NoError(t, s.CreateSession(ctx, first))
	require.NoError(t, s.CloseSession(ctx, first.SessionID))

	got, err := s.FindOpenSession(ctx, "u1", "qq", 10)
	require.NoError(t, err)
	assert.Nil(t, got)

	second := &domain.ChatSession{UserID: "u1", Platform: "qq"}
	require.NoError(t, s.CreateSession(ctx, second))
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestSessions_CloseUnknown(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.CloseSession(context.Background(), "999"), domain.ErrNotFound)
	assert.ErrorIs(t, s.CloseSession(context.Background(), "not-a-number"), domain.ErrNotFound)
}

func TestSessions_AppendIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &domain.ChatSession{UserID: "u1", Platform: "qq"}
	require.NoError(t, s.CreateSession(ctx, sess))

	n, err := s.AppendMessages(ctx, sess.SessionID, []domain.ChatMessage{msg("a"), msg("b")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.AppendMessages(ctx, sess.SessionID, []domain.ChatMessage{msg("a"), msg("b"), msg("c")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.FindOpenSession(ctx, "u1", "qq", 10)
	require.NoError(t, err)
	require.Len(t, got.History, 3)
	assert.Equal(t, "a", got.History[0].MessageID)
	assert.Equal(t, "c", got.History[2].MessageID)
	assert.Equal(t, domain.MessageText, got.History[0].Type)
	assert.Equal(t, "direct", got.History[0].Meta(domain.MetaChatType))
	assert.True(t, got.History[0].Timestamp.Equal(time.UnixMilli(1700000000000)))
}

func TestSessions_TrimKeepsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &domain.ChatSession{UserID: "u1", Platform: "qq"}
	require.NoError(t, s.CreateSession(ctx, sess))

	var msgs []domain.ChatMessage
	for i := 0; i < 5; i++ {
		msgs = append(msgs, msg(fmt.Sprintf("m%d", i)))
	}
	_, err := s.AppendMessages(ctx, sess.SessionID, msgs)
	require.NoError(t, err)
	require.NoError(t, s.TrimMessages(ctx, sess.SessionID, 3))

	got, err := s.FindOpenSession(ctx, "u1", "qq", 0)
	require.NoError(t, err)
	require.Len(t, got.History, 3)
	assert.Equal(t, []string{"m2", "m3", "m4"}, []string{got.History[0].MessageID, got.History[1].MessageID, got.History[2].MessageID})
}

func TestSessions_HistoryLimitReturnsNewestInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &domain.ChatSession{UserID: "u1", Platform: "qq"}
	require.NoError(t, s.CreateSession(ctx, sess))
	_, err := s.AppendMessages(ctx, sess.SessionID, []domain.ChatMessage{msg("a"), msg("b"), msg("c")})
	require.NoError(t, err)

	got, err := s.FindOpenSession(ctx, "u1", "qq", 2)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "b", got.History[0].MessageID)
	assert.Equal(t, "c", got.History[1].MessageID)
}

func TestSessions_SaveStateNeverRewindsActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.UnixMilli(1700000000000)
	sess := &domain.ChatSession{UserID: "u1", Platform: "qq", CreatedAt: now, LastActivityAt: now}
	require.NoError(t, s.CreateSession(ctx, sess))

	stale := *sess
	stale.State = domain.SessionWaiting
	stale.LastActivityAt = now.Add(-time.Hour)
	require.NoError(t, s.SaveSessionState(ctx, stale))

	got, err := s.FindOpenSession(ctx, "u1", "qq", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionWaiting, got.State)
	assert.True(t, got.LastActivityAt.Equal(now))
}

func TestSessions_ExpireIdle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-3 * time.Hour)
	idle := &domain.ChatSession{UserID: "idle", Platform: "qq", CreatedAt: old, LastActivityAt: old}
	fresh := &domain.ChatSession{UserID: "fresh", Platform: "qq"}
	require.NoError(t, s.CreateSession(ctx, idle))
	require.NoError(t, s.CreateSession(ctx, fresh))

	n, err := s.ExpireIdleSessions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.FindOpenSession(ctx, "idle", "qq", 0)
	require.NoError(t, err)
	require.NotNil(t, got, "expired sessions are not closed")
	assert.Equal(t, domain.SessionExpired, got.State)

	got, err = s.FindOpenSession(ctx, "fresh", "qq", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.State)
}

// --- provider configs ---

func TestProviderConfigs_CRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetProviderConfig(ctx, "slack")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cfg := domain.ProviderConfig{
		Platform:        "slack",
		DisplayName:     "Slack",
		IsEnabled:       true,
		MessageInterval: 1500 * time.Millisecond,
		MaxRetryCount:   4,
		ConfigData:      map[string]string{"botToken": "xoxb"},
	}
	require.NoError(t, s.SaveProviderConfig(ctx, cfg))

	got, err := s.GetProviderConfig(ctx, "slack")
	require.NoError(t, err)
	assert.True(t, got.IsEnabled)
	assert.Equal(t, 1500*time.Millisecond, got.MessageInterval)
	assert.Equal(t, 4, got.MaxRetryCount)
	assert.Equal(t, "xoxb", got.Get("botToken"))
	assert.False(t, got.UpdatedAt.IsZero())

	cfg.IsEnabled = false
	cfg.UpdatedAt = time.Time{}
	require.NoError(t, s.SaveProviderConfig(ctx, cfg))
	require.NoError(t, s.SaveProviderConfig(ctx, domain.ProviderConfig{Platform: "discord"}))

	all, err := s.ListProviderConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "discord", all[0].Platform)
	assert.False(t, all[1].IsEnabled)

	require.NoError(t, s.DeleteProviderConfig(ctx, "slack"))
	assert.ErrorIs(t, s.DeleteProviderConfig(ctx, "slack"), domain.ErrNotFound)
}

// --- queue ---

func queued(id string, created time.Time) domain.QueuedMessage {
	return domain.QueuedMessage{ID: id, Message: msg("m-" + id), TargetUserID: "user:u1", CreatedAt: created}
}

func TestQueue_PendingLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1700000000000)
	require.NoError(t, s.SavePending(ctx, queued("b", base.Add(time.Second))))
	require.NoError(t, s.SavePending(ctx, queued("a", base)))

	item := queued("a", base)
	item.RetryCount = 2
	require.NoError(t, s.SavePending(ctx, item), "save is an upsert")

	pending, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, 2, pending[0].RetryCount)
	assert.Equal(t, "user:u1", pending[0].TargetUserID)

	require.NoError(t, s.RemovePending(ctx, "a"))
	pending, err = s.LoadPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestQueue_DeadLetterMoveAndRestore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := queued("x", time.Now())
	require.NoError(t, s.SavePending(ctx, item))

	item.RetryCount = 3
	item.ErrorMessage = "boom"
	require.NoError(t, s.MoveToDeadLetter(ctx, item))

	pending, err := s.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err := s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dl, err := s.GetDeadLetter(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 3, dl.RetryCount)
	assert.Equal(t, "boom", dl.ErrorMessage)
	require.NotNil(t, dl.FailedAt)

	dl.RetryCount = 0
	dl.FailedAt = nil
	require.NoError(t, s.RestoreDeadLetter(ctx, *dl))
	assert.ErrorIs(t, s.RestoreDeadLetter(ctx, *dl), domain.ErrNotFound, "second restore must not double-requeue")

	pending, err = s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "boom", pending[0].ErrorMessage)

	_, err = s.GetDeadLetter(ctx, "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueue_DeadLetterListDeleteClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		item := queued(fmt.Sprintf("d%d", i), time.Now())
		failed := time.UnixMilli(1700000000000 + int64(i)*1000)
		item.FailedAt = &failed
		require.NoError(t, s.MoveToDeadLetter(ctx, item))
	}

	page, err := s.ListDeadLetters(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "d3", page[0].ID, "newest failure first")
	assert.Equal(t, "d2", page[1].ID)

	require.NoError(t, s.DeleteDeadLetter(ctx, "d0"))
	assert.ErrorIs(t, s.DeleteDeadLetter(ctx, "d0"), domain.ErrNotFound)

	n, err := s.ClearDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	count, err := s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
