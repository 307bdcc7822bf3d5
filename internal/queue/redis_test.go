package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

// Set CHATRELAY_TEST_REDIS=localhost:6379 to run against a live server.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("CHATRELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("CHATRELAY_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	st := NewRedisStore(client, fmt.Sprintf("chatrelay-test-%d:", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = st.Purge(context.Background())
		_ = client.Close()
	})
	return st
}

func TestRedisStore_PendingLifecycle(t *testing.T) {
	st := newTestRedisStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, st.SavePending(ctx, domain.QueuedMessage{ID: "b", Message: reply("qq", "b"), CreatedAt: base.Add(time.Second)}))
	require.NoError(t, st.SavePending(ctx, domain.QueuedMessage{ID: "a", Message: reply("qq", "a"), CreatedAt: base}))

	items, err := st.LoadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, itemIDs(items))
	assert.Equal(t, "a", items[0].Message.Content)

	require.NoError(t, st.RemovePending(ctx, "a"))
	items, err = st.LoadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, itemIDs(items))
}

func TestRedisStore_DeadLetterRoundTrip(t *testing.T) {
	st := newTestRedisStore(t)
	ctx := context.Background()

	item := domain.QueuedMessage{ID: "x", Message: reply("qq", "x"), TargetUserID: "user:1", RetryCount: 3, ErrorMessage: "boom"}
	require.NoError(t, st.SavePending(ctx, item))
	require.NoError(t, st.MoveToDeadLetter(ctx, item))

	pending, err := st.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := st.GetDeadLetter(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	assert.NotNil(t, got.FailedAt)

	got.RetryCount = 0
	got.FailedAt = nil
	require.NoError(t, st.RestoreDeadLetter(ctx, *got))
	assert.ErrorIs(t, st.RestoreDeadLetter(ctx, *got), domain.ErrNotFound)

	_, err = st.GetDeadLetter(ctx, "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	pending, err = st.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
}

func TestRedisStore_ListDeleteClear(t *testing.T) {
	st := newTestRedisStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.MoveToDeadLetter(ctx, domain.QueuedMessage{ID: fmt.Sprintf("d%d", i), FailedAt: &at}))
	}

	page, err := st.ListDeadLetters(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2", "d1"}, itemIDs(page))

	require.NoError(t, st.DeleteDeadLetter(ctx, "d3"))
	assert.ErrorIs(t, st.DeleteDeadLetter(ctx, "d3"), domain.ErrNotFound)

	n, err := st.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cleared, err := st.ClearDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)
	n, err = st.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
