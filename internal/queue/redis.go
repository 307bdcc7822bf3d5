package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"chatrelay/internal/domain"
)

// RedisStore keeps pending items in a hash and dead letters in a sorted set
// scored by failure time, with the payloads in a companion hash. Multi-key
// changes run as Lua scripts so a crash never leaves an item in both sets.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "chatrelay:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) pendingKey() string { return s.prefix + "queue:pending" }
func (s *RedisStore) deadKey() string { return s.prefix + "queue:dead" }
func (s *RedisStore) deadItemsKey() string { return s.prefix + "queue:dead:items" }

var (
	// KEYS: pending, dead, deadItems. ARGV: id, payload, score.
	moveToDeadScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1`)

	// KEYS: pending, dead, deadItems. ARGV: id, payload.
	restoreScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1`)

	// KEYS: dead, deadItems. ARGV: id.
	deleteDeadScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return removed`)

	// KEYS: dead, deadItems.
	clearDeadScript = redis.NewScript(`
local n = redis.call('ZCARD', KEYS[1])
redis.call('DEL', KEYS[1], KEYS[2])
return n`)
)

func (s *RedisStore) SavePending(ctx context.Context, item domain.QueuedMessage) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if err := s.client.HSet(ctx, s.pendingKey(), item.ID, payload).Err(); err != nil {
		return fmt.Errorf("save pending %s: %w", item.ID, err)
	}
	return nil
}

func (s *RedisStore) RemovePending(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.pendingKey(), id).Err(); err != nil {
		return fmt.Errorf("remove pending %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) LoadPending(ctx context.Context) ([]domain.QueuedMessage, error) {
	vals, err := s.client.HVals(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	out := make([]domain.QueuedMessage, 0, len(vals))
	for _, v := range vals {
		var it domain.QueuedMessage
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			return nil, fmt.Errorf("decode pending item: %w", err)
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) MoveToDeadLetter(ctx context.Context, item domain.QueuedMessage) error {
	if item.FailedAt == nil {
		now := time.Now()
		item.FailedAt = &now
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	keys := []string{s.pendingKey(), s.deadKey(), s.deadItemsKey()}
	if err := moveToDeadScript.Run(ctx, s.client, keys, item.ID, payload, item.FailedAt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", item.ID, err)
	}
	return nil
}

func (s *RedisStore) RestoreDeadLetter(ctx context.Context, item domain.QueuedMessage) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	keys := []string{s.pendingKey(), s.deadKey(), s.deadItemsKey()}
	n, err := restoreScript.Run(ctx, s.client, keys, item.ID, payload).Int()
	if err != nil {
		return fmt.Errorf("restore dead letter %s: %w", item.ID, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *RedisStore) GetDeadLetter(ctx context.Context, id string) (*domain.QueuedMessage, error) {
	v, err := s.client.HGet(ctx, s.deadItemsKey(), id).Result()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	var it domain.QueuedMessage
	if err := json.Unmarshal([]byte(v), &it); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return &it, nil
}

// ListDeadLetters pages through dead letters, most recent failure first.
func (s *RedisStore) ListDeadLetters(ctx context.Context, skip, take int) ([]domain.QueuedMessage, error) {
	if take <= 0 {
		take = 50
	}
	if skip < 0 {
		skip = 0
	}
	ids, err := s.client.ZRevRange(ctx, s.deadKey(), int64(skip), int64(skip+take-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return []domain.QueuedMessage{}, nil
	}
	vals, err := s.client.HMGet(ctx, s.deadItemsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]domain.QueuedMessage, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// removed between the two reads
			continue
		}
		var it domain.QueuedMessage
		if err := json.Unmarshal([]byte(str), &it); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *RedisStore) CountDeadLetters(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.deadKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) DeleteDeadLetter(ctx context.Context, id string) error {
	n, err := deleteDeadScript.Run(ctx, s.client, []string{s.deadKey(), s.deadItemsKey()}, id).Int()
	if err != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *RedisStore) ClearDeadLetters(ctx context.Context) (int, error) {
	n, err := clearDeadScript.Run(ctx, s.client, []string{s.deadKey(), s.deadItemsKey()}).Int()
	if err != nil {
		return 0, fmt.Errorf("clear dead letters: %w", err)
	}
	return n, nil
}

// Purge removes every key the store owns.
func (s *RedisStore) Purge(ctx context.Context) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.pendingKey())
	pipe.Del(ctx, s.deadKey(), s.deadItemsKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("purge queue keys: %w", err)
	}
	return nil
}
