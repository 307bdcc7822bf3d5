package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

// Store persists pending deliveries and the dead-letter set. Pending items
// are recovered at startup; dead letters survive restarts and are managed by
// operators.
type Store interface {
	SavePending(ctx context.Context, item domain.QueuedMessage) error
	RemovePending(ctx context.Context, id string) error
	LoadPending(ctx context.Context) ([]domain.QueuedMessage, error)

	// MoveToDeadLetter removes the pending row and records the dead letter
	// in one step.
	MoveToDeadLetter(ctx context.Context, item domain.QueuedMessage) error
	// RestoreDeadLetter removes the dead letter and records item as pending.
	// It returns domain.ErrNotFound when no dead letter has item.ID.
	RestoreDeadLetter(ctx context.Context, item domain.QueuedMessage) error

	GetDeadLetter(ctx context.Context, id string) (*domain.QueuedMessage, error)
	ListDeadLetters(ctx context.Context, skip, take int) ([]domain.QueuedMessage, error)
	CountDeadLetters(ctx context.Context) (int, error)
	DeleteDeadLetter(ctx context.Context, id string) error
	ClearDeadLetters(ctx context.Context) (int, error)
}

// MemoryStore keeps everything in process memory. Nothing survives a
// restart; it backs the "memory" queue backend and tests.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]domain.QueuedMessage
	dead    map[string]domain.QueuedMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]domain.QueuedMessage),
		dead:    make(map[string]domain.QueuedMessage),
	}
}

func (s *MemoryStore) SavePending(_ context.Context, item domain.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[item.ID] = item
	return nil
}

func (s *MemoryStore) RemovePending(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func (s *MemoryStore) LoadPending(_ context.Context) ([]domain.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QueuedMessage, 0, len(s.pending))
	for _, it := range s.pending {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MoveToDeadLetter(_ context.Context, item domain.QueuedMessage) error {
	if item.FailedAt == nil {
		now := time.Now()
		item.FailedAt = &now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, item.ID)
	s.dead[item.ID] = item
	return nil
}

func (s *MemoryStore) RestoreDeadLetter(_ context.Context, item domain.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dead[item.ID]; !ok {
		return domain.ErrNotFound
	}
	delete(s.dead, item.ID)
	s.pending[item.ID] = item
	return nil
}

func (s *MemoryStore) GetDeadLetter(_ context.Context, id string) (*domain.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.dead[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &it, nil
}

// ListDeadLetters pages through dead letters, most recent failure first.
func (s *MemoryStore) ListDeadLetters(_ context.Context, skip, take int) ([]domain.QueuedMessage, error) {
	s.mu.Lock()
	all := make([]domain.QueuedMessage, 0, len(s.dead))
	for _, it := range s.dead {
		all = append(all, it)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return failedAt(all[i]).After(failedAt(all[j]))
	})
	return page(all, skip, take), nil
}

func (s *MemoryStore) CountDeadLetters(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dead), nil
}

func (s *MemoryStore) DeleteDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dead[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.dead, id)
	return nil
}

func (s *MemoryStore) ClearDeadLetters(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.dead)
	s.dead = make(map[string]domain.QueuedMessage)
	return n, nil
}

func failedAt(it domain.QueuedMessage) time.Time {
	if it.FailedAt == nil {
		return time.Time{}
	}
	return *it.FailedAt
}

// page applies skip/take; take <= 0 means the default page of 50.
func page(items []domain.QueuedMessage, skip, take int) []domain.QueuedMessage {
	if take <= 0 {
		take = 50
	}
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return []domain.QueuedMessage{}
	}
	end := min(skip+take, len(items))
	return items[skip:end]
}
