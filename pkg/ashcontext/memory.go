package ashcontext

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process store. Suitable for a single
// instance only; a shared deployment needs the Postgres or Redis backend.
// Expired entries stay in the map until Cleanup; Get and Consume apply
// the expiry predicate logically, so physical deletion is never load
// bearing.
type MemoryStore struct {
	mu       sync.Mutex
	contexts map[string]*Context
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store. No background
// goroutine is started; the caller schedules Cleanup.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[string]*Context),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, binding string, ttl time.Duration, mode Mode) (Context, error) {
	c, err := NewContext(binding, ttl, mode, s.now())
	if err != nil {
		return Context{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := c
	s.contexts[c.ID] = &stored
	return c, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok || c.Expired(s.now().UnixMilli()) {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) Consume(_ context.Context, id string, now int64) (ConsumeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok || c.Expired(now) {
		return Missing, nil
	}
	if c.ConsumedAt != nil {
		return AlreadyConsumed, nil
	}
	ts := now
	c.ConsumedAt = &ts
	return Consumed, nil
}

func (s *MemoryStore) Cleanup(_ context.Context, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.contexts {
		if c.Expired(now) {
			delete(s.contexts, id)
			removed++
		}
	}
	return removed, nil
}
