package lock

import (
	"context"
	"sync"
	"time"
)

// Store is the shared coordination store.
//
// Claim must be an atomic compare-and-set: it succeeds when key is free or its
// previous claim has expired. Release with an empty owner removes the claim
// regardless of holder.
type Store interface {
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// StateStore persists run-once completion flags.
type StateStore interface {
	MarkDone(ctx context.Context, key string) error
	Done(ctx context.Context, key string) (bool, error)
}

type memoryClaim struct {
	owner   string
	expires time.Time
}

// MemoryStore is an in-process Store and StateStore.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	done   map[string]time.Time
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims: make(map[string]memoryClaim),
		done:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// WithClock replaces the store clock. Used by expiry tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *MemoryStore) Claim(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if held, ok := s.claims[key]; ok && now.Before(held.expires) && held.owner != owner {
		return false, nil
	}
	s.claims[key] = memoryClaim{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.claims[key]
	if !ok {
		return nil
	}
	if owner != "" && held.owner != owner {
		return ErrNotHeld
	}
	delete(s.claims, key)
	return nil
}

func (s *MemoryStore) MarkDone(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[key] = s.now()
	return nil
}

func (s *MemoryStore) Done(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[key]
	return ok, nil
}

// Holder returns the current unexpired owner of key.
func (s *MemoryStore) Holder(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.claims[key]
	if !ok || !s.now().Before(held.expires) {
		return "", false
	}
	return held.owner, true
}
