package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryWindow struct {
	consumed     int
	resetAt      time.Time
	blockedUntil time.Time
}

// MemoryStore keeps counters in process. It is only correct for a single
// instance and is used for local development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

// NewMemoryStore creates an in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

// WithClock replaces the time source
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Consume implements Store
func (s *MemoryStore) Consume(ctx context.Context, key string, points int, p Policy) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if ok && now.Before(w.blockedUntil) {
		return Usage{ResetIn: w.blockedUntil.Sub(now), Blocked: true}, nil
	}
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(p.Duration)}
		s.windows[key] = w
	}

	w.consumed += points
	if w.consumed > p.Points && p.BlockDuration > 0 {
		w.blockedUntil = now.Add(p.BlockDuration)
		return Usage{Consumed: w.consumed, ResetIn: p.BlockDuration, Blocked: true}, nil
	}
	return Usage{Consumed: w.consumed, ResetIn: w.resetAt.Sub(now)}, nil
}

// Cleanup drops windows that have expired and are not blocked. It returns
// the number of entries removed.
func (s *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.resetAt) && !now.Before(w.blockedUntil) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked keys
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
