package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeCase struct {
	name    string
	store   ratelimit.Store
	advance func(time.Duration)
}

func storeCases(t *testing.T) []storeCase {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := ratelimit.NewMemoryStore().WithClock(clock.Now)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return []storeCase{
		{name: "memory", store: mem, advance: clock.Advance},
		{name: "redis", store: ratelimit.NewRedisStore(client), advance: mr.FastForward},
	}
}

func TestConsumeWindow(t *testing.T) {
	for _, sc := range storeCases(t) {
		sc := sc
		t.Run(sc.name, func(t *testing.T) {
			l := ratelimit.New(sc.store, map[string]ratelimit.Policy{
				"email": {Points: 5, Duration: time.Minute},
			}, logger.Nop())
			ctx := context.Background()

			for i, want := range []int{4, 3, 2, 1, 0} {
				res, err := l.Consume(ctx, "email", "client-1", 1)
				if err != nil {
					t.Fatalf("consume %d: %v", i, err)
				}
				if !res.Allowed || res.Remaining != want {
					t.Fatalf("consume %d: allowed=%v remaining=%d, want remaining %d", i, res.Allowed, res.Remaining, want)
				}
			}

			res, err := l.Consume(ctx, "email", "client-1", 1)
			if err != nil {
				t.Fatalf("sixth consume: %v", err)
			}
			if res.Allowed {
				t.Fatalf("expected sixth consume to be denied")
			}
			if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
				t.Fatalf("RetryAfter = %s, want within the window", res.RetryAfter)
			}

			// Other identifiers have their own budget
			other, _ := l.Consume(ctx, "email", "client-2", 1)
			if !other.Allowed || other.Remaining != 4 {
				t.Fatalf("expected independent budget, got %+v", other)
			}

			sc.advance(time.Minute + time.Second)
			res, err = l.Consume(ctx, "email", "client-1", 1)
			if err != nil {
				t.Fatalf("consume after window: %v", err)
			}
			if !res.Allowed || res.Remaining != 4 {
				t.Fatalf("expected budget reset after window, got %+v", res)
			}
		})
	}
}

func TestConsumeBlockDuration(t *testing.T) {
	for _, sc := range storeCases(t) {
		sc := sc
		t.Run(sc.name, func(t *testing.T) {
			l := ratelimit.New(sc.store, map[string]ratelimit.Policy{
				"auth": {Points: 2, Duration: time.Minute, BlockDuration: 30 * time.Minute},
			}, logger.Nop())
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				if res, _ := l.Consume(ctx, "auth", "1.2.3.4", 1); !res.Allowed {
					t.Fatalf("consume %d should be allowed", i)
				}
			}

			res, _ := l.Consume(ctx, "auth", "1.2.3.4", 1)
			if res.Allowed || res.RetryAfter != 30*time.Minute {
				t.Fatalf("expected block of 30m, got allowed=%v retryAfter=%s", res.Allowed, res.RetryAfter)
			}

			// The block outlives the window
			sc.advance(2 * time.Minute)
			res, _ = l.Consume(ctx, "auth", "1.2.3.4", 1)
			if res.Allowed {
				t.Fatalf("expected block to hold after the window reset")
			}
			if res.RetryAfter <= time.Minute || res.RetryAfter > 28*time.Minute {
				t.Fatalf("RetryAfter = %s, want remaining block", res.RetryAfter)
			}

			sc.advance(29 * time.Minute)
			res, _ = l.Consume(ctx, "auth", "1.2.3.4", 1)
			if !res.Allowed {
				t.Fatalf("expected access after the block expired, got %+v", res)
			}
		})
	}
}

func TestConsumeConcurrent(t *testing.T) {
	for _, sc := range storeCases(t) {
		sc := sc
		t.Run(sc.name, func(t *testing.T) {
			l := ratelimit.New(sc.store, map[string]ratelimit.Policy{
				"api": {Points: 10, Duration: time.Minute},
			}, logger.Nop())

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := l.Consume(context.Background(), "api", "shared", 1)
					if err != nil {
						t.Errorf("consume: %v", err)
						return
					}
					if res.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if allowed != 10 {
				t.Fatalf("expected exactly 10 allowed, got %d", allowed)
			}
		})
	}
}

type brokenStore struct{}

func (brokenStore) Consume(context.Context, string, int, ratelimit.Policy) (ratelimit.Usage, error) {
	return ratelimit.Usage{}, errors.New("connection refused")
}

func TestStoreFailurePolicy(t *testing.T) {
	l := ratelimit.New(brokenStore{}, map[string]ratelimit.Policy{
		"api":  {Points: 100, Duration: time.Minute},
		"auth": {Points: 5, Duration: time.Minute, FailClosed: true},
	}, logger.Nop())
	ctx := context.Background()

	res, err := l.Consume(ctx, "api", "x", 1)
	if err != nil || !res.Allowed || !res.Degraded {
		t.Fatalf("expected fail-open allow, got %+v, %v", res, err)
	}

	if _, err := l.Consume(ctx, "auth", "x", 1); !errors.Is(err, ratelimit.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestUnknownScope(t *testing.T) {
	l := ratelimit.New(ratelimit.NewMemoryStore(), nil, logger.Nop())
	if _, err := l.Consume(context.Background(), "nope", "x", 1); !errors.Is(err, ratelimit.ErrUnknownScope) {
		t.Fatalf("expected ErrUnknownScope, got %v", err)
	}
}

func TestMemoryStoreCleanup(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := ratelimit.NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()

	_, _ = store.Consume(ctx, "a", 1, ratelimit.Policy{Points: 1, Duration: time.Minute})
	_, _ = store.Consume(ctx, "b", 1, ratelimit.Policy{Points: 1, Duration: time.Hour})

	clock.Advance(2 * time.Minute)
	removed, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 || store.Len() != 1 {
		t.Fatalf("expected 1 removed and 1 left, got removed=%d len=%d", removed, store.Len())
	}
}
