// Package ratelimit enforces point budgets per (scope, identifier) over a
// fixed window, with an optional block period once a budget is exhausted.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/logger"
)

// Limiter errors
var (
	ErrUnknownScope = errors.New("unknown rate limit scope")
	// ErrStoreUnavailable is returned for fail-closed scopes when the counter
	// store cannot be reached.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Policy is the budget for one scope
type Policy struct {
	Points        int
	Duration      time.Duration
	BlockDuration time.Duration
	// FailClosed denies requests when the store is unreachable.
	FailClosed bool
}

// Usage is what a store reports after consuming points
type Usage struct {
	Consumed int
	// ResetIn is the time left in the window, or in the block when Blocked.
	ResetIn time.Duration
	Blocked bool
}

// Store holds counters. Consume must be atomic for concurrent callers
// sharing a key.
type Store interface {
	Consume(ctx context.Context, key string, points int, p Policy) (Usage, error)
}

// Result is the decision for one consumption
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetIn is the time until the budget resets (or the block lifts).
	ResetIn time.Duration
	// RetryAfter is set on denial.
	RetryAfter time.Duration
	// Degraded is set when the store failed and the scope fails open.
	Degraded bool
}

// ResetAt returns the absolute reset time relative to now
func (r *Result) ResetAt(now time.Time) time.Time {
	return now.Add(r.ResetIn)
}

// Limiter applies per-scope policies on top of a Store
type Limiter struct {
	store    Store
	policies map[string]Policy
	log      *logger.Logger
}

// New creates a limiter for the given scopes
func New(store Store, policies map[string]Policy, log *logger.Logger) *Limiter {
	return &Limiter{
		store:    store,
		policies: policies,
		log:      log.WithComponent("rate_limiter"),
	}
}

// PoliciesFromConfig converts configured scopes into policies
func PoliciesFromConfig(scopes map[string]config.RateLimitPolicy) map[string]Policy {
	out := make(map[string]Policy, len(scopes))
	for name, s := range scopes {
		out[name] = Policy{
			Points:        s.Points,
			Duration:      s.Duration,
			BlockDuration: s.BlockDuration,
			FailClosed:    s.FailClosed,
		}
	}
	return out
}

// Policy returns the policy for scope
func (l *Limiter) Policy(scope string) (Policy, bool) {
	p, ok := l.policies[scope]
	return p, ok
}

// Consume spends points from the (scope, identifier) budget. Points below 1
// count as 1.
func (l *Limiter) Consume(ctx context.Context, scope, identifier string, points int) (*Result, error) {
	p, ok := l.policies[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	if points < 1 {
		points = 1
	}

	usage, err := l.store.Consume(ctx, Key(scope, identifier), points, p)
	if err != nil {
		if p.FailClosed {
			l.log.Error().Err(err).Str("scope", scope).Msg("Rate limit store unavailable, denying request")
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		l.log.Warn().Err(err).Str("scope", scope).Msg("Rate limit store unavailable, allowing request")
		return &Result{Allowed: true, Limit: p.Points, Remaining: p.Points, ResetIn: p.Duration, Degraded: true}, nil
	}

	res := &Result{
		Limit:   p.Points,
		ResetIn: usage.ResetIn,
	}
	if usage.Blocked || usage.Consumed > p.Points {
		res.Allowed = false
		res.Remaining = 0
		res.RetryAfter = usage.ResetIn
		return res, nil
	}

	res.Allowed = true
	res.Remaining = p.Points - usage.Consumed
	return res, nil
}

// Key builds the counter key for a scope and identifier
func Key(scope, identifier string) string {
	return scope + ":" + identifier
}
