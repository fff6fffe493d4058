package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/bulkmail/bulkmail/internal/ratelimit"
)

// KeyFunc picks the rate limit identifier for a request
type KeyFunc func(*http.Request) string

// RateLimit spends one point of scope per request. Every response carries
// X-RateLimit-* headers. A denied request gets 429 with Retry-After; a
// fail-closed scope whose store is down gets 503.
func (m *Middleware) RateLimit(scope string, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.limiter == nil || !m.cfg.Security.RateLimiting.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			res, err := m.limiter.Consume(r.Context(), scope, keyFn(r), 1)
			if err != nil {
				if errors.Is(err, ratelimit.ErrStoreUnavailable) {
					writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
						"status":  "error",
						"message": "Rate limiting is temporarily unavailable. Please try again later.",
					})
					return
				}
				m.log.Error().Err(err).Str("scope", scope).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt(time.Now()).Unix(), 10))

			if !res.Allowed {
				retryAfter := ceilSeconds(res.RetryAfter)
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"status":     "error",
					"message":    "Too many requests, please try again later.",
					"retryAfter": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPKey returns the client IP address as the rate limit key
func IPKey(r *http.Request) string {
	return ClientIP(r)
}

// SubjectOrIPKey keys authenticated requests by token subject and the rest by client IP
func SubjectOrIPKey(r *http.Request) string {
	if subject := GetSubject(r.Context()); subject != "" {
		return "sub:" + subject
	}
	return ClientIP(r)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Seconds()))
}
