package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/model"
)

// Decorator errors
var (
	ErrCircuitOpen  = errors.New("provider circuit breaker is open")
	ErrNoSendingIP  = errors.New("no sending ip available for provider")
	errSendRejected = errors.New("send rejected")
)

// throttled limits the rate of outbound calls to a provider
type throttled struct {
	next    Adapter
	limiter *rate.Limiter
}

// WithThrottle limits next to rps calls per second. A call waits for a
// token until ctx is done.
func WithThrottle(next Adapter, rps float64) Adapter {
	if rps <= 0 {
		return next
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *throttled) Name() string { return t.next.Name() }

func (t *throttled) Unwrap() Adapter { return t.next }

func (t *throttled) Send(ctx context.Context, req *model.SendRequest) *model.SendResult {
	if err := t.limiter.Wait(ctx); err != nil {
		return Failure(t.Name(), fmt.Errorf("throttled: %w", err))
	}
	return Call(ctx, t.next, req)
}

// BreakerSettings configures WithBreaker
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// breaker stops calling a provider after repeated failures
type breaker struct {
	next Adapter
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next in a circuit breaker. While the breaker is open
// sends fail immediately so dispatch moves on to the next provider.
func WithBreaker(next Adapter, s BreakerSettings, log *logger.Logger) Adapter {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 60 * time.Second
	}

	name := next.Name()
	blog := log.WithProvider(name)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			blog.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("provider circuit breaker state changed")
		},
	})
	return &breaker{next: next, cb: cb}
}

func (b *breaker) Name() string { return b.next.Name() }

func (b *breaker) Unwrap() Adapter { return b.next }

func (b *breaker) Send(ctx context.Context, req *model.SendRequest) *model.SendResult {
	// Malformed requests say nothing about provider health
	if err := CheckRequest(req); err != nil {
		return Failure(b.Name(), err)
	}

	out, err := b.cb.Execute(func() (interface{}, error) {
		res := Call(ctx, b.next, req)
		if !res.Success {
			return res, errSendRejected
		}
		return res, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Failure(b.Name(), ErrCircuitOpen)
	}
	if res, ok := out.(*model.SendResult); ok && res != nil {
		return res
	}
	return Failure(b.Name(), err)
}

// BreakerState reports the breaker state of a WithBreaker adapter
func BreakerState(a Adapter) (string, bool) {
	b, ok := a.(*breaker)
	if !ok {
		return "", false
	}
	return b.cb.State().String(), true
}

// IPPicker selects and accounts for sending IPs
type IPPicker interface {
	GetNextAvailableIP(ctx context.Context, providerID string) (*model.ProviderIP, error)
	MarkIPAsUsed(ctx context.Context, ipID string, success bool) error
}

// rotated pins each send to a sending IP from the provider's pool
type rotated struct {
	next       Adapter
	providerID string
	picker     IPPicker
	requireIP  bool
	log        *logger.Logger
}

// WithIPRotation selects a sending IP before each send and records the
// outcome against it afterwards. The chosen address travels in the context
// (see SourceIP). When the pool has no eligible IP the send proceeds without
// one, unless requireIP is set.
func WithIPRotation(next Adapter, providerID string, picker IPPicker, requireIP bool, log *logger.Logger) Adapter {
	return &rotated{
		next:       next,
		providerID: providerID,
		picker:     picker,
		requireIP:  requireIP,
		log:        log.WithProvider(next.Name()),
	}
}

func (r *rotated) Name() string { return r.next.Name() }

func (r *rotated) Unwrap() Adapter { return r.next }

func (r *rotated) Send(ctx context.Context, req *model.SendRequest) *model.SendResult {
	ip, err := r.picker.GetNextAvailableIP(ctx, r.providerID)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to select sending ip")
		ip = nil
	}

	if ip == nil {
		if r.requireIP {
			return Failure(r.Name(), ErrNoSendingIP)
		}
		return Call(ctx, r.next, req)
	}

	res := Call(WithSourceIP(ctx, ip.IPAddress), r.next, req)

	// Accounting must survive a cancelled request
	markCtx := context.WithoutCancel(ctx)
	if err := r.picker.MarkIPAsUsed(markCtx, ip.ID, res.Success); err != nil {
		r.log.Error().Err(err).Str("ip", ip.IPAddress).Msg("Failed to record ip usage")
	}
	return res
}
