package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/model"
	"github.com/bulkmail/bulkmail/internal/repository"
)

const (
	// IPFailureThreshold is the failure count at which an IP is deactivated
	IPFailureThreshold = 3
	// IPReactivationDelay is how long a deactivated IP stays out of rotation
	IPReactivationDelay = 24 * time.Hour
)

// IP rotation errors
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrIPExists         = errors.New("ip address already registered for this provider")
	ErrInvalidIPAddress = errors.New("invalid ip address")
)

// IPStore persists sending IPs. Implemented by repository.ProviderIPRepository.
type IPStore interface {
	SelectAndReserve(ctx context.Context, providerID string, f repository.IPFilter, now time.Time) (*model.ProviderIP, error)
	RecordSuccess(ctx context.Context, id string, now time.Time) error
	RecordFailure(ctx context.Context, id string, now time.Time, threshold int) (*model.ProviderIP, error)
	ReactivateDeactivatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Create(ctx context.Context, ip *model.ProviderIP) error
	Usage(ctx context.Context, providerID string) ([]model.IPUsage, error)
}

// ProviderStore persists provider rows. Implemented by repository.ProviderRepository.
type ProviderStore interface {
	Ensure(ctx context.Context, p *model.EmailProvider) error
	GetByName(ctx context.Context, name string) (*model.EmailProvider, error)
}

// IPRotationService manages the per-provider pool of sending IPs
type IPRotationService struct {
	ips       IPStore
	providers ProviderStore
	cfg       config.IPRotationConfig
	log       *logger.Logger
	now       func() time.Time
}

// NewIPRotationService creates a new IPRotationService
func NewIPRotationService(ips IPStore, providers ProviderStore, cfg config.IPRotationConfig, log *logger.Logger) *IPRotationService {
	return &IPRotationService{
		ips:       ips,
		providers: providers,
		cfg:       cfg,
		log:       log.WithComponent("ip_rotation"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source
func (s *IPRotationService) WithClock(now func() time.Time) *IPRotationService {
	s.now = now
	return s
}

// GetNextAvailableIP reserves the least loaded eligible IP of a provider.
// It returns nil, nil when no IP qualifies, including when lock contention
// persists after the configured retries.
func (s *IPRotationService) GetNextAvailableIP(ctx context.Context, providerID string) (*model.ProviderIP, error) {
	filter := repository.IPFilter{
		Cooldown:  s.cfg.CooldownPeriod,
		MaxEmails: s.cfg.MaxEmailsPerIP,
	}

	retries := s.cfg.MaxSelectRetries
	if retries < 0 {
		retries = 0
	}

	for attempt := 0; attempt <= retries; attempt++ {
		ip, err := s.ips.SelectAndReserve(ctx, providerID, filter, s.now())
		if err == nil {
			return ip, nil
		}
		if !repository.IsConflict(err) {
			return nil, fmt.Errorf("failed to select sending ip: %w", err)
		}

		s.log.Debug().
			Err(err).
			Str("provider_id", providerID).
			Int("attempt", attempt+1).
			Msg("IP selection contended, retrying")

		if err := sleepCtx(ctx, time.Duration(attempt+1)*10*time.Millisecond); err != nil {
			return nil, err
		}
	}

	s.log.Warn().
		Str("provider_id", providerID).
		Int("retries", retries).
		Msg("IP selection still contended after retries, no IP available")
	return nil, nil
}

// MarkIPAsUsed records the outcome of a send through ipID. A failure starts
// the cooldown and deactivates the IP once it reaches IPFailureThreshold.
func (s *IPRotationService) MarkIPAsUsed(ctx context.Context, ipID string, success bool) error {
	now := s.now()

	if success {
		err := s.ips.RecordSuccess(ctx, ipID, now)
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Warn().Str("ip_id", ipID).Msg("Marked unknown IP as used")
			return nil
		}
		return err
	}

	ip, err := s.ips.RecordFailure(ctx, ipID, now, IPFailureThreshold)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Warn().Str("ip_id", ipID).Msg("Recorded failure for unknown IP")
		return nil
	}
	if err != nil {
		return err
	}

	if !ip.IsActive && ip.FailureCount == IPFailureThreshold {
		s.log.Warn().
			Str("ip", ip.IPAddress).
			Str("provider_id", ip.ProviderID).
			Int("failures", ip.FailureCount).
			Msg("IP deactivated after repeated failures")
	}
	return nil
}

// CheckIPHealth reactivates IPs deactivated at least IPReactivationDelay ago
// and returns how many were reactivated.
func (s *IPRotationService) CheckIPHealth(ctx context.Context) (int, error) {
	addresses, err := s.ips.ReactivateDeactivatedBefore(ctx, s.now().Add(-IPReactivationDelay))
	if err != nil {
		return 0, err
	}
	for _, addr := range addresses {
		s.log.Info().Str("ip", addr).Msg("Reactivated IP after cooldown")
	}
	return len(addresses), nil
}

// AddIPToProvider registers a sending IP with the named provider
func (s *IPRotationService) AddIPToProvider(ctx context.Context, providerName, address string, active bool) (*model.ProviderIP, error) {
	if net.ParseIP(address) == nil {
		return nil, ErrInvalidIPAddress
	}

	p, err := s.providers.GetByName(ctx, providerName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	ip := &model.ProviderIP{
		ProviderID: p.ID,
		IPAddress:  address,
		IsActive:   active,
		CreatedAt:  s.now(),
	}
	if err := s.ips.Create(ctx, ip); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			return nil, ErrIPExists
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	s.log.Info().
		Str("provider", providerName).
		Str("ip", address).
		Bool("active", active).
		Msg("IP added to provider")
	return ip, nil
}

// GetIPStats summarises the IP pool, optionally for a single provider
func (s *IPRotationService) GetIPStats(ctx context.Context, providerName string) (*model.IPStats, error) {
	var providerID string
	if providerName != "" {
		p, err := s.providers.GetByName(ctx, providerName)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrProviderNotFound
			}
			return nil, err
		}
		providerID = p.ID
	}

	usage, err := s.ips.Usage(ctx, providerID)
	if err != nil {
		return nil, err
	}

	stats := &model.IPStats{TotalIPs: len(usage), IPUsage: usage}
	for _, u := range usage {
		if u.Status == "active" {
			stats.ActiveIPs++
		}
	}
	return stats, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
