package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/bulkmail/bulkmail/internal/logger"
)

// DefaultDNSBLZone is the blocklist queried when none is configured
const DefaultDNSBLZone = "zen.spamhaus.org"

// HostResolver resolves host names. *net.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// BlacklistResult is the outcome of a DNSBL lookup
type BlacklistResult struct {
	IP            string   `json:"ip"`
	IsBlacklisted bool     `json:"isBlacklisted"`
	Codes         []string `json:"codes,omitempty"`
}

// BlacklistService checks sending IPs against a DNS blocklist
type BlacklistService struct {
	resolver HostResolver
	zone     string
	log      *logger.Logger
}

// NewBlacklistService creates a new BlacklistService. A nil resolver uses net.DefaultResolver.
func NewBlacklistService(resolver HostResolver, zone string, log *logger.Logger) *BlacklistService {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if zone == "" {
		zone = DefaultDNSBLZone
	}
	return &BlacklistService{
		resolver: resolver,
		zone:     zone,
		log:      log.WithComponent("dnsbl"),
	}
}

// Check looks up an IPv4 address in the blocklist. Any answer means listed;
// NXDOMAIN means not listed.
func (s *BlacklistService) Check(ctx context.Context, ip string) (*BlacklistResult, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return nil, ErrInvalidIPAddress
	}

	query := reverseIPv4(parsed.To4()) + "." + s.zone
	addrs, err := s.resolver.LookupHost(ctx, query)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return &BlacklistResult{IP: ip}, nil
		}
		return nil, fmt.Errorf("failed to query blocklist: %w", err)
	}

	s.log.Warn().Str("ip", ip).Strs("codes", addrs).Msg("IP is listed on blocklist")
	return &BlacklistResult{IP: ip, IsBlacklisted: len(addrs) > 0, Codes: addrs}, nil
}

func reverseIPv4(ip net.IP) string {
	parts := make([]string, 4)
	for i := 0; i < 4; i++ {
		parts[3-i] = fmt.Sprintf("%d", ip[i])
	}
	return strings.Join(parts, ".")
}
