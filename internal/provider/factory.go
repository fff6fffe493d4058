package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"time"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/model"
)

// Built is an adapter constructed from configuration
type Built struct {
	Name     string
	Type     string
	Priority int
	Config   config.ProviderConfig
	Adapter  Adapter
}

// New constructs the base adapter for one configured provider
func New(ctx context.Context, name string, pc config.ProviderConfig, timeout time.Duration) (Adapter, error) {
	var (
		a   Adapter
		err error
	)

	switch pc.Type {
	case model.ProviderTypeSMTPCom:
		var p *SMTPCom
		p, err = NewSMTPCom(SMTPComConfig{
			Name: name, APIKey: pc.APIKey, APIURL: pc.APIURL,
			From: pc.From, FromName: pc.FromName, Timeout: timeout,
		})
		a = p
	case model.ProviderTypeMailcow:
		var p *Mailcow
		p, err = NewMailcow(MailcowConfig{
			Name: name, APIKey: pc.APIKey, APIURL: pc.APIURL,
			From: pc.From, Timeout: timeout,
		})
		a = p
	case model.ProviderTypeElasticEmail:
		var p *ElasticEmail
		p, err = NewElasticEmail(ElasticEmailConfig{
			Name: name, APIKey: pc.APIKey, APIURL: pc.APIURL,
			From: pc.From, FromName: pc.FromName, Timeout: timeout,
		})
		a = p
	case model.ProviderTypeSMTP:
		var p *SMTP
		p, err = NewSMTP(SMTPConfig{
			Name: name, Host: pc.Host, Port: pc.Port,
			Username: pc.Username, Password: pc.Password,
			From: pc.From, FromName: pc.FromName, Timeout: timeout,
			TLSConfig: &tls.Config{ServerName: pc.Host, MinVersion: tls.VersionTLS12},
		})
		a = p
	case model.ProviderTypeGmail:
		var p *Gmail
		p, err = NewGmail(ctx, GmailConfig{
			Name: name, CredentialsJSON: pc.CredentialsJSON,
			ClientID: pc.ClientID, ClientSecret: pc.ClientSecret, RefreshToken: pc.RefreshToken,
			From: pc.From, FromName: pc.FromName, Timeout: timeout,
		})
		a = p
	case model.ProviderTypeMock:
		a = NewMock(name, pc.Fail)
	default:
		err = fmt.Errorf("unknown provider type %q", pc.Type)
	}

	// a holds a typed nil pointer when construction failed
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Build constructs every configured provider. A provider that cannot be
// constructed, usually because its credentials are missing, is logged and
// left out. The result is sorted by priority, then name.
func Build(ctx context.Context, cfg config.EmailConfig, log *logger.Logger) []Built {
	log = log.WithComponent("provider_factory")

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	built := make([]Built, 0, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]
		if pc.Type == "" {
			pc.Type = name
		}

		adapter, err := New(ctx, name, pc, cfg.CallTimeout)
		if err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("Provider not configured, skipping")
			continue
		}

		built = append(built, Built{
			Name:     name,
			Type:     pc.Type,
			Priority: pc.Priority,
			Config:   pc,
			Adapter:  WithThrottle(adapter, pc.RequestsPerSecond),
		})
		log.Info().Str("provider", name).Str("type", pc.Type).Int("priority", pc.Priority).Msg("Provider initialized")
	}

	sort.SliceStable(built, func(i, j int) bool {
		return built[i].Priority < built[j].Priority
	})
	return built
}

// Decorate applies IP rotation (when picker is set and the adapter binds a
// source IP) and the circuit breaker configured for b. The breaker is
// outermost so an open circuit does not consume a sending IP.
func Decorate(b Built, providerID string, picker IPPicker, requireIP bool, log *logger.Logger) Adapter {
	a := b.Adapter
	if picker != nil && providerID != "" {
		if BindsSourceIP(a) {
			a = WithIPRotation(a, providerID, picker, requireIP, log)
		} else {
			log.Info().Str("provider", b.Name).Msg("Provider cannot bind a sending IP, IP rotation not applied")
		}
	}
	if b.Config.Breaker.Enabled {
		a = WithBreaker(a, BreakerSettings{
			ConsecutiveFailures: b.Config.Breaker.ConsecutiveFailures,
			OpenTimeout:         b.Config.Breaker.OpenTimeout,
		}, log)
	}
	return a
}
