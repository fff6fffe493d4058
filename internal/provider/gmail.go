package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/jordan-wright/email"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/bulkmail/bulkmail/internal/model"
)

// GmailConfig holds the configuration for the Gmail adapter.
// Either CredentialsJSON (service account with domain-wide delegation) or
// ClientID, ClientSecret and RefreshToken must be set.
type GmailConfig struct {
	Name            string
	CredentialsJSON string
	ClientID        string
	ClientSecret    string
	RefreshToken    string
	// From is the mailbox emails are sent from.
	From     string
	FromName string
	Timeout  time.Duration
}

// Gmail sends through the Gmail API
type Gmail struct {
	name     string
	service  *gmail.Service
	from     string
	fromName string
	timeout  time.Duration
}

// NewGmail creates a Gmail adapter
func NewGmail(ctx context.Context, cfg GmailConfig) (*Gmail, error) {
	if cfg.From == "" {
		return nil, errors.New("gmail: sender address is required")
	}
	if cfg.Name == "" {
		cfg.Name = model.ProviderTypeGmail
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}

	var opt option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		jwtConfig, err := google.JWTConfigFromJSON([]byte(cfg.CredentialsJSON), gmail.GmailSendScope)
		if err != nil {
			return nil, fmt.Errorf("gmail: failed to parse credentials: %w", err)
		}
		// Impersonate the sender mailbox
		jwtConfig.Subject = cfg.From
		opt = option.WithHTTPClient(jwtConfig.Client(ctx))
	case cfg.RefreshToken != "":
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailSendScope},
		}
		opt = option.WithHTTPClient(oauthCfg.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}))
	default:
		return nil, errors.New("gmail: credentials json or refresh token is required")
	}

	svc, err := gmail.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to create service: %w", err)
	}

	return &Gmail{
		name:     cfg.Name,
		service:  svc,
		from:     cfg.From,
		fromName: cfg.FromName,
		timeout:  cfg.Timeout,
	}, nil
}

// Name implements Adapter
func (g *Gmail) Name() string { return g.name }

// Send implements Adapter
func (g *Gmail) Send(ctx context.Context, req *model.SendRequest) *model.SendResult {
	if err := CheckRequest(req); err != nil {
		return Failure(g.name, err)
	}

	raw, err := g.buildMIME(req)
	if err != nil {
		return Failure(g.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	sent, err := g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return Failure(g.name, fmt.Errorf("gmail: failed to send email: %w", err))
	}
	return Success(g.name, sent.Id)
}

func (g *Gmail) buildMIME(req *model.SendRequest) ([]byte, error) {
	e := email.NewEmail()
	e.From = g.from
	if g.fromName != "" {
		e.From = (&mail.Address{Name: g.fromName, Address: g.from}).String()
	}
	e.To = req.To
	e.Subject = req.Subject
	if req.ReplyTo != "" {
		e.ReplyTo = []string{req.ReplyTo}
	}
	if req.Text != "" {
		e.Text = []byte(req.Text)
	}
	if req.HTML != "" {
		e.HTML = []byte(req.HTML)
	}
	for _, a := range req.Attachments {
		if _, err := e.Attach(bytes.NewReader(a.Content), a.Filename, contentTypeOrDefault(a.ContentType)); err != nil {
			return nil, fmt.Errorf("gmail: failed to attach %s: %w", a.Filename, err)
		}
	}

	raw, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to build message: %w", err)
	}
	return raw, nil
}
