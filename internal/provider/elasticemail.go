package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bulkmail/bulkmail/internal/model"
)

// DefaultElasticEmailURL is the Elastic Email v2 send endpoint
const DefaultElasticEmailURL = "https://api.elasticemail.com/v2/email/send"

// ErrAttachmentsUnsupported is returned by adapters that cannot carry files
var ErrAttachmentsUnsupported = errors.New("attachments are not supported by this provider")

// ElasticEmailConfig configures an Elastic Email adapter
type ElasticEmailConfig struct {
	Name     string
	APIKey   string
	APIURL   string
	From     string
	FromName string
	Timeout  time.Duration
	Client   *http.Client
}

// ElasticEmail sends through the Elastic Email v2 form API
type ElasticEmail struct {
	name     string
	apiKey   string
	apiURL   string
	from     string
	fromName string
	api      apiClient
}

type elasticEmailResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		TransactionID string `json:"transactionid"`
		MessageID     string `json:"messageid"`
	} `json:"data"`
}

// NewElasticEmail creates an Elastic Email adapter
func NewElasticEmail(cfg ElasticEmailConfig) (*ElasticEmail, error) {
	if cfg.APIKey == "" || cfg.From == "" {
		return nil, errors.New("elasticemail: api key and sender are required")
	}
	if cfg.Name == "" {
		cfg.Name = model.ProviderTypeElasticEmail
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultElasticEmailURL
	}
	return &ElasticEmail{
		name:     cfg.Name,
		apiKey:   cfg.APIKey,
		apiURL:   cfg.APIURL,
		from:     cfg.From,
		fromName: cfg.FromName,
		api:      newAPIClient(cfg.Client, cfg.Timeout),
	}, nil
}

// Name implements Adapter
func (e *ElasticEmail) Name() string { return e.name }

// Send implements Adapter. Attachments are rejected so dispatch can fail
// over to a provider that carries them instead of silently dropping files.
func (e *ElasticEmail) Send(ctx context.Context, req *model.SendRequest) *model.SendResult {
	if err := CheckRequest(req); err != nil {
		return Failure(e.name, err)
	}
	if len(req.Attachments) > 0 {
		return Failure(e.name, fmt.Errorf("elasticemail: %w", ErrAttachmentsUnsupported))
	}

	form := url.Values{}
	form.Set("apikey", e.apiKey)
	form.Set("from", senderFor(req, e.from))
	if e.fromName != "" {
		form.Set("fromName", e.fromName)
	}
	form.Set("to", strings.Join(req.To, ";"))
	form.Set("subject", req.Subject)
	if req.HTML != "" {
		form.Set("bodyHtml", req.HTML)
	}
	if req.Text != "" {
		form.Set("bodyText", req.Text)
	}
	if req.ReplyTo != "" {
		form.Set("replyTo", req.ReplyTo)
	}

	status, data, err := e.api.postForm(ctx, e.apiURL, form.Encode())
	if err != nil {
		return Failure(e.name, fmt.Errorf("elasticemail: %w", err))
	}

	var resp elasticEmailResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Failure(e.name, fmt.Errorf("elasticemail: unexpected response (status %d)", status))
	}
	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = "failed to send email via elasticemail"
		}
		return Failure(e.name, errors.New(reason))
	}

	id := resp.Data.TransactionID
	if id == "" {
		id = resp.Data.MessageID
	}
	if id == "" {
		id = uuid.NewString()
	}
	return Success(e.name, id)
}
