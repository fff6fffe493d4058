package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bulkmail/bulkmail/internal/model"
)

// MailcowConfig configures a Mailcow API adapter
type MailcowConfig struct {
	Name    string
	APIKey  string
	APIURL  string
	From    string
	Timeout time.Duration
	Client  *http.Client
}

// Mailcow sends through the Mailcow send API
type Mailcow struct {
	name   string
	apiKey string
	apiURL string
	from   string
	api    apiClient
}

type mailcowAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type mailcowMessage struct {
	Recipients  []string            `json:"mailcow_recipients"`
	Subject     string              `json:"mailcow_subject"`
	Body        string              `json:"mailcow_body"`
	MailFrom    string              `json:"mailcow_mail_from"`
	ReplyTo     string              `json:"mailcow_reply_to"`
	Headers     map[string]string   `json:"mailcow_headers"`
	Attachments []mailcowAttachment `json:"mailcow_attachments,omitempty"`
}

type mailcowResponseItem struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id"`
	Msg  json.RawMessage `json:"msg"`
}

// NewMailcow creates a Mailcow adapter
func NewMailcow(cfg MailcowConfig) (*Mailcow, error) {
	if cfg.APIKey == "" || cfg.APIURL == "" {
		return nil, errors.New("mailcow: api key and api url are required")
	}
	if cfg.Name == "" {
		cfg.Name = model.ProviderTypeMailcow
	}
	return &Mailcow{
		name:   cfg.Name,
		apiKey: cfg.APIKey,
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		from:   cfg.From,
		api:    newAPIClient(cfg.Client, cfg.Timeout),
	}, nil
}

// Name implements Adapter
func (m *Mailcow) Name() string { return m.name }

// Send implements Adapter
func (m *Mailcow) Send(ctx context.Context, req *model.SendRequest) *model.SendResult {
	if err := CheckRequest(req); err != nil {
		return Failure(m.name, err)
	}

	from := senderFor(req, m.from)
	replyTo := req.ReplyTo
	if replyTo == "" {
		replyTo = from
	}
	body := req.HTML
	if body == "" {
		body = req.Text
	}

	msg := mailcowMessage{
		Recipients: req.To,
		Subject:    req.Subject,
		Body:       body,
		MailFrom:   from,
		ReplyTo:    replyTo,
		Headers:    map[string]string{},
	}
	for _, a := range req.Attachments {
		msg.Attachments = append(msg.Attachments, mailcowAttachment{
			Filename:    a.Filename,
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			ContentType: contentTypeOrDefault(a.ContentType),
		})
	}

	status, data, err := m.api.postJSON(ctx, m.apiURL+"/api/v1/send/mail", map[string]string{"X-API-Key": m.apiKey}, msg)
	if err != nil {
		return Failure(m.name, fmt.Errorf("mailcow: %w", err))
	}

	var items []mailcowResponseItem
	if err := json.Unmarshal(data, &items); err != nil {
		return Failure(m.name, fmt.Errorf("mailcow: unexpected response (status %d)", status))
	}

	for _, item := range items {
		if item.Type == "success" {
			id := rawString(items[0].ID)
			if id == "" {
				id = uuid.NewString()
			}
			return Success(m.name, id)
		}
	}

	reason := "failed to send email via mailcow"
	if len(items) > 0 {
		if msg := rawString(items[0].Msg); msg != "" {
			reason = "mailcow: " + msg
		}
	}
	return Failure(m.name, errors.New(reason))
}
