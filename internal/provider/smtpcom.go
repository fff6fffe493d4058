package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bulkmail/bulkmail/internal/model"
)

// DefaultSMTPComURL is the SMTP.com v4 messages endpoint
const DefaultSMTPComURL = "https://api.smtp.com/v4/messages"

// SMTPComConfig configures an SMTP.com API adapter
type SMTPComConfig struct {
	Name     string
	APIKey   string
	APIURL   string
	From     string
	FromName string
	Timeout  time.Duration
	Client   *http.Client
}

// SMTPCom sends through the SMTP.com REST API
type SMTPCom struct {
	name     string
	apiKey   string
	apiURL   string
	from     string
	fromName string
	api      apiClient
}

type smtpcomAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Email   string `json:"email,omitempty"`
}

type smtpcomAttachment struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	Disposition string `json:"disposition"`
}

type smtpcomMessage struct {
	Channel     string              `json:"channel"`
	Subject     string              `json:"subject"`
	HTML        string              `json:"html,omitempty"`
	Text        string              `json:"text,omitempty"`
	From        smtpcomAddress      `json:"from"`
	To          []smtpcomAddress    `json:"to"`
	ReplyTo     *smtpcomAddress     `json:"reply_to,omitempty"`
	Attachments []smtpcomAttachment `json:"attachments,omitempty"`
}

type smtpcomResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		MessageID string `json:"message_id"`
		Message   string `json:"message"`
	} `json:"data"`
}

// NewSMTPCom creates an SMTP.com adapter
func NewSMTPCom(cfg SMTPComConfig) (*SMTPCom, error) {
	if cfg.APIKey == "" || cfg.From == "" {
		return nil, errors.New("smtpcom: api key and sender are required")
	}
	if cfg.Name == "" {
		cfg.Name = model.ProviderTypeSMTPCom
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultSMTPComURL
	}
	return &SMTPCom{
		name:     cfg.Name,
		apiKey:   cfg.APIKey,
		apiURL:   cfg.APIURL,
		from:     cfg.From,
		fromName: cfg.FromName,
		api:      newAPIClient(cfg.Client, cfg.Timeout),
	}, nil
}

// Name implements Adapter
func (s *SMTPCom) Name() string { return s.name }

// Send implements Adapter
func (s *SMTPCom) Send(ctx context.Context, req *model.SendRequest) *model.SendResult {
	if err := CheckRequest(req); err != nil {
		return Failure(s.name, err)
	}

	msg := smtpcomMessage{
		Channel: "smtpcom",
		Subject: req.Subject,
		HTML:    req.HTML,
		Text:    req.Text,
		From:    smtpcomAddress{Name: s.fromName, Address: senderFor(req, s.from)},
	}
	for _, to := range req.To {
		msg.To = append(msg.To, smtpcomAddress{Email: to})
	}
	if req.ReplyTo != "" {
		msg.ReplyTo = &smtpcomAddress{Address: req.ReplyTo}
	}
	for _, a := range req.Attachments {
		msg.Attachments = append(msg.Attachments, smtpcomAttachment{
			Filename:    a.Filename,
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			Type:        contentTypeOrDefault(a.ContentType),
			Disposition: "attachment",
		})
	}

	status, data, err := s.api.postJSON(ctx, s.apiURL, map[string]string{"Authorization": "Bearer " + s.apiKey}, msg)
	if err != nil {
		return Failure(s.name, fmt.Errorf("smtpcom: %w", err))
	}

	var resp smtpcomResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Failure(s.name, fmt.Errorf("smtpcom: unexpected response (status %d)", status))
	}
	if status < 300 && resp.Data.MessageID != "" {
		return Success(s.name, resp.Data.MessageID)
	}

	reason := resp.Message
	if reason == "" {
		reason = resp.Data.Message
	}
	if reason == "" {
		reason = fmt.Sprintf("failed to send email via smtp.com (status %d)", status)
	}
	return Failure(s.name, errors.New(reason))
}
