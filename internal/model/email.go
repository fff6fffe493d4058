package model

import (
	"encoding/json"
	"fmt"
)

// Recipients accepts either a single address or a list of addresses in JSON
type Recipients []string

// UnmarshalJSON implements json.Unmarshaler
func (r *Recipients) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*r = Recipients{}
		} else {
			*r = Recipients{single}
		}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("recipients must be a string or an array of strings")
	}
	*r = list
	return nil
}

// Attachment is a file carried by an outbound email
type Attachment struct {
	Filename    string `json:"filename" validate:"required"`
	Content     []byte `json:"content" validate:"required"`
	ContentType string `json:"contentType,omitempty"`
}

// SendRequest is a single outbound email as accepted by the gateway.
// At least one of Text or HTML must be set.
type SendRequest struct {
	To          Recipients   `json:"to" validate:"required,min=1,dive,required,email"`
	Subject     string       `json:"subject" validate:"required"`
	Text        string       `json:"text,omitempty" validate:"required_without=HTML"`
	HTML        string       `json:"html,omitempty" validate:"required_without=Text"`
	From        string       `json:"from,omitempty" validate:"omitempty,email"`
	ReplyTo     string       `json:"replyTo,omitempty" validate:"omitempty,email"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"omitempty,dive"`
	Provider    string       `json:"provider,omitempty"`
}

// SendResult is the outcome of a send. MessageID is set only on success and
// Error only on failure. Provider names the adapter that handled, or last
// attempted, the send.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
	Provider  string `json:"provider,omitempty"`

	// To and Subject are filled on batch items that failed before reaching
	// a provider so callers can correlate them.
	To      []string `json:"to,omitempty"`
	Subject string   `json:"subject,omitempty"`
}

// BatchRequest is an ordered list of sends dispatched with bounded concurrency
type BatchRequest struct {
	Emails      []SendRequest `json:"emails" validate:"required,min=1,max=1000"`
	Concurrency int           `json:"concurrency,omitempty" validate:"omitempty,min=1,max=20"`
	Provider    string        `json:"provider,omitempty"`
}

// BatchSummary aggregates the results of a batch
type BatchSummary struct {
	Total   int          `json:"total"`
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Results []SendResult `json:"results"`
}

// NewBatchSummary counts successes and failures in results
func NewBatchSummary(results []SendResult) *BatchSummary {
	s := &BatchSummary{Total: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			s.Success++
		} else {
			s.Failed++
		}
	}
	return s
}
