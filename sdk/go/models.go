package bulkmail

import "time"

// Attachment is a file sent with a message. Content is base64 encoded on the wire.
type Attachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

// Email is a single message to send. At least one of Text or HTML is required.
type Email struct {
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	From        string       `json:"from,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Provider pins the send to one provider and disables failover.
	Provider string `json:"provider,omitempty"`
}

// SendResult is the outcome of one send
type SendResult struct {
	Success   bool     `json:"success"`
	MessageID string   `json:"messageId,omitempty"`
	Error     string   `json:"error,omitempty"`
	Provider  string   `json:"provider,omitempty"`
	To        []string `json:"to,omitempty"`
	Subject   string   `json:"subject,omitempty"`
}

// BatchRequest sends many emails with bounded concurrency
type BatchRequest struct {
	Emails []Email `json:"emails"`
	// Concurrency must be between 1 and 20. Zero uses the server default.
	Concurrency int    `json:"concurrency,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

// BatchResult holds per-email results in request order
type BatchResult struct {
	Total   int          `json:"total"`
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Results []SendResult `json:"results"`
}

// ProviderDetail describes one registered provider
type ProviderDetail struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
	Default  bool   `json:"default"`
	Breaker  string `json:"breaker,omitempty"`
}

// Providers is the response of the provider listing
type Providers struct {
	Providers       []string         `json:"providers"`
	DefaultProvider string           `json:"defaultProvider"`
	Details         []ProviderDetail `json:"details,omitempty"`
}

// Event is a delivery event reported back to the service, e.g. from a webhook
type Event struct {
	Type      string                 `json:"type"`
	MessageID string                 `json:"messageId"`
	Recipient string                 `json:"recipient,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	IPAddress string                 `json:"ipAddress,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Stats aggregates delivery events over a time range
type Stats struct {
	Total      int            `json:"total"`
	Success    int            `json:"success"`
	Failed     int            `json:"failed"`
	ByStatus   map[string]int `json:"byStatus"`
	ByProvider map[string]int `json:"byProvider"`
	ByHour     map[string]int `json:"byHour"`
}

// StatsRange bounds a stats query. Zero values use the server defaults.
type StatsRange struct {
	From time.Time
	To   time.Time
}
