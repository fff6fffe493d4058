// Package bulkmail is a client for the BulkMail HTTP API.
package bulkmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the configuration for the BulkMail client.
type Config struct {
	// BaseURL is the root URL of the BulkMail server.
	// Examples: "https://mail.example.com" or "https://mail.example.com/api/v1"
	// The "/api/v1" suffix is appended automatically if missing.
	BaseURL string

	// Token is sent as a bearer token when set.
	Token string

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with a 2 minute timeout is used, long enough
	// for large batches.
	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL = c.BaseURL + "/api/v1"
	}
}

// Client is the BulkMail SDK client.
type Client struct {
	cfg Config
}

// NewClient creates a new BulkMail client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{cfg: cfg}
}

// Send sends one email. When every provider fails the API still returns a
// result naming the last provider tried; it is returned alongside an *APIError.
func (c *Client) Send(ctx context.Context, email Email) (*SendResult, error) {
	var result SendResult
	err := c.do(ctx, http.MethodPost, "/email/send", email, &result)
	if err != nil {
		if apiErr, ok := IsAPIError(err); ok && apiErr.StatusCode == http.StatusInternalServerError && result.Provider != "" {
			return &result, err
		}
		return nil, err
	}
	return &result, nil
}

// SendBatch sends many emails. Individual failures are reported in the
// results; the error is only set when the whole batch was rejected.
func (c *Client) SendBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	var result BatchResult
	if err := c.do(ctx, http.MethodPost, "/email/send-batch", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Providers lists the registered providers and the current default.
func (c *Client) Providers(ctx context.Context) (*Providers, error) {
	var result Providers
	if err := c.do(ctx, http.MethodGet, "/email/providers", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetDefaultProvider changes the provider used when a send names none.
func (c *Client) SetDefaultProvider(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/email/providers/default", map[string]string{"provider": name}, nil)
}

// TrackEvent records a delivery event and returns its id.
func (c *Client) TrackEvent(ctx context.Context, event Event) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/email/events", event, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// Stats returns delivery statistics for r.
func (c *Client) Stats(ctx context.Context, r StatsRange) (*Stats, error) {
	q := url.Values{}
	if !r.From.IsZero() {
		q.Set("from", r.From.UTC().Format(time.RFC3339))
	}
	if !r.To.IsZero() {
		q.Set("to", r.To.UTC().Format(time.RFC3339))
	}
	path := "/email/stats"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var result Stats
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do sends a request to the BulkMail API and decodes the response into out.
// On a 5xx response out is still populated when the body decodes.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("bulkmail: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("bulkmail: failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("bulkmail: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bulkmail: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if out != nil && resp.StatusCode >= 500 {
			_ = json.Unmarshal(body, out)
		}
		return parseAPIError(resp, body)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("bulkmail: failed to parse response: %w", err)
		}
	}
	return nil
}
