package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxResponseBody    = 1 << 20
)

// apiClient is the transport shared by the HTTP API adapters
type apiClient struct {
	http    *http.Client
	timeout time.Duration
}

func newAPIClient(client *http.Client, timeout time.Duration) apiClient {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return apiClient{http: client, timeout: timeout}
}

// postJSON sends payload as JSON and returns the status and raw body
func (c apiClient) postJSON(ctx context.Context, url string, headers map[string]string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request: %w", err)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return c.do(ctx, http.MethodPost, url, headers, bytes.NewReader(body))
}

// postForm sends an application/x-www-form-urlencoded body
func (c apiClient) postForm(ctx context.Context, url string, form string) (int, []byte, error) {
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	return c.do(ctx, http.MethodPost, url, headers, strings.NewReader(form))
}

func (c apiClient) do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// rawString renders a JSON scalar as text, unquoting strings
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
