package bulkmail

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIError represents an error response from the BulkMail API.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("bulkmail: API error %d [%s]: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("bulkmail: API error %d: %s", e.StatusCode, e.Message)
}

// RateLimitError is returned when the API answers 429
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("bulkmail: rate limited, retry after %s", e.RetryAfter)
}

// errorEnvelope covers the API's error bodies: the nested {"error":{code,message}}
// form, the flat {"success":false,"error":"..."} form used by the send routes and
// the rate limiter's {"status":"error","message":...,"retryAfter":n}.
type errorEnvelope struct {
	Error      json.RawMessage   `json:"error"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields"`
	RetryAfter int64             `json:"retryAfter"`
}

func parseAPIError(resp *http.Response, body []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)

	if resp.StatusCode == http.StatusTooManyRequests {
		secs := env.RetryAfter
		if h := resp.Header.Get("Retry-After"); h != "" {
			if n, err := strconv.ParseInt(h, 10, 64); err == nil {
				secs = n
			}
		}
		return &RateLimitError{Message: env.Message, RetryAfter: time.Duration(secs) * time.Second}
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: env.Message, Fields: env.Fields}
	if len(env.Error) > 0 {
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(env.Error, &flat) == nil:
			apiErr.Message = flat
		case json.Unmarshal(env.Error, &nested) == nil:
			apiErr.Code = nested.Code
			apiErr.Message = nested.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}

// IsAPIError checks whether err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRateLimited checks whether err is a RateLimitError and returns it.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}
