// Package provider holds the email delivery adapters, the registry that
// tracks them, and decorators that add throttling, circuit breaking and
// sending IP rotation to any adapter.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bulkmail/bulkmail/internal/model"
)

// Adapter is the contract every delivery provider implements.
//
// Send never returns an error and must not panic: every failure, including
// timeouts and provider rejections, is reported as a SendResult with
// Success=false. New providers are added by implementing this interface.
type Adapter interface {
	Name() string
	Send(ctx context.Context, req *model.SendRequest) *model.SendResult
}

// Request validation errors reported by adapters before any network call
var (
	ErrNoRecipients = errors.New("at least one recipient is required")
	ErrNoSubject    = errors.New("subject is required")
	ErrNoBody       = errors.New("either text or html content is required")
)

// CheckRequest verifies the minimum an adapter needs to attempt a send
func CheckRequest(req *model.SendRequest) error {
	if req == nil {
		return errors.New("send request is required")
	}
	if len(req.To) == 0 {
		return ErrNoRecipients
	}
	for _, to := range req.To {
		if strings.TrimSpace(to) == "" {
			return ErrNoRecipients
		}
	}
	if strings.TrimSpace(req.Subject) == "" {
		return ErrNoSubject
	}
	if req.Text == "" && req.HTML == "" {
		return ErrNoBody
	}
	return nil
}

// Success builds a successful result
func Success(provider, messageID string) *model.SendResult {
	return &model.SendResult{
		Success:   true,
		MessageID: messageID,
		Provider:  provider,
	}
}

// Failure builds a failed result from err
func Failure(provider string, err error) *model.SendResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &model.SendResult{
		Success:  false,
		Error:    msg,
		Provider: provider,
	}
}

// Call invokes a.Send and guarantees a non-nil result, converting a panic
// inside the adapter into a failure result.
func Call(ctx context.Context, a Adapter, req *model.SendRequest) (res *model.SendResult) {
	defer func() {
		if r := recover(); r != nil {
			res = Failure(a.Name(), fmt.Errorf("provider panicked: %v", r))
		}
	}()

	res = a.Send(ctx, req)
	if res == nil {
		return Failure(a.Name(), errors.New("provider returned no result"))
	}
	if res.Provider == "" {
		res.Provider = a.Name()
	}
	return res
}

type sourceIPKey struct{}

// WithSourceIP returns a context carrying the sending IP chosen for this send.
// Adapters that can bind an outbound address read it with SourceIP.
func WithSourceIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, sourceIPKey{}, ip)
}

// SourceIPBinder is implemented by adapters that send from the address in
// SourceIP. Only these take part in IP rotation.
type SourceIPBinder interface {
	BindsSourceIP() bool
}

// BindsSourceIP reports whether a, or an adapter it decorates, binds the
// sending IP
func BindsSourceIP(a Adapter) bool {
	for a != nil {
		if b, ok := a.(SourceIPBinder); ok {
			return b.BindsSourceIP()
		}
		u, ok := a.(interface{ Unwrap() Adapter })
		if !ok {
			return false
		}
		a = u.Unwrap()
	}
	return false
}

// SourceIP returns the sending IP attached to ctx, if any
func SourceIP(ctx context.Context) string {
	if ip, ok := ctx.Value(sourceIPKey{}).(string); ok {
		return ip
	}
	return ""
}

func senderFor(req *model.SendRequest, fallback string) string {
	if req.From != "" {
		return req.From
	}
	return fallback
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
