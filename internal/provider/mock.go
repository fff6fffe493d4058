package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/bulkmail/bulkmail/internal/model"
)

// ErrMockRejected is the error reported by a mock configured to fail
var ErrMockRejected = errors.New("mock provider rejected the message")

// Mock is an in-process adapter for local development and tests. It records
// every request it receives.
type Mock struct {
	name string

	mu       sync.Mutex
	fail     bool
	requests []model.SendRequest
}

// NewMock creates a mock adapter. When fail is set every send fails.
func NewMock(name string, fail bool) *Mock {
	if name == "" {
		name = model.ProviderTypeMock
	}
	return &Mock{name: name, fail: fail}
}

// Name implements Adapter
func (m *Mock) Name() string { return m.name }

// Send implements Adapter
func (m *Mock) Send(ctx context.Context, req *model.SendRequest) *model.SendResult {
	if err := CheckRequest(req); err != nil {
		return Failure(m.name, err)
	}
	if err := ctx.Err(); err != nil {
		return Failure(m.name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, *req)
	if m.fail {
		return Failure(m.name, ErrMockRejected)
	}
	return Success(m.name, "mock-"+uuid.NewString())
}

// SetFail toggles failure mode
func (m *Mock) SetFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

// Requests returns a copy of the requests received so far
func (m *Mock) Requests() []model.SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.SendRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of sends received
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
