package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/model"
	"github.com/bulkmail/bulkmail/internal/provider"
)

// Batch concurrency bounds
const (
	MinBatchConcurrency     = 1
	MaxBatchConcurrency     = 20
	DefaultBatchConcurrency = 5
)

// Email service errors
var (
	ErrNoProvider      = errors.New("no email provider available")
	ErrUnknownProvider = errors.New("unknown email provider")
)

// EventRecorder records delivery events. Implemented by EventService.
type EventRecorder interface {
	Record(ctx context.Context, e *model.EmailEvent) error
}

// EmailService dispatches emails through the provider registry with failover
type EmailService struct {
	registry *provider.Registry
	events   EventRecorder
	log      *logger.Logger
}

// NewEmailService creates a new EmailService. events may be nil.
func NewEmailService(registry *provider.Registry, events EventRecorder, log *logger.Logger) *EmailService {
	return &EmailService{
		registry: registry,
		events:   events,
		log:      log.WithComponent("email"),
	}
}

// SendOne validates req and sends it. providerName, or req.Provider when
// providerName is empty, pins the send to one provider. Without a pinned
// provider the default is tried first, then every other active provider in
// registry order until one succeeds. The last attempted result is returned
// when all fail.
func (s *EmailService) SendOne(ctx context.Context, req *model.SendRequest, providerName string) (*model.SendResult, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	if providerName == "" {
		providerName = req.Provider
	}

	var result *model.SendResult
	if providerName != "" {
		adapter, ok := s.registry.Get(providerName)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
		}
		result = provider.Call(ctx, adapter, req)
	} else {
		adapter, ok := s.registry.GetDefault()
		if !ok {
			return nil, ErrNoProvider
		}
		result = s.sendWithFailover(ctx, adapter, req)
	}

	s.log.DeliveryLog(result.Provider, result.MessageID, req.To, result.Success, result.Error)
	s.record(ctx, req, result)
	return result, nil
}

func (s *EmailService) sendWithFailover(ctx context.Context, first provider.Adapter, req *model.SendRequest) *model.SendResult {
	result := provider.Call(ctx, first, req)
	if result.Success {
		return result
	}

	for _, name := range s.registry.Active() {
		if name == first.Name() {
			continue
		}
		adapter, ok := s.registry.Get(name)
		if !ok {
			continue
		}

		s.log.Warn().
			Str("failed_provider", result.Provider).
			Str("error", result.Error).
			Str("next_provider", name).
			Msg("Send failed, trying next provider")

		result = provider.Call(ctx, adapter, req)
		if result.Success {
			break
		}
	}
	return result
}

// SendBatch sends items in sequential chunks of concurrency. Sends within a
// chunk run concurrently and the next chunk starts once the whole chunk is
// done. Every item yields exactly one result, in input order. concurrency is
// clamped to [MinBatchConcurrency, MaxBatchConcurrency], with 0 meaning
// DefaultBatchConcurrency.
func (s *EmailService) SendBatch(ctx context.Context, items []model.SendRequest, concurrency int, providerName string) []model.SendResult {
	switch {
	case concurrency == 0:
		concurrency = DefaultBatchConcurrency
	case concurrency < MinBatchConcurrency:
		concurrency = MinBatchConcurrency
	case concurrency > MaxBatchConcurrency:
		concurrency = MaxBatchConcurrency
	}

	results := make([]model.SendResult, len(items))
	for start := 0; start < len(items); start += concurrency {
		end := start + concurrency
		if end > len(items) {
			end = len(items)
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				results[i] = s.sendItem(ctx, &items[i], providerName)
				return nil
			})
		}
		_ = g.Wait()
	}

	s.log.Info().
		Int("total", len(items)).
		Int("concurrency", concurrency).
		Msg("Batch send completed")
	return results
}

func (s *EmailService) sendItem(ctx context.Context, req *model.SendRequest, providerName string) (res model.SendResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Strs("to", req.To).Msg("Batch item panicked")
			res = itemFailure(req, providerName, fmt.Errorf("internal error: %v", r))
		}
	}()

	result, err := s.SendOne(ctx, req, providerName)
	if err != nil {
		return itemFailure(req, providerName, err)
	}
	return *result
}

func itemFailure(req *model.SendRequest, providerName string, err error) model.SendResult {
	if providerName == "" {
		providerName = req.Provider
	}
	return model.SendResult{
		Success:  false,
		Error:    err.Error(),
		Provider: providerName,
		To:       append([]string(nil), req.To...),
		Subject:  req.Subject,
	}
}

// ListProviders returns every registered provider name in registry order
func (s *EmailService) ListProviders() []string {
	return s.registry.List()
}

// HasProvider reports whether name is registered and active
func (s *EmailService) HasProvider(name string) bool {
	_, ok := s.registry.Get(name)
	return ok
}

// GetDefaultProvider returns the name of the provider used when none is requested
func (s *EmailService) GetDefaultProvider() string {
	return s.registry.DefaultName()
}

// SetDefaultProvider changes the default provider. It returns false and
// leaves the default unchanged when name is not registered or is inactive.
func (s *EmailService) SetDefaultProvider(name string) bool {
	if !s.registry.SetDefault(name) {
		return false
	}
	s.log.Info().Str("provider", name).Msg("Default provider changed")
	return true
}

// ProviderStatuses describes every registered provider
func (s *EmailService) ProviderStatuses() []ProviderStatus {
	names := s.registry.List()
	def := s.registry.DefaultName()

	statuses := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		e, ok := s.registry.Entry(name)
		if !ok {
			continue
		}
		st := ProviderStatus{
			Name:     e.Name,
			Type:     e.Type,
			Priority: e.Priority,
			Active:   e.Active,
			Default:  e.Name == def,
		}
		if state, ok := provider.BreakerState(e.Adapter); ok {
			st.Breaker = state
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// ProviderStatus describes one registered provider
type ProviderStatus struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
	Default  bool   `json:"default"`
	Breaker  string `json:"breaker,omitempty"`
}

func (s *EmailService) record(ctx context.Context, req *model.SendRequest, result *model.SendResult) {
	if s.events == nil {
		return
	}

	event := &model.EmailEvent{
		EventType: model.EventSent,
		Provider:  strPtr(result.Provider),
		Metadata: map[string]interface{}{
			"subject":    req.Subject,
			"recipients": len(req.To),
		},
	}
	if !result.Success {
		event.EventType = model.EventFailed
		event.Metadata["error"] = result.Error
	}
	if result.MessageID != "" {
		event.MessageID = strPtr(result.MessageID)
	}
	if len(req.To) > 0 {
		event.Recipient = strPtr(req.To[0])
	}

	// The send already happened, so record it even if the caller went away
	if err := s.events.Record(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record delivery event")
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
