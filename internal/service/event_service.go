package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/events"
	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/model"
	"github.com/bulkmail/bulkmail/internal/repository"
)

// DefaultStatsWindow is the range used when a stats query omits it
const DefaultStatsWindow = 24 * time.Hour

// EventStore persists delivery events. Implemented by repository.EmailEventRepository.
type EventStore interface {
	Create(ctx context.Context, e *model.EmailEvent) error
	CountBuckets(ctx context.Context, from, to time.Time) ([]repository.EventBucket, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TrackEventRequest is a delivery event reported by a provider webhook
type TrackEventRequest struct {
	Type      string                 `json:"type" validate:"required"`
	MessageID string                 `json:"messageId" validate:"required"`
	Recipient string                 `json:"recipient,omitempty" validate:"omitempty,email"`
	Provider  string                 `json:"provider,omitempty"`
	IPAddress string                 `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// EventService records delivery events and reports on them
type EventService struct {
	store     EventStore
	publisher events.Publisher
	cfg       config.EventsConfig
	log       *logger.Logger
	now       func() time.Time
}

// NewEventService creates a new EventService. publisher may be nil.
func NewEventService(store EventStore, publisher events.Publisher, cfg config.EventsConfig, log *logger.Logger) *EventService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &EventService{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		log:       log.WithComponent("events"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source
func (s *EventService) WithClock(now func() time.Time) *EventService {
	s.now = now
	return s
}

// Record stores e and publishes it. A publish failure is logged and does not
// fail the call.
func (s *EventService) Record(ctx context.Context, e *model.EmailEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	if err := s.store.Create(ctx, e); err != nil {
		return err
	}

	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.Warn().
			Err(err).
			Str("event_id", e.ID).
			Str("event_type", e.EventType).
			Msg("Failed to publish email event")
	}
	return nil
}

// Track validates and records a webhook event
func (s *EventService) Track(ctx context.Context, req *TrackEventRequest) (*model.EmailEvent, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if !model.ValidEventTypes[req.Type] {
		return nil, NewValidationError("type", "unknown event type")
	}

	e := &model.EmailEvent{
		EventType: req.Type,
		MessageID: strPtr(req.MessageID),
		Recipient: strPtr(req.Recipient),
		Provider:  strPtr(req.Provider),
		IPAddress: strPtr(req.IPAddress),
		Metadata:  req.Details,
	}
	if err := s.Record(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to track email event: %w", err)
	}

	s.log.Debug().
		Str("event_type", e.EventType).
		Str("message_id", req.MessageID).
		Msg("Tracked email event")
	return e, nil
}

// Stats aggregates events in [from, to]. A zero to means now and a zero
// from means DefaultStatsWindow before to.
func (s *EventService) Stats(ctx context.Context, from, to time.Time) (*model.EmailStats, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-DefaultStatsWindow)
	}
	if from.After(to) {
		return nil, NewValidationError("from", "must not be after to")
	}

	buckets, err := s.store.CountBuckets(ctx, from, to)
	if err != nil {
		return nil, err
	}

	stats := &model.EmailStats{
		ByStatus:   map[string]int{},
		ByProvider: map[string]int{},
		ByHour:     map[string]int{},
	}
	for _, b := range buckets {
		stats.Total += b.Count
		stats.ByStatus[b.EventType] += b.Count
		if b.Provider != "" {
			stats.ByProvider[b.Provider] += b.Count
		}
		stats.ByHour[b.Hour.UTC().Format("2006-01-02T15:00:00Z")] += b.Count

		switch {
		case model.IsSuccessEvent(b.EventType):
			stats.Success += b.Count
		case model.IsFailureEvent(b.EventType):
			stats.Failed += b.Count
		}
	}
	return stats, nil
}

// ProviderHealth rates every provider seen in the last window by its share
// of successful events.
func (s *EventService) ProviderHealth(ctx context.Context, window time.Duration) ([]model.ProviderHealth, error) {
	if window <= 0 {
		window = DefaultStatsWindow
	}
	to := s.now()
	buckets, err := s.store.CountBuckets(ctx, to.Add(-window), to)
	if err != nil {
		return nil, err
	}

	byProvider := map[string]*model.ProviderHealth{}
	for _, b := range buckets {
		if b.Provider == "" {
			continue
		}
		h, ok := byProvider[b.Provider]
		if !ok {
			h = &model.ProviderHealth{Provider: b.Provider}
			byProvider[b.Provider] = h
		}
		h.Total += b.Count
		if model.IsSuccessEvent(b.EventType) {
			h.Success += b.Count
		}
		// Buckets are hourly so the latest hour is the best we know
		if h.LastEvent == nil || b.Hour.After(*h.LastEvent) {
			hour := b.Hour
			h.LastEvent = &hour
		}
	}

	health := make([]model.ProviderHealth, 0, len(byProvider))
	for _, h := range byProvider {
		if h.Total > 0 {
			h.SuccessRate = float64(h.Success) / float64(h.Total)
		}
		h.Status = model.HealthForRate(h.SuccessRate)
		health = append(health, *h)
	}
	sort.Slice(health, func(i, j int) bool { return health[i].Provider < health[j].Provider })
	return health, nil
}

// Cleanup deletes events older than the configured retention
func (s *EventService) Cleanup(ctx context.Context) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteOlderThan(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("Removed expired email events")
	}
	return n, nil
}
