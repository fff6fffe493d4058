package service

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/logger"
	"github.com/bulkmail/bulkmail/internal/model"
	"github.com/bulkmail/bulkmail/internal/repository"
)

type memEventStore struct {
	created []model.EmailEvent
	buckets []repository.EventBucket
	cutoff  time.Time
	err     error
}

func (s *memEventStore) Create(_ context.Context, e *model.EmailEvent) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, *e)
	return nil
}

func (s *memEventStore) CountBuckets(_ context.Context, _, _ time.Time) ([]repository.EventBucket, error) {
	return s.buckets, s.err
}

func (s *memEventStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return 3, s.err
}

type capturePublisher struct {
	published []string
	err       error
}

func (p *capturePublisher) Publish(_ context.Context, e *model.EmailEvent) error {
	p.published = append(p.published, e.EventType)
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

func TestRecordStoresAndPublishes(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &memEventStore{}
	pub := &capturePublisher{err: errors.New("broker down")}
	svc := NewEventService(store, pub, config.EventsConfig{}, logger.Nop()).
		WithClock(func() time.Time { return now })

	e := &model.EmailEvent{EventType: model.EventSent}
	if err := svc.Record(context.Background(), e); err != nil {
		t.Fatalf("publish failure must not fail Record: %v", err)
	}
	if e.ID == "" || !e.Timestamp.Equal(now) {
		t.Fatalf("expected id and timestamp filled, got %+v", e)
	}
	if len(store.created) != 1 || len(pub.published) != 1 {
		t.Fatalf("expected stored and published, got %d/%d", len(store.created), len(pub.published))
	}

	store.err = errors.New("db down")
	if err := svc.Record(context.Background(), &model.EmailEvent{EventType: model.EventSent}); err == nil {
		t.Fatalf("expected store failure to surface")
	}
}

func TestTrackValidatesEventType(t *testing.T) {
	svc := NewEventService(&memEventStore{}, nil, config.EventsConfig{}, logger.Nop())

	tests := []struct {
		name    string
		req     TrackEventRequest
		wantErr bool
	}{
		{name: "valid", req: TrackEventRequest{Type: model.EventBounced, MessageID: "m1", Recipient: "a@b.com"}},
		{name: "unknown type", req: TrackEventRequest{Type: "teleported", MessageID: "m1"}, wantErr: true},
		{name: "missing message id", req: TrackEventRequest{Type: model.EventOpened}, wantErr: true},
		{name: "bad recipient", req: TrackEventRequest{Type: model.EventOpened, MessageID: "m1", Recipient: "nope"}, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			e, err := svc.Track(context.Background(), &tc.req)
			if tc.wantErr {
				if !IsValidationError(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil || e.EventType != tc.req.Type || *e.MessageID != "m1" {
				t.Fatalf("unexpected event %+v, err %v", e, err)
			}
		})
	}
}

func TestStatsAggregatesBuckets(t *testing.T) {
	hour := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &memEventStore{buckets: []repository.EventBucket{
		{EventType: model.EventSent, Provider: "smtpcom", Hour: hour, Count: 8},
		{EventType: model.EventDelivered, Provider: "smtpcom", Hour: hour.Add(time.Hour), Count: 5},
		{EventType: model.EventBounced, Provider: "mailcow", Hour: hour.Add(time.Hour), Count: 2},
		{EventType: model.EventDeferred, Provider: "", Hour: hour, Count: 1},
	}}
	svc := NewEventService(store, nil, config.EventsConfig{}, logger.Nop())

	stats, err := svc.Stats(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 16 || stats.Success != 13 || stats.Failed != 2 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.ByProvider["smtpcom"] != 13 || stats.ByProvider["mailcow"] != 2 {
		t.Fatalf("unexpected byProvider: %v", stats.ByProvider)
	}
	if stats.ByHour["2024-05-01T10:00:00Z"] != 9 || stats.ByHour["2024-05-01T11:00:00Z"] != 7 {
		t.Fatalf("unexpected byHour: %v", stats.ByHour)
	}

	if _, err := svc.Stats(context.Background(), hour.Add(time.Hour), hour); !IsValidationError(err) {
		t.Fatalf("expected validation error for inverted range, got %v", err)
	}
}

func TestProviderHealth(t *testing.T) {
	hour := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := &memEventStore{buckets: []repository.EventBucket{
		{EventType: model.EventSent, Provider: "good", Hour: hour, Count: 99},
		{EventType: model.EventFailed, Provider: "good", Hour: hour.Add(time.Hour), Count: 1},
		{EventType: model.EventSent, Provider: "bad", Hour: hour, Count: 1},
		{EventType: model.EventFailed, Provider: "bad", Hour: hour, Count: 3},
	}}
	svc := NewEventService(store, nil, config.EventsConfig{}, logger.Nop())

	health, err := svc.ProviderHealth(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProviderHealth: %v", err)
	}
	if len(health) != 2 || health[0].Provider != "bad" || health[1].Provider != "good" {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health[0].Status != model.HealthUnhealthy || health[1].Status != model.HealthHealthy {
		t.Fatalf("unexpected statuses: %+v", health)
	}
	if health[1].LastEvent == nil || !health[1].LastEvent.Equal(hour.Add(time.Hour)) {
		t.Fatalf("unexpected last event %v", health[1].LastEvent)
	}
}

func TestCleanupUsesRetention(t *testing.T) {
	now := time.Date(2024, 5, 8, 0, 0, 0, 0, time.UTC)
	store := &memEventStore{}
	svc := NewEventService(store, nil, config.EventsConfig{Retention: 7 * 24 * time.Hour}, logger.Nop()).
		WithClock(func() time.Time { return now })

	n, err := svc.Cleanup(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Cleanup = %d, %v", n, err)
	}
	if want := now.Add(-7 * 24 * time.Hour); !store.cutoff.Equal(want) {
		t.Fatalf("cutoff %v, want %v", store.cutoff, want)
	}

	disabled := NewEventService(&memEventStore{}, nil, config.EventsConfig{}, logger.Nop())
	if n, err := disabled.Cleanup(context.Background()); n != 0 || err != nil {
		t.Fatalf("disabled cleanup = %d, %v", n, err)
	}
}

type fakeResolver struct {
	answers map[string][]string
	queried []string
}

func (r *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	r.queried = append(r.queried, host)
	if addrs, ok := r.answers[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestBlacklistCheck(t *testing.T) {
	resolver := &fakeResolver{answers: map[string][]string{
		"2.0.0.127.zen.spamhaus.org": {"127.0.0.2"},
	}}
	svc := NewBlacklistService(resolver, "", logger.Nop())

	listed, err := svc.Check(context.Background(), "127.0.0.2")
	if err != nil || !listed.IsBlacklisted {
		t.Fatalf("expected listed, got %+v, %v", listed, err)
	}

	clean, err := svc.Check(context.Background(), "192.0.2.1")
	if err != nil || clean.IsBlacklisted {
		t.Fatalf("expected clean, got %+v, %v", clean, err)
	}
	if resolver.queried[1] != "1.2.0.192.zen.spamhaus.org" {
		t.Fatalf("unexpected query %q", resolver.queried[1])
	}

	if _, err := svc.Check(context.Background(), "2001:db8::1"); !errors.Is(err, ErrInvalidIPAddress) {
		t.Fatalf("expected ErrInvalidIPAddress for ipv6, got %v", err)
	}
}
