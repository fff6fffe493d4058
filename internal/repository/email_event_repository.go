package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bulkmail/bulkmail/internal/database"
	"github.com/bulkmail/bulkmail/internal/model"
)

// EventBucket is an event count grouped by type, provider and hour
type EventBucket struct {
	EventType string
	Provider  string
	Hour      time.Time
	Count     int
}

// EmailEventRepository handles delivery event persistence
type EmailEventRepository struct {
	db *database.Postgres
}

// NewEmailEventRepository creates a new EmailEventRepository
func NewEmailEventRepository(db *database.Postgres) *EmailEventRepository {
	return &EmailEventRepository{db: db}
}

// Create inserts a new event
func (r *EmailEventRepository) Create(ctx context.Context, e *model.EmailEvent) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil || e.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	query := `
		INSERT INTO email_events (id, event_type, provider, ip_address, message_id,
		    recipient, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		e.ID,
		e.EventType,
		e.Provider,
		e.IPAddress,
		e.MessageID,
		e.Recipient,
		metadataJSON,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create email event: %w", err)
	}
	return nil
}

// CountBuckets groups events in [from, to] by type, provider and hour
func (r *EmailEventRepository) CountBuckets(ctx context.Context, from, to time.Time) ([]EventBucket, error) {
	query := `
		SELECT event_type, COALESCE(provider, ''), date_trunc('hour', timestamp) AS hour, COUNT(*)
		FROM email_events
		WHERE timestamp BETWEEN $1 AND $2
		GROUP BY event_type, COALESCE(provider, ''), hour
		ORDER BY hour
	`
	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts: %w", err)
	}
	defer rows.Close()

	var buckets []EventBucket
	for rows.Next() {
		var b EventBucket
		if err := rows.Scan(&b.EventType, &b.Provider, &b.Hour, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event counts: %w", err)
	}
	return buckets, nil
}

// DeleteOlderThan removes events recorded before cutoff
func (r *EmailEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM email_events WHERE timestamp < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old email events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted email events: %w", err)
	}
	return n, nil
}
