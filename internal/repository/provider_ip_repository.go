package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bulkmail/bulkmail/internal/database"
	"github.com/bulkmail/bulkmail/internal/model"
)

// IPFilter narrows which IPs are eligible for selection
type IPFilter struct {
	// Cooldown excludes IPs used less than this long ago. 0 disables it.
	Cooldown time.Duration
	// MaxEmails excludes IPs whose email_count reached it. 0 disables it.
	MaxEmails int
}

// ProviderIPRepository handles sending IP persistence
type ProviderIPRepository struct {
	db *database.Postgres
}

// NewProviderIPRepository creates a new ProviderIPRepository
func NewProviderIPRepository(db *database.Postgres) *ProviderIPRepository {
	return &ProviderIPRepository{db: db}
}

const providerIPColumns = `id, provider_id, ip_address, is_active, email_count, failure_count,
	last_used_at, deactivated_at, created_at, updated_at`

// SelectAndReserve picks the eligible IP with the lowest email_count (oldest
// last_used_at first, never-used first of all), increments its email_count
// and stamps last_used_at, all in one transaction. The row lock taken by
// FOR UPDATE keeps concurrent callers from reserving the same row twice.
//
// It returns nil, nil when no IP qualifies. Lock contention surfaces as an
// error matching ErrConflict.
func (r *ProviderIPRepository) SelectAndReserve(ctx context.Context, providerID string, f IPFilter, now time.Time) (*model.ProviderIP, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		where = []string{"provider_id = $1", "is_active = TRUE"}
		args  = []interface{}{providerID}
	)
	if f.Cooldown > 0 {
		args = append(args, now.Add(-f.Cooldown))
		where = append(where, fmt.Sprintf("(last_used_at IS NULL OR last_used_at < $%d)", len(args)))
	}
	if f.MaxEmails > 0 {
		args = append(args, f.MaxEmails)
		where = append(where, fmt.Sprintf("email_count < $%d", len(args)))
	}

	query := `
		SELECT ` + providerIPColumns + `
		FROM email_provider_ips
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY email_count ASC, last_used_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE
	`
	ip, err := scanProviderIP(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyTxError("failed to select provider ip", err)
	}

	update := `
		UPDATE email_provider_ips
		SET email_count = email_count + 1, last_used_at = $1, updated_at = $1
		WHERE id = $2
	`
	if _, err := tx.ExecContext(ctx, update, now, ip.ID); err != nil {
		return nil, classifyTxError("failed to reserve provider ip", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyTxError("failed to commit ip reservation", err)
	}

	ip.EmailCount++
	ip.LastUsedAt = &now
	ip.UpdatedAt = now
	return ip, nil
}

// RecordSuccess counts a delivery and restarts the cooldown
func (r *ProviderIPRepository) RecordSuccess(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE email_provider_ips
		SET email_count = email_count + 1, last_used_at = $1, updated_at = $1
		WHERE id = $2
	`
	res, err := r.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("failed to record ip success: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailure counts a failed send and deactivates the IP once
// failure_count reaches threshold. The updated row is returned.
func (r *ProviderIPRepository) RecordFailure(ctx context.Context, id string, now time.Time, threshold int) (*model.ProviderIP, error) {
	query := `
		UPDATE email_provider_ips
		SET failure_count = failure_count + 1,
		    last_used_at = $1,
		    updated_at = $1,
		    is_active = CASE WHEN failure_count + 1 >= $2 THEN FALSE ELSE is_active END,
		    deactivated_at = CASE WHEN failure_count + 1 >= $2 AND is_active THEN $1 ELSE deactivated_at END
		WHERE id = $3
		RETURNING ` + providerIPColumns
	ip, err := scanProviderIP(r.db.QueryRowContext(ctx, query, now, threshold, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record ip failure: %w", err)
	}
	return ip, nil
}

// ReactivateDeactivatedBefore reactivates IPs deactivated at or before
// cutoff, resetting their failure count. The reactivated addresses are returned.
func (r *ProviderIPRepository) ReactivateDeactivatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
		UPDATE email_provider_ips
		SET is_active = TRUE, failure_count = 0, deactivated_at = NULL, updated_at = NOW()
		WHERE is_active = FALSE AND deactivated_at IS NOT NULL AND deactivated_at <= $1
		RETURNING ip_address
	`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to reactivate ips: %w", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("failed to scan reactivated ip: %w", err)
		}
		addresses = append(addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reactivated ips: %w", err)
	}
	return addresses, nil
}

// Create inserts a new IP for a provider
func (r *ProviderIPRepository) Create(ctx context.Context, ip *model.ProviderIP) error {
	if ip.ID == "" {
		ip.ID = uuid.New().String()
	}
	if ip.CreatedAt.IsZero() {
		ip.CreatedAt = time.Now().UTC()
	}
	ip.UpdatedAt = ip.CreatedAt

	query := `
		INSERT INTO email_provider_ips (id, provider_id, ip_address, is_active, email_count,
		    failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		ip.ID,
		ip.ProviderID,
		ip.IPAddress,
		ip.IsActive,
		ip.CreatedAt,
		ip.UpdatedAt,
	)
	if err != nil {
		switch pqCode(err) {
		case pgUniqueViolation:
			return ErrDuplicate
		case pgForeignKeyViolation:
			return ErrNotFound
		}
		return fmt.Errorf("failed to create provider ip: %w", err)
	}
	return nil
}

// Usage lists every IP with its provider name. An empty providerID lists all providers.
func (r *ProviderIPRepository) Usage(ctx context.Context, providerID string) ([]model.IPUsage, error) {
	query := `
		SELECT ip.ip_address, p.name, ip.email_count, ip.is_active, ip.last_used_at, ip.failure_count
		FROM email_provider_ips ip
		JOIN email_providers p ON p.id = ip.provider_id
		WHERE ($1 = '' OR ip.provider_id::text = $1)
		ORDER BY p.name, ip.ip_address
	`
	rows, err := r.db.QueryContext(ctx, query, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ip usage: %w", err)
	}
	defer rows.Close()

	usage := []model.IPUsage{}
	for rows.Next() {
		var (
			u      model.IPUsage
			active bool
		)
		if err := rows.Scan(&u.IP, &u.Provider, &u.Usage, &active, &u.LastUsed, &u.Failures); err != nil {
			return nil, fmt.Errorf("failed to scan ip usage row: %w", err)
		}
		u.Status = "inactive"
		if active {
			u.Status = "active"
		}
		usage = append(usage, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ip usage rows: %w", err)
	}
	return usage, nil
}

func scanProviderIP(row *sql.Row) (*model.ProviderIP, error) {
	var ip model.ProviderIP
	err := row.Scan(
		&ip.ID,
		&ip.ProviderID,
		&ip.IPAddress,
		&ip.IsActive,
		&ip.EmailCount,
		&ip.FailureCount,
		&ip.LastUsedAt,
		&ip.DeactivatedAt,
		&ip.CreatedAt,
		&ip.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ip, nil
}

func classifyTxError(msg string, err error) error {
	if IsConflict(err) {
		return fmt.Errorf("%s: %w: %v", msg, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
