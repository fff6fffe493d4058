package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bulkmail/bulkmail/internal/database"
	"github.com/bulkmail/bulkmail/internal/model"
)

// ProviderRepository handles email provider persistence
type ProviderRepository struct {
	db *database.Postgres
}

// NewProviderRepository creates a new ProviderRepository
func NewProviderRepository(db *database.Postgres) *ProviderRepository {
	return &ProviderRepository{db: db}
}

// Ensure makes sure a provider row exists for p.Name. A new row takes p's
// priority and is active; an existing row keeps its is_active and priority,
// which operators manage in the database. p is updated with the stored values.
func (r *ProviderRepository) Ensure(ctx context.Context, p *model.EmailProvider) error {
	configJSON, err := json.Marshal(p.Config)
	if err != nil || p.Config == nil {
		configJSON = []byte("{}")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO email_providers (id, name, type, config, is_active, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $6)
		ON CONFLICT (name) DO UPDATE
		SET type = EXCLUDED.type, updated_at = EXCLUDED.updated_at
		RETURNING id, is_active, priority, created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query, p.ID, p.Name, p.Type, configJSON, p.Priority, now).
		Scan(&p.ID, &p.IsActive, &p.Priority, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to ensure provider: %w", err)
	}
	return nil
}

// GetByName retrieves a provider by its unique name
func (r *ProviderRepository) GetByName(ctx context.Context, name string) (*model.EmailProvider, error) {
	query := `
		SELECT id, name, type, config, is_active, priority, created_at, updated_at
		FROM email_providers
		WHERE name = $1
	`
	var (
		p         model.EmailProvider
		configRaw []byte
	)
	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&p.ID,
		&p.Name,
		&p.Type,
		&configRaw,
		&p.IsActive,
		&p.Priority,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	if len(configRaw) > 0 {
		_ = json.Unmarshal(configRaw, &p.Config)
	}
	return &p, nil
}
