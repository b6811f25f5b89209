package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atendo-io/atendo/internal/models"
)

type IntegrationStore struct {
	pool *pgxpool.Pool
}

func NewIntegrationStore(pool *pgxpool.Pool) *IntegrationStore {
	return &IntegrationStore{pool: pool}
}

// GetActive returns the active integration for a workspace+channel, or
// nil, nil when none exists. Multiple active rows shouldn't happen (the
// admin surface deactivates the old one on rotation), but newest-first
// makes the behavior deterministic if they do.
func (s *IntegrationStore) GetActive(ctx context.Context, workspaceID uuid.UUID, channel string) (*models.ChannelIntegration, error) {
	query := `
		SELECT id, workspace_id, channel, is_active, secrets, created_at
		FROM channel_integrations
		WHERE workspace_id = $1 AND channel = $2 AND is_active
		ORDER BY created_at DESC
		LIMIT 1`

	var i models.ChannelIntegration
	err := s.pool.QueryRow(ctx, query, workspaceID, channel).Scan(
		&i.ID,
		&i.WorkspaceID,
		&i.Channel,
		&i.IsActive,
		&i.Secrets,
		&i.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active integration: %w", err)
	}
	return &i, nil
}
