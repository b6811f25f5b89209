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

type ContactStore struct {
	pool *pgxpool.Pool
}

func NewContactStore(pool *pgxpool.Pool) *ContactStore {
	return &ContactStore{pool: pool}
}

func (s *ContactStore) GetByID(ctx context.Context, workspaceID, contactID uuid.UUID) (*models.Contact, error) {
	query := `
		SELECT id, workspace_id, name, phone, email, external_id, created_at
		FROM contacts
		WHERE id = $1 AND workspace_id = $2`

	var c models.Contact
	err := s.pool.QueryRow(ctx, query, contactID, workspaceID).Scan(
		&c.ID,
		&c.WorkspaceID,
		&c.Name,
		&c.Phone,
		&c.Email,
		&c.ExternalID,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}
