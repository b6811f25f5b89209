package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type NotificationStore struct {
	pool *pgxpool.Pool
}

func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

func (s *NotificationStore) Create(ctx context.Context, workspaceID uuid.UUID, userID *uuid.UUID, kind, title, body string) error {
	query := `
		INSERT INTO notifications (workspace_id, user_id, kind, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`

	if _, err := s.pool.Exec(ctx, query, workspaceID, userID, kind, title, body); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// NotifyWorkspaceMembers fans one notification out to every agent in the
// workspace with a single INSERT..SELECT — no per-user round trips.
func (s *NotificationStore) NotifyWorkspaceMembers(ctx context.Context, workspaceID uuid.UUID, kind, title, body string) error {
	query := `
		INSERT INTO notifications (workspace_id, user_id, kind, title, body, created_at)
		SELECT $1, u.id, $2, $3, $4, now()
		FROM users u
		WHERE u.workspace_id = $1`

	if _, err := s.pool.Exec(ctx, query, workspaceID, kind, title, body); err != nil {
		return fmt.Errorf("notify workspace members: %w", err)
	}
	return nil
}
