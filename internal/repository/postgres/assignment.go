package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atendo-io/atendo/internal/assign"
	"github.com/atendo-io/atendo/internal/models"
	"github.com/atendo-io/atendo/internal/repository"
)

// AssignmentStore implements repository.AssignmentRepository on Postgres.
type AssignmentStore struct {
	pool *pgxpool.Pool
}

func NewAssignmentStore(pool *pgxpool.Pool) *AssignmentStore {
	return &AssignmentStore{pool: pool}
}

const serializationFailure = "40001"

// AssignRoundRobin rotates the queue cursor and conditionally claims the
// conversation, all inside one SERIALIZABLE transaction.
//
// Why serializable, when the rest of the service runs at the default level?
//   - Two webhooks racing for the same queue both read the cursor, both
//     compute "next member", both write. Under read-committed both writes
//     succeed and two conversations land on the same member while the
//     next one is skipped. Serializable forces one of the two transactions
//     to abort with SQLSTATE 40001 instead.
//   - The caller gets that abort as repository.ErrSerialization and treats
//     it as "no assignment this round". No in-process retry loop: the
//     conversation stays unassigned and the next inbound message or a
//     manual action picks it up.
func (s *AssignmentStore) AssignRoundRobin(ctx context.Context, workspaceID uuid.UUID, channel string, conversationID uuid.UUID) (*repository.Assignment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin assignment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := s.rotateInTx(ctx, tx, workspaceID, channel, conversationID)
	if err != nil {
		if isSerializationFailure(err) {
			return nil, repository.ErrSerialization
		}
		return nil, err
	}
	if result == nil {
		// No queue or no roster — nothing to commit, but committing an
		// empty read-only tx is harmless and keeps one exit path.
		_ = tx.Commit(ctx)
		return nil, nil
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return nil, repository.ErrSerialization
		}
		return nil, fmt.Errorf("commit assignment tx: %w", err)
	}
	return result, nil
}

func (s *AssignmentStore) rotateInTx(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, channel string, conversationID uuid.UUID) (*repository.Assignment, error) {
	// Step 1: the active queue for this workspace+channel. None is a
	// normal terminal state — the conversation just stays unassigned.
	queue, err := findActiveQueue(ctx, tx, workspaceID, channel)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		return nil, nil
	}

	// Step 2: the ordered active roster.
	roster, err := listActiveMembers(ctx, tx, queue.TeamID)
	if err != nil {
		return nil, err
	}

	// Step 3-4: pick the next member after the cursor.
	member := assign.NextMember(roster, queue.LastAssignedMemberID)
	if member == nil {
		return nil, nil
	}

	// Step 5: advance the cursor. This persists even when step 6 finds
	// the conversation already claimed — rotation progress is about the
	// queue being fair over time, not about this one conversation.
	advance := `UPDATE queues SET last_assigned_member_id = $1 WHERE id = $2`
	if _, err := tx.Exec(ctx, advance, member.ID, queue.ID); err != nil {
		return nil, fmt.Errorf("advance queue cursor: %w", err)
	}

	// Step 6: claim the conversation only if nobody else has. A manual
	// assignment (or another inbound trigger) between our read and this
	// write makes the predicate miss; zero rows affected means the claim
	// lost and the caller gets nil.
	claim := `
		UPDATE conversations
		SET assigned_to_user_id = $1, queue_id = $2
		WHERE id = $3 AND workspace_id = $4 AND assigned_to_user_id IS NULL`
	tag, err := tx.Exec(ctx, claim, member.UserID, queue.ID, conversationID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("claim conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	return &repository.Assignment{
		AssignedToUserID: member.UserID,
		QueueID:          queue.ID,
	}, nil
}

func (s *AssignmentStore) AssignManually(ctx context.Context, workspaceID, conversationID, userID uuid.UUID) (bool, error) {
	query := `
		UPDATE conversations
		SET assigned_to_user_id = $1
		WHERE id = $2 AND workspace_id = $3`

	tag, err := s.pool.Exec(ctx, query, userID, conversationID, workspaceID)
	if err != nil {
		return false, fmt.Errorf("assign conversation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func findActiveQueue(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, channel string) (*models.Queue, error) {
	query := `
		SELECT id, workspace_id, team_id, channel, is_active,
		       last_assigned_member_id, created_at
		FROM queues
		WHERE workspace_id = $1 AND channel = $2 AND is_active
		ORDER BY created_at ASC
		LIMIT 1`

	var q models.Queue
	err := tx.QueryRow(ctx, query, workspaceID, channel).Scan(
		&q.ID,
		&q.WorkspaceID,
		&q.TeamID,
		&q.Channel,
		&q.IsActive,
		&q.LastAssignedMemberID,
		&q.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active queue: %w", err)
	}
	return &q, nil
}

func listActiveMembers(ctx context.Context, tx pgx.Tx, teamID uuid.UUID) ([]models.TeamMember, error) {
	// Roster order is (position, created_at): position is the admin's
	// explicit ordering, created_at breaks ties deterministically.
	query := `
		SELECT id, team_id, user_id, position, is_active, created_at
		FROM team_members
		WHERE team_id = $1 AND is_active
		ORDER BY position ASC, created_at ASC`

	rows, err := tx.Query(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	members := make([]models.TeamMember, 0)
	for rows.Next() {
		var m models.TeamMember
		if err := rows.Scan(
			&m.ID,
			&m.TeamID,
			&m.UserID,
			&m.Position,
			&m.IsActive,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team members: %w", err)
	}
	return members, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailure
}
