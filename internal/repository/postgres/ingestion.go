package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atendo-io/atendo/internal/channels"
	"github.com/atendo-io/atendo/internal/models"
	"github.com/atendo-io/atendo/internal/repository"
)

// IngestionStore implements repository.IngestionRepository on Postgres.
//
// Everything in IngestInbound happens inside one transaction so a crash
// mid-sequence can never leave a Message without its Conversation's
// last_message_at update, and re-delivery of a provider id is a pure no-op.
type IngestionStore struct {
	pool *pgxpool.Pool
}

func NewIngestionStore(pool *pgxpool.Pool) *IngestionStore {
	return &IngestionStore{pool: pool}
}

const uniqueViolation = "23505"

func (s *IngestionStore) IngestInbound(ctx context.Context, workspaceID uuid.UUID, channel string, msg channels.InboundMessage, contact channels.ContactInfo) (*repository.IngestResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ingest tx: %w", err)
	}
	// Rollback after a successful Commit is a no-op, so one defer covers
	// every early return.
	defer tx.Rollback(ctx)

	result, err := s.ingestInTx(ctx, tx, workspaceID, channel, msg, contact)
	if err != nil {
		// Two deliveries of the same provider id can both pass the dedup
		// lookup before either commits; the loser then trips the partial
		// unique index on (workspace_id, provider_message_id). That is
		// still a duplicate delivery, not a failure — re-read the winner's
		// rows and report them.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && msg.ProviderMessageID != "" {
			_ = tx.Rollback(ctx)
			return s.priorDelivery(ctx, workspaceID, msg.ProviderMessageID)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ingest tx: %w", err)
	}
	return result, nil
}

func (s *IngestionStore) ingestInTx(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, channel string, msg channels.InboundMessage, contact channels.ContactInfo) (*repository.IngestResult, error) {
	// Step 1: idempotency short-circuit. If the provider id was already
	// ingested, return the prior rows before touching anything.
	if msg.ProviderMessageID != "" {
		prior, err := findMessageByProviderID(ctx, tx, workspaceID, msg.ProviderMessageID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			conversation, err := findConversationByID(ctx, tx, workspaceID, prior.ConversationID)
			if err != nil {
				return nil, err
			}
			return &repository.IngestResult{
				Conversation: conversation,
				Message:      prior,
				IsDuplicate:  true,
			}, nil
		}
	}

	// Step 2: upsert the contact by phone, else email.
	contactRow, err := upsertContact(ctx, tx, workspaceID, contact)
	if err != nil {
		return nil, err
	}

	// Step 3: thread into the most recent open conversation, or open one.
	conversation, err := findOpenConversation(ctx, tx, workspaceID, contactRow.ID, channel)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		conversation, err = createConversation(ctx, tx, workspaceID, contactRow.ID, channel, msg)
		if err != nil {
			return nil, err
		}
	}

	// Step 4: append the message.
	message, err := insertInbound(ctx, tx, workspaceID, conversation.ID, msg)
	if err != nil {
		return nil, err
	}

	// Step 5: bump the conversation.
	if err := touchConversation(ctx, tx, conversation, msg); err != nil {
		return nil, err
	}

	return &repository.IngestResult{
		Conversation: conversation,
		Message:      message,
		IsDuplicate:  false,
	}, nil
}

// priorDelivery re-reads the committed rows of the delivery we lost the
// insert race to.
func (s *IngestionStore) priorDelivery(ctx context.Context, workspaceID uuid.UUID, providerMessageID string) (*repository.IngestResult, error) {
	message, err := findMessageByProviderID(ctx, s.pool, workspaceID, providerMessageID)
	if err != nil {
		return nil, err
	}
	if message == nil {
		return nil, fmt.Errorf("duplicate provider id %q vanished after unique violation", providerMessageID)
	}
	conversation, err := findConversationByID(ctx, s.pool, workspaceID, message.ConversationID)
	if err != nil {
		return nil, err
	}
	return &repository.IngestResult{
		Conversation: conversation,
		Message:      message,
		IsDuplicate:  true,
	}, nil
}

// querier lets the same row helpers run against the pool or a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findMessageByProviderID(ctx context.Context, q querier, workspaceID uuid.UUID, providerMessageID string) (*models.Message, error) {
	query := `
		SELECT id, workspace_id, conversation_id, direction, body,
		       provider_message_id, metadata, sent_at, created_at
		FROM messages
		WHERE workspace_id = $1 AND provider_message_id = $2`

	msg, err := scanMessage(q.QueryRow(ctx, query, workspaceID, providerMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find message by provider id: %w", err)
	}
	return msg, nil
}

func findConversationByID(ctx context.Context, q querier, workspaceID, conversationID uuid.UUID) (*models.Conversation, error) {
	query := `
		SELECT id, workspace_id, contact_id, channel, status,
		       assigned_to_user_id, queue_id, last_message_at, created_at
		FROM conversations
		WHERE id = $1 AND workspace_id = $2`

	conv, err := scanConversation(q.QueryRow(ctx, query, conversationID, workspaceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

// upsertContact matches by phone when present, else by email. Create-or-noop
// on conflict: an existing contact keeps its name (CRM flows own updates).
func upsertContact(ctx context.Context, tx pgx.Tx, workspaceID uuid.UUID, contact channels.ContactInfo) (*models.Contact, error) {
	if contact.Phone == "" && contact.Email == "" {
		return nil, repository.ErrBadInput
	}

	name := contact.DisplayName
	if name == "" {
		// Successive fallbacks so the contact is never nameless.
		switch {
		case contact.Phone != "":
			name = contact.Phone
		case contact.Email != "":
			name = contact.Email
		default:
			name = "Contato"
		}
	}

	var query string
	var args []any
	if contact.Phone != "" {
		query = `
			INSERT INTO contacts (workspace_id, name, phone, email, external_id, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), now())
			ON CONFLICT (workspace_id, phone) WHERE phone IS NOT NULL
			DO UPDATE SET phone = EXCLUDED.phone
			RETURNING id, workspace_id, name, phone, email, external_id, created_at`
		args = []any{workspaceID, name, contact.Phone, contact.Email, contact.ExternalID}
	} else {
		query = `
			INSERT INTO contacts (workspace_id, name, phone, email, external_id, created_at)
			VALUES ($1, $2, NULL, $3, NULLIF($4, ''), now())
			ON CONFLICT (workspace_id, email) WHERE email IS NOT NULL
			DO UPDATE SET email = EXCLUDED.email
			RETURNING id, workspace_id, name, phone, email, external_id, created_at`
		args = []any{workspaceID, name, contact.Email, contact.ExternalID}
	}

	// Why the degenerate DO UPDATE instead of DO NOTHING?
	//   - DO NOTHING suppresses RETURNING on conflict, forcing a second
	//     SELECT. The degenerate update makes the existing row come back
	//     in one round trip without changing anything the CRM owns.
	var c models.Contact
	err := tx.QueryRow(ctx, query, args...).Scan(
		&c.ID,
		&c.WorkspaceID,
		&c.Name,
		&c.Phone,
		&c.Email,
		&c.ExternalID,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	return &c, nil
}

func findOpenConversation(ctx context.Context, tx pgx.Tx, workspaceID, contactID uuid.UUID, channel string) (*models.Conversation, error) {
	// Most recent first: if the invariant ever breaks and two OPEN rows
	// exist, we thread into the newest instead of resurrecting a stale one.
	query := `
		SELECT id, workspace_id, contact_id, channel, status,
		       assigned_to_user_id, queue_id, last_message_at, created_at
		FROM conversations
		WHERE workspace_id = $1 AND contact_id = $2 AND channel = $3 AND status = $4
		ORDER BY created_at DESC
		LIMIT 1`

	conv, err := scanConversation(tx.QueryRow(ctx, query, workspaceID, contactID, channel, models.ConversationOpen))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find open conversation: %w", err)
	}
	return conv, nil
}

func createConversation(ctx context.Context, tx pgx.Tx, workspaceID, contactID uuid.UUID, channel string, msg channels.InboundMessage) (*models.Conversation, error) {
	query := `
		INSERT INTO conversations (workspace_id, contact_id, channel, status, last_message_at, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, workspace_id, contact_id, channel, status,
		          assigned_to_user_id, queue_id, last_message_at, created_at`

	conv, err := scanConversation(tx.QueryRow(ctx, query, workspaceID, contactID, channel, models.ConversationOpen, msg.SentAt))
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func insertInbound(ctx context.Context, tx pgx.Tx, workspaceID, conversationID uuid.UUID, msg channels.InboundMessage) (*models.Message, error) {
	query := `
		INSERT INTO messages (workspace_id, conversation_id, direction, body,
		                      provider_message_id, metadata, sent_at, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, now())
		RETURNING id, workspace_id, conversation_id, direction, body,
		          provider_message_id, metadata, sent_at, created_at`

	message, err := scanMessage(tx.QueryRow(ctx, query,
		workspaceID, conversationID, models.DirectionIn, msg.Text,
		msg.ProviderMessageID, msg.Metadata, msg.SentAt))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

func touchConversation(ctx context.Context, tx pgx.Tx, conversation *models.Conversation, msg channels.InboundMessage) error {
	query := `UPDATE conversations SET last_message_at = $1 WHERE id = $2`
	if _, err := tx.Exec(ctx, query, msg.SentAt, conversation.ID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	conversation.LastMessageAt = msg.SentAt
	return nil
}

func (s *IngestionStore) CreateOutbound(ctx context.Context, workspaceID, conversationID uuid.UUID, body string, providerMessageID *string) (*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin outbound tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO messages (workspace_id, conversation_id, direction, body,
		                      provider_message_id, metadata, sent_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, now(), now())
		RETURNING id, workspace_id, conversation_id, direction, body,
		          provider_message_id, metadata, sent_at, created_at`

	message, err := scanMessage(tx.QueryRow(ctx, query,
		workspaceID, conversationID, models.DirectionOut, body, providerMessageID))
	if err != nil {
		return nil, fmt.Errorf("insert outbound message: %w", err)
	}

	touch := `UPDATE conversations SET last_message_at = $1 WHERE id = $2 AND workspace_id = $3`
	if _, err := tx.Exec(ctx, touch, message.SentAt, conversationID, workspaceID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit outbound tx: %w", err)
	}
	return message, nil
}

func (s *IngestionStore) GetConversation(ctx context.Context, workspaceID, conversationID uuid.UUID) (*models.Conversation, error) {
	return findConversationByID(ctx, s.pool, workspaceID, conversationID)
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(
		&m.ID,
		&m.WorkspaceID,
		&m.ConversationID,
		&m.Direction,
		&m.Body,
		&m.ProviderMessageID,
		&m.Metadata,
		&m.SentAt,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(
		&c.ID,
		&c.WorkspaceID,
		&c.ContactID,
		&c.Channel,
		&c.Status,
		&c.AssignedToUserID,
		&c.QueueID,
		&c.LastMessageAt,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
