package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/atendo-io/atendo/internal/channels"
	"github.com/atendo-io/atendo/internal/models"
)

// Why workspaceID appears in almost every method signature?
//
//   - Multi-tenancy safety. Every query MUST be scoped to a workspace.
//     Even if someone guesses a conversation UUID, they can't touch it
//     unless their workspaceID matches. Defense-in-depth at the data layer.
//   - The webhook handler takes it from the workspace header, the agent
//     API from the JWT; the repository never trusts the caller beyond that.

// ErrBadInput marks inbound contact data we cannot key on: neither phone
// nor email is present. The whole webhook call is rejected, no partial
// writes.
var ErrBadInput = errors.New("inbound contact has neither phone nor email")

// ErrSerialization is returned when the assignment transaction lost a
// serializable-isolation race. Callers treat it as "no assignment made this
// round" — the conversation stays unassigned and a later trigger picks it
// up. Never retried in a loop within the same request.
var ErrSerialization = errors.New("assignment transaction serialization conflict")

// IngestResult is the outcome of one message's ingestion. IsDuplicate
// means the provider message id had already been seen; Conversation and
// Message then refer to the rows from the prior delivery and nothing was
// written.
type IngestResult struct {
	Conversation *models.Conversation
	Message      *models.Message
	IsDuplicate  bool
}

// IngestionRepository is the transactional threading store. IngestInbound
// runs dedup check, contact upsert, conversation lookup-or-create, message
// insert and conversation timestamp update as one atomic unit.
type IngestionRepository interface {
	IngestInbound(ctx context.Context, workspaceID uuid.UUID, channel string, msg channels.InboundMessage, contact channels.ContactInfo) (*IngestResult, error)

	// CreateOutbound appends a direction=OUT message to a conversation and
	// bumps its last_message_at, atomically.
	CreateOutbound(ctx context.Context, workspaceID, conversationID uuid.UUID, body string, providerMessageID *string) (*models.Message, error)

	// GetConversation returns a conversation scoped to the workspace.
	// Returns nil, nil if not found.
	GetConversation(ctx context.Context, workspaceID, conversationID uuid.UUID) (*models.Conversation, error)
}

// Assignment reports who a conversation was routed to.
type Assignment struct {
	AssignedToUserID uuid.UUID
	QueueID          uuid.UUID
}

// AssignmentRepository owns the round-robin rotation state.
type AssignmentRepository interface {
	// AssignRoundRobin rotates the queue cursor for workspace+channel and
	// conditionally assigns the conversation to the chosen member. Returns
	// nil, nil when no active queue or empty roster exists, or when the
	// conversation was claimed by another writer first (the cursor still
	// advances). Returns ErrSerialization on an isolation-level abort.
	AssignRoundRobin(ctx context.Context, workspaceID uuid.UUID, channel string, conversationID uuid.UUID) (*Assignment, error)

	// AssignManually sets the conversation's owner unconditionally (agent
	// action). Returns false if the conversation doesn't exist in the
	// workspace.
	AssignManually(ctx context.Context, workspaceID, conversationID, userID uuid.UUID) (bool, error)
}

// IntegrationRepository reads channel credential rows. GetActive returns
// nil, nil when no active integration exists.
type IntegrationRepository interface {
	GetActive(ctx context.Context, workspaceID uuid.UUID, channel string) (*models.ChannelIntegration, error)
}

// NotificationRepository is the notification sink.
type NotificationRepository interface {
	// Create inserts one notification addressed to a single user
	// (or the whole workspace when userID is nil).
	Create(ctx context.Context, workspaceID uuid.UUID, userID *uuid.UUID, kind, title, body string) error

	// NotifyWorkspaceMembers fans one notification out to every user in
	// the workspace.
	NotifyWorkspaceMembers(ctx context.Context, workspaceID uuid.UUID, kind, title, body string) error
}

// ContactRepository handles contact reads for the outbound path (creation
// happens inside the ingestion transaction, never here).
type ContactRepository interface {
	// GetByID returns nil, nil if not found.
	GetByID(ctx context.Context, workspaceID, contactID uuid.UUID) (*models.Contact, error)
}

// UserRepository handles agent reads for login.
type UserRepository interface {
	// GetByEmail returns nil, nil if no such agent exists.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
