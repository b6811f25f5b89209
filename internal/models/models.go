package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation status values. A contact has at most one OPEN conversation
// per workspace+channel; threading relies on that, so anything that creates
// conversations must go through the ingestion transaction.
const (
	ConversationOpen   = "OPEN"
	ConversationClosed = "CLOSED"
)

// Message directions.
const (
	DirectionIn  = "IN"
	DirectionOut = "OUT"
)

// Workspace is the top-level isolation boundary. Every contact, conversation,
// message, queue and integration belongs to exactly one workspace —
// company A never sees company B's customers.
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an agent within a workspace. Agents are provisioned by the admin
// surface (not part of this service); we only read them for login and
// assignment.
type User struct {
	ID           uuid.UUID `json:"id"`
	WorkspaceID  uuid.UUID `json:"workspace_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Contact is a workspace-scoped person on the other side of a conversation.
//
// Why are Phone and Email pointers?
//   - A contact arriving from WhatsApp has a phone and usually no email;
//     a web-chat contact may have only an email. NULL in the table, nil
//     here. The identity key is (workspace_id, phone) when phone exists,
//     else (workspace_id, email).
type Contact struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Name        string    `json:"name"`
	Phone       *string   `json:"phone,omitempty"`
	Email       *string   `json:"email,omitempty"`
	ExternalID  *string   `json:"external_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation is one thread between a contact and the workspace on one
// channel.
//
// The "at most one OPEN conversation per (workspace, contact, channel)"
// invariant is enforced by the ingestion transaction's lookup-then-create,
// not by a unique constraint — closed conversations for the same tuple
// accumulate over time, so a plain unique index can't express it.
type Conversation struct {
	ID               uuid.UUID  `json:"id"`
	WorkspaceID      uuid.UUID  `json:"workspace_id"`
	ContactID        uuid.UUID  `json:"contact_id"`
	Channel          string     `json:"channel"`
	Status           string     `json:"status"`
	AssignedToUserID *uuid.UUID `json:"assigned_to_user_id,omitempty"`
	QueueID          *uuid.UUID `json:"queue_id,omitempty"`
	LastMessageAt    time.Time  `json:"last_message_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Message is one immutable inbound or outbound text event.
//
// Why int64 for ID (not UUID)?
//   - Messages are the highest-volume table. bigserial is smaller,
//     naturally ordered (higher ID = newer), and faster to index.
//   - The de-dup identity is a different thing entirely:
//     (workspace_id, provider_message_id) — the channel's own id for the
//     message, which is what makes webhook re-delivery idempotent.
type Message struct {
	ID                int64          `json:"id"`
	WorkspaceID       uuid.UUID      `json:"workspace_id"`
	ConversationID    uuid.UUID      `json:"conversation_id"`
	Direction         string         `json:"direction"`
	Body              string         `json:"body"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	SentAt            time.Time      `json:"sent_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Queue binds one channel to one team and carries the round-robin cursor.
// LastAssignedMemberID is the only piece of shared mutable state that
// concurrent webhook bursts contend on; it is mutated exclusively inside
// the assignment engine's serializable transaction.
type Queue struct {
	ID                   uuid.UUID  `json:"id"`
	WorkspaceID          uuid.UUID  `json:"workspace_id"`
	TeamID               uuid.UUID  `json:"team_id"`
	Channel              string     `json:"channel"`
	IsActive             bool       `json:"is_active"`
	LastAssignedMemberID *uuid.UUID `json:"last_assigned_member_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Team groups agents for routing purposes.
type Team struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
}

// TeamMember is one slot on a team's rotation roster, ordered by
// (position, created_at). IsActive gates rotation eligibility without
// deleting the row — history of who was on the team survives.
type TeamMember struct {
	ID        uuid.UUID `json:"id"`
	TeamID    uuid.UUID `json:"team_id"`
	UserID    uuid.UUID `json:"user_id"`
	Position  int       `json:"position"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelIntegration is a workspace's credential bundle for one channel.
// Secrets holds the AES-GCM-encrypted blob as stored; the resolver decrypts
// it on read. Rows are never updated in place except by credential rotation
// (out of scope here).
type ChannelIntegration struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Channel     string    `json:"channel"`
	IsActive    bool      `json:"is_active"`
	Secrets     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notification is one row in an agent's notification feed. UserID nil means
// the notification addresses the whole workspace.
type Notification struct {
	ID          uuid.UUID  `json:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	Kind        string     `json:"kind"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	CreatedAt   time.Time  `json:"created_at"`
}
