// Package ingest is the inbound webhook pipeline: verify the delivery,
// normalize it into messages, thread each message transactionally, then
// run the best-effort fan-out.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atendo-io/atendo/internal/automation"
	"github.com/atendo-io/atendo/internal/channels"
	"github.com/atendo-io/atendo/internal/repository"
	"github.com/atendo-io/atendo/internal/scoring"
)

var (
	// ErrMissingWorkspace means the webhook arrived without a workspace
	// identifier. Rejected before anything else — we can't even resolve
	// credentials without it.
	ErrMissingWorkspace = errors.New("missing workspace identifier")

	// ErrUnsupportedChannel means no provider is registered for the
	// channel in the URL.
	ErrUnsupportedChannel = errors.New("unsupported channel")

	// ErrInvalidWebhook means the payload failed the channel's
	// authentication scheme.
	ErrInvalidWebhook = errors.New("webhook verification failed")

	// ErrMalformedPayload means a verified payload couldn't be normalized.
	// Authenticated-but-broken is a provider-side contract change, not a
	// server fault, so it still maps to a 4xx.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// CredentialResolver is the slice of the integrations resolver the gateway
// consumes.
type CredentialResolver interface {
	GetActiveIntegration(ctx context.Context, workspaceID uuid.UUID, channel string) (*channels.Integration, error)
}

// Result reports where one inbound message landed.
type Result struct {
	ConversationID uuid.UUID `json:"conversationId"`
	MessageID      int64     `json:"messageId"`
	Duplicate      bool      `json:"duplicate,omitempty"`
}

// Summary is the webhook response body. Processed counts newly ingested
// messages only; re-delivered duplicates appear in Results with their
// original ids but don't count.
type Summary struct {
	Processed int      `json:"processed"`
	Results   []Result `json:"results"`
}

// Gateway orchestrates one webhook call end to end.
type Gateway struct {
	registry   *channels.Registry
	resolver   CredentialResolver
	store      repository.IngestionRepository
	assigner   repository.AssignmentRepository
	notifier   repository.NotificationRepository
	automation automation.Dispatcher
	scoring    scoring.Publisher
	logger     *zap.Logger
}

func NewGateway(
	registry *channels.Registry,
	resolver CredentialResolver,
	store repository.IngestionRepository,
	assigner repository.AssignmentRepository,
	notifier repository.NotificationRepository,
	dispatcher automation.Dispatcher,
	scorer scoring.Publisher,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		registry:   registry,
		resolver:   resolver,
		store:      store,
		assigner:   assigner,
		notifier:   notifier,
		automation: dispatcher,
		scoring:    scorer,
		logger:     logger,
	}
}

// ReceiveWebhook processes one channel delivery.
//
// Messages are ingested strictly sequentially within the call — a burst
// from one provider delivery must thread in payload order, and the
// ingestion transactions for one contact would just contend with each
// other anyway. Concurrency across calls is the storage layer's problem.
func (g *Gateway) ReceiveWebhook(ctx context.Context, channel string, payload []byte, headers http.Header, workspaceID uuid.UUID) (*Summary, error) {
	if workspaceID == uuid.Nil {
		return nil, ErrMissingWorkspace
	}

	provider := g.registry.Lookup(channel)
	if provider == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, channel)
	}

	integration, err := g.resolver.GetActiveIntegration(ctx, workspaceID, channel)
	if err != nil {
		return nil, err
	}

	if !provider.VerifyWebhook(payload, headers, integration) {
		return nil, ErrInvalidWebhook
	}

	messages, err := provider.ReceiveWebhook(payload, headers, integration)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	summary := &Summary{Results: make([]Result, 0, len(messages))}
	for _, msg := range messages {
		contact := provider.MapInboundToContact(msg)

		res, err := g.store.IngestInbound(ctx, workspaceID, channel, msg, contact)
		if err != nil {
			// Already-committed messages from this batch stay committed;
			// the provider's retry re-delivers the whole batch and the
			// dedup short-circuit skips them.
			return nil, err
		}

		summary.Results = append(summary.Results, Result{
			ConversationID: res.Conversation.ID,
			MessageID:      res.Message.ID,
			Duplicate:      res.IsDuplicate,
		})
		if res.IsDuplicate {
			continue
		}
		summary.Processed++

		g.fanOut(ctx, workspaceID, channel, msg, contact, res)
	}

	return summary, nil
}

// fanOut runs the four post-ingest side effects. Each is isolated: a panic
// or error in one is logged and must never stop the others, and none of
// them can fail the webhook response — the message is already durably
// ingested.
func (g *Gateway) fanOut(ctx context.Context, workspaceID uuid.UUID, channel string, msg channels.InboundMessage, contact channels.ContactInfo, res *repository.IngestResult) {
	conversation := res.Conversation

	fields := []zap.Field{
		zap.String("workspace_id", workspaceID.String()),
		zap.String("conversation_id", conversation.ID.String()),
		zap.String("contact_id", conversation.ContactID.String()),
		zap.Int64("message_id", res.Message.ID),
	}

	var assignment *repository.Assignment
	g.guarded("assign", fields, func() error {
		if conversation.AssignedToUserID != nil {
			return nil
		}
		a, err := g.assigner.AssignRoundRobin(ctx, workspaceID, channel, conversation.ID)
		if errors.Is(err, repository.ErrSerialization) {
			// Lost a rotation race with a concurrent webhook. Not retried
			// here: the conversation stays unassigned and the next trigger
			// picks it up.
			g.logger.Info("assignment lost serialization race", fields...)
			return nil
		}
		if err != nil {
			return err
		}
		assignment = a
		return nil
	})

	g.guarded("notify", fields, func() error {
		title := "Nova mensagem de " + contact.DisplayName
		if assignment != nil {
			return g.notifier.Create(ctx, workspaceID, &assignment.AssignedToUserID,
				"conversation.assigned", title, msg.Text)
		}
		if conversation.AssignedToUserID != nil {
			return g.notifier.Create(ctx, workspaceID, conversation.AssignedToUserID,
				"message.received", title, msg.Text)
		}
		return g.notifier.NotifyWorkspaceMembers(ctx, workspaceID,
			"message.received", title, msg.Text)
	})

	g.guarded("automation", fields, func() error {
		return g.automation.Dispatch(ctx, automation.EventInboundCreated, automation.Event{
			WorkspaceID:    workspaceID,
			ConversationID: conversation.ID,
			MessageID:      res.Message.ID,
			ContactID:      conversation.ContactID,
		})
	})

	g.guarded("scoring", fields, func() error {
		return g.scoring.EnqueueLead(ctx, scoring.Lead{
			WorkspaceID: workspaceID,
			ContactID:   conversation.ContactID,
			LeadName:    contact.DisplayName,
			LastMessage: msg.Text,
			Source:      channel,
		})
	})
}

// guarded runs one fan-out action behind its own error and panic boundary.
func (g *Gateway) guarded(name string, fields []zap.Field, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("fan-out action panicked",
				append([]zap.Field{zap.String("action", name), zap.Any("panic", r)}, fields...)...)
		}
	}()

	if err := fn(); err != nil {
		g.logger.Error("fan-out action failed",
			append([]zap.Field{zap.String("action", name), zap.Error(err)}, fields...)...)
	}
}
