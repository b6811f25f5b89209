package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atendo-io/atendo/internal/channels"
	"github.com/atendo-io/atendo/internal/ingest"
	"github.com/atendo-io/atendo/internal/middleware"
	"github.com/atendo-io/atendo/internal/repository"
)

// ConversationHandler covers the two agent actions this service owns:
// manually claiming a conversation and replying on the contact's channel.
// Everything else about conversations (listing, closing, transfer) belongs
// to the admin surface.
type ConversationHandler struct {
	store    repository.IngestionRepository
	contacts repository.ContactRepository
	assigner repository.AssignmentRepository
	registry *channels.Registry
	resolver ingest.CredentialResolver
	logger   *zap.Logger
}

func NewConversationHandler(
	store repository.IngestionRepository,
	contacts repository.ContactRepository,
	assigner repository.AssignmentRepository,
	registry *channels.Registry,
	resolver ingest.CredentialResolver,
	logger *zap.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		store:    store,
		contacts: contacts,
		assigner: assigner,
		registry: registry,
		resolver: resolver,
		logger:   logger,
	}
}

type assignRequest struct {
	// UserID is optional: absent means "assign to me".
	UserID *uuid.UUID `json:"user_id"`
}

// Assign handles POST /v1/conversations/:id/assign
//
// Unconditional, unlike the rotation engine's claim: an agent explicitly
// taking over wins against whatever the cursor would have picked. The
// engine's "only if still unassigned" predicate is what keeps the two
// paths from clobbering each other.
func (h *ConversationHandler) Assign(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	// Body is optional — an empty POST means "assign to me".
	var req assignRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	workspaceID := middleware.GetWorkspaceID(c)
	userID := middleware.GetUserID(c)
	if req.UserID != nil {
		userID = *req.UserID
	}

	ok, err := h.assigner.AssignManually(c.Request.Context(), workspaceID, conversationID, userID)
	if err != nil {
		h.logger.Error("failed to assign conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to assign conversation"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"assigned_to_user_id": userID})
}

type sendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendMessage handles POST /v1/conversations/:id/messages
//
// Flow: load the conversation and its contact, resolve the channel's
// credentials, send through the provider, then record the OUT message.
// The provider call comes first — if the channel rejects the send, nothing
// is recorded.
func (h *ConversationHandler) SendMessage(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	workspaceID := middleware.GetWorkspaceID(c)

	conversation, err := h.store.GetConversation(ctx, workspaceID, conversationID)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	contact, err := h.contacts.GetByID(ctx, workspaceID, conversation.ContactID)
	if err != nil || contact == nil {
		h.logger.Error("failed to load contact", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load contact"})
		return
	}

	provider := h.registry.Lookup(conversation.Channel)
	if provider == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "conversation channel no longer supported"})
		return
	}

	integration, err := h.resolver.GetActiveIntegration(ctx, workspaceID, conversation.Channel)
	if err != nil {
		h.logger.Error("failed to resolve integration", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "channel not configured"})
		return
	}

	// Destination: the provider-side identity when we have it (wa_id,
	// chat id), else the phone number.
	to := ""
	switch {
	case contact.ExternalID != nil && *contact.ExternalID != "":
		to = *contact.ExternalID
	case contact.Phone != nil && *contact.Phone != "":
		to = *contact.Phone
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "contact has no sendable address"})
		return
	}

	result, err := provider.SendMessage(ctx, channels.SendInput{To: to, Text: req.Text}, integration)
	if err != nil {
		h.logger.Error("provider send failed",
			zap.String("channel", conversation.Channel), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "channel send failed"})
		return
	}

	var providerMessageID *string
	if result.ProviderMessageID != "" {
		providerMessageID = &result.ProviderMessageID
	}

	message, err := h.store.CreateOutbound(ctx, workspaceID, conversationID, req.Text, providerMessageID)
	if err != nil {
		// The send already happened; losing the record is worth a loud log
		// but the agent's reply did reach the contact.
		h.logger.Error("failed to record outbound message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message sent but not recorded"})
		return
	}

	c.JSON(http.StatusCreated, message)
}
