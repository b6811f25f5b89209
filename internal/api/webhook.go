package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atendo-io/atendo/internal/ingest"
	"github.com/atendo-io/atendo/internal/integrations"
	"github.com/atendo-io/atendo/internal/repository"
)

// WorkspaceHeader carries the workspace identifier on webhook calls. It is
// part of the webhook URL configuration handed to each channel provider.
const WorkspaceHeader = "X-Workspace-ID"

// Cap on webhook bodies. Text payloads are tiny; anything near this is
// either media (which we don't ingest) or abuse.
const maxWebhookBody = 1 << 20

// Gateway is the slice of the ingest pipeline the handler drives.
type Gateway interface {
	ReceiveWebhook(ctx context.Context, channel string, payload []byte, headers http.Header, workspaceID uuid.UUID) (*ingest.Summary, error)
}

type WebhookHandler struct {
	gateway Gateway
	logger  *zap.Logger
}

func NewWebhookHandler(gateway Gateway, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{gateway: gateway, logger: logger}
}

// Receive handles POST /:channel/webhook
//
// The response contract with channel providers: 2xx with a processed count
// (zero is fine — an all-duplicate batch is a success) or a 4xx for
// structurally invalid or unauthenticated requests. Never a 5xx for
// anything representable as "processed: 0" — providers retry on 5xx and
// timeouts, and retries are exactly the duplicate pressure we're trying
// to absorb.
func (h *WebhookHandler) Receive(c *gin.Context) {
	channel := c.Param("channel")

	// Raw body, not ShouldBindJSON: signature verification runs over the
	// exact bytes the provider signed.
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	workspaceID := uuid.Nil
	if raw := c.GetHeader(WorkspaceHeader); raw != "" {
		workspaceID, err = uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace identifier"})
			return
		}
	}

	summary, err := h.gateway.ReceiveWebhook(c.Request.Context(), channel, payload, c.Request.Header, workspaceID)
	if err != nil {
		h.respondError(c, channel, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (h *WebhookHandler) respondError(c *gin.Context, channel string, err error) {
	switch {
	case errors.Is(err, ingest.ErrMissingWorkspace):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing workspace identifier"})
	case errors.Is(err, ingest.ErrUnsupportedChannel):
		c.JSON(http.StatusNotFound, gin.H{"error": "unsupported channel"})
	case errors.Is(err, ingest.ErrInvalidWebhook):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "webhook verification failed"})
	case errors.Is(err, ingest.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
	case errors.Is(err, integrations.ErrNotConfigured):
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not configured for workspace"})
	case errors.Is(err, integrations.ErrConfigurationIncomplete):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "channel configuration incomplete"})
	case errors.Is(err, repository.ErrBadInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message carries no contact identity"})
	default:
		h.logger.Error("webhook processing failed",
			zap.String("channel", channel), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
	}
}
