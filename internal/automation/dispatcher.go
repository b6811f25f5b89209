// Package automation dispatches domain events to the workspace automation
// engine (a separate service that runs user-configured rules: auto-replies,
// tagging, SLA timers). The call is synchronous; a failure means the rules
// didn't run for this event, which the gateway logs and moves on — ingestion
// is never reverted for it.
package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventInboundCreated is dispatched once per newly ingested inbound message.
const EventInboundCreated = "message.inbound.created"

// Event is the dispatch payload.
type Event struct {
	WorkspaceID    uuid.UUID `json:"workspace_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	ContactID      uuid.UUID `json:"contact_id"`
}

// Dispatcher is the automation engine contract.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string, event Event) error
}

// HTTPDispatcher posts events to the automation engine's ingest endpoint.
type HTTPDispatcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDispatcher(baseURL string) *HTTPDispatcher {
	return &HTTPDispatcher{
		baseURL: baseURL,
		// Tight timeout: this runs on the webhook critical path (guarded,
		// but still serial). A slow rules engine must not stall the 2xx
		// back to the channel provider long enough to trigger re-delivery.
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, eventType string, event Event) error {
	body, err := json.Marshal(map[string]any{
		"type":  eventType,
		"event": event,
	})
	if err != nil {
		return fmt.Errorf("encode automation event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build automation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", eventType, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch %s: automation engine returned %d", eventType, resp.StatusCode)
	}
	return nil
}

// NoopDispatcher is wired when AUTOMATION_URL is unset.
type NoopDispatcher struct {
	logger *zap.Logger
}

func NewNoop(logger *zap.Logger) *NoopDispatcher {
	return &NoopDispatcher{logger: logger}
}

func (d *NoopDispatcher) Dispatch(ctx context.Context, eventType string, event Event) error {
	d.logger.Debug("automation engine not configured, skipping dispatch",
		zap.String("event_type", eventType),
		zap.String("conversation_id", event.ConversationID.String()))
	return nil
}
