// Package scoring enqueues lead-scoring work for the AI pipeline. The
// pipeline itself is a separate consumer; our side of the contract is one
// enveloped event per newly ingested inbound message, published to a topic
// exchange. Enqueue failures are the caller's to log — never to propagate.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchange   = "atendo.scoring"
	routingKey = "lead.score.requested.v1"
)

// Lead is the scoring request payload.
type Lead struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	ContactID   uuid.UUID `json:"contact_id"`
	LeadName    string    `json:"lead_name"`
	LastMessage string    `json:"last_message"`
	Source      string    `json:"source"`
}

// envelope wraps every published event with routing metadata so consumers
// can correlate and version-match without peeking at the payload.
type envelope struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Producer string    `json:"producer"`
	Time     time.Time `json:"time"`
	Data     Lead      `json:"data"`
}

// Publisher is the lead-scoring enqueue contract.
type Publisher interface {
	EnqueueLead(ctx context.Context, lead Lead) error
	Close() error
}

type amqpPublisher struct {
	conn *amqp.Connection
}

// New connects to the broker and declares the scoring topic exchange.
func New(url string) (Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &amqpPublisher{conn: conn}, nil
}

func (p *amqpPublisher) EnqueueLead(ctx context.Context, lead Lead) error {
	// Channels are not goroutine-safe; the connection is. One short-lived
	// channel per publish keeps concurrent webhook handlers out of each
	// other's way.
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	event := envelope{
		ID:       uuid.NewString(),
		Type:     routingKey,
		Producer: "atendo-ingest",
		Time:     time.Now().UTC(),
		Data:     lead,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode scoring event: %w", err)
	}

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.Time,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish scoring event: %w", err)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	return p.conn.Close()
}

// fallbackPublisher is used when no broker is configured: it logs the skip
// and succeeds, so environments without the scoring pipeline still ingest.
type fallbackPublisher struct {
	logger *zap.Logger
}

func NewFallback(logger *zap.Logger) Publisher {
	return &fallbackPublisher{logger: logger}
}

func (p *fallbackPublisher) EnqueueLead(ctx context.Context, lead Lead) error {
	p.logger.Warn("scoring broker not configured, skipping enqueue",
		zap.String("contact_id", lead.ContactID.String()))
	return nil
}

func (p *fallbackPublisher) Close() error {
	return nil
}
