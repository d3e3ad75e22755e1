package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marminbh/webhook-ingest/internal/config"
	"github.com/marminbh/webhook-ingest/internal/rabbitmq"
)

// AcceptedEvent is the message emitted for each newly admitted webhook. The
// downstream CRM processor loads the full row by event id; the envelope stays
// deliberately small.
type AcceptedEvent struct {
	EventID    string    `json:"event_id"`
	Source     string    `json:"source"`
	EventType  string    `json:"event_type"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Publisher emits accepted-event messages to the configured exchange.
type Publisher struct {
	conn       *rabbitmq.Connection
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// New creates a publisher bound to the accepted-events exchange.
func New(conn *rabbitmq.Connection, cfg *config.RabbitMQConfig, logger *zap.Logger) *Publisher {
	return &Publisher{
		conn:       conn,
		exchange:   cfg.AcceptedExchange,
		routingKey: cfg.AcceptedRoutingKey,
		logger:     logger,
	}
}

// PublishAccepted announces a newly recorded event to the downstream queue.
func (p *Publisher) PublishAccepted(ctx context.Context, eventID uuid.UUID, source, eventType string) error {
	msg := AcceptedEvent{
		EventID:    eventID.String(),
		Source:     source,
		EventType:  eventType,
		AcceptedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal accepted event: %w", err)
	}

	if err := p.conn.PublishMessage(p.exchange, p.routingKey, body); err != nil {
		return err
	}

	p.logger.Debug("Published accepted event",
		zap.String("event_id", msg.EventID),
		zap.String("source", source),
		zap.String("routing_key", p.routingKey),
	)
	return nil
}
