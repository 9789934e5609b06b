// Package events publishes order lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// OrderEvent is the message body emitted after a committed status change.
type OrderEvent struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	OrderID        string         `json:"order_id"`
	OrderNumber    string         `json:"order_number"`
	PreviousStatus string         `json:"previous_status"`
	NewStatus      string         `json:"new_status"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Publisher delivers order events to the configured topic.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher builds a Kafka-backed publisher. Writes are synchronous so a
// delivery failure surfaces to the caller instead of being dropped.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("events: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Publisher{writer: writer, logger: logger}, nil
}

// PublishOrderEvent writes a single event keyed by order id so that all
// events for one order land on the same partition in order.
func (p *Publisher) PublishOrderEvent(ctx context.Context, event OrderEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	message := kafka.Message{
		Key:   []byte(event.OrderID),
		Value: payload,
		Time:  event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("events: write: %w", err)
	}
	p.logger.Debug("order event published",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID),
	)
	return nil
}

// Close flushes and releases the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
