// Package events announces payment record status changes to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// StatusChanged is published after every committed record transition.
type StatusChanged struct {
	RecordID       string               `json:"record_id"`
	GatewayOrderID string               `json:"gateway_order_id"`
	UserID         string               `json:"user_id"`
	Method         models.PaymentMethod `json:"method"`
	From           models.PaymentStatus `json:"previous_status"`
	To             models.PaymentStatus `json:"status"`
	Source         string               `json:"source"`
	Amount         decimal.Decimal      `json:"amount"`
	Currency       string               `json:"currency"`
	Version        int64                `json:"version"`
	OccurredAt     time.Time            `json:"timestamp"`
}

// Publisher delivers StatusChanged events. Delivery is best effort: the record
// is already committed when Publish is called.
type Publisher interface {
	Publish(ctx context.Context, ev StatusChanged) error
	Close() error
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

var _ Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// Publish keys messages by gateway order id so every event for one order lands
// on the same partition, in commit order.
func (p *KafkaPublisher) Publish(ctx context.Context, ev StatusChanged) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.GatewayOrderID),
		Value: value,
		Time:  ev.OccurredAt,
	}); err != nil {
		p.logger.Error("Failed to publish status change",
			zap.String("order_id", ev.GatewayOrderID),
			zap.String("status", string(ev.To)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// Noop discards events; used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, StatusChanged) error { return nil }
func (Noop) Close() error                                 { return nil }
