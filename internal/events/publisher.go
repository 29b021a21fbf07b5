// Package events publishes analytics events to Kafka as JSON envelopes.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tapeflow/internal/adapters/kafka"
	"tapeflow/internal/domain/depth"
	"tapeflow/internal/domain/orderflow"
	"tapeflow/pkg/errors"
	"tapeflow/pkg/logger"
)

// Producer is the transport the publisher writes through.
type Producer interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
}

// Envelope wraps every published event with identity and routing fields.
type Envelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Publisher publishes analytics events to Kafka
type Publisher struct {
	producer Producer
	log      *logger.Logger
	now      func() time.Time
}

// NewPublisher creates a new event publisher
func NewPublisher(producer Producer) *Publisher {
	return &Publisher{
		producer: producer,
		log:      logger.Get().With("component", "event_publisher"),
		now:      time.Now,
	}
}

// PublishFlowSnapshot publishes a periodic flow state event
func (p *Publisher) PublishFlowSnapshot(ctx context.Context, symbol string, snapshot orderflow.FlowSnapshot) error {
	return p.publish(ctx, kafka.TopicFlowSnapshot, symbol, "flow.snapshot", snapshot)
}

// PublishDivergence publishes a detected divergence signal
func (p *Publisher) PublishDivergence(ctx context.Context, symbol string, signal orderflow.DivergenceSignal) error {
	return p.publish(ctx, kafka.TopicDivergenceDetected, symbol, "flow.divergence_detected", signal)
}

// PublishFlowShift publishes a detected depth flow shift
func (p *Publisher) PublishFlowShift(ctx context.Context, symbol string, shift depth.FlowShift) error {
	return p.publish(ctx, kafka.TopicShiftDetected, symbol, "flow.shift_detected", shift)
}

func (p *Publisher) publish(ctx context.Context, topic, symbol, eventType string, payload interface{}) error {
	envelope := Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Symbol:    symbol,
		Timestamp: p.now().UnixMilli(),
		Payload:   payload,
	}

	if err := p.producer.Publish(ctx, topic, symbol, envelope); err != nil {
		p.log.Errorw("Failed to publish event",
			"topic", topic,
			"symbol", symbol,
			"type", eventType,
			"error", err,
		)
		return errors.Wrap(err, "publish to kafka")
	}

	p.log.Debugw("Event published",
		"topic", topic,
		"symbol", symbol,
		"type", eventType,
	)
	return nil
}
