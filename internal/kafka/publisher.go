package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"ticket-reservation/internal/config"
	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/models"
)

// Publisher sends booking lifecycle events and payment outcomes to their
// topics. Keys are booking IDs so one booking's events stay ordered.
type Publisher struct {
	producer *Producer
	topics   config.TopicConfig
}

func NewPublisher(producer *Producer, topics config.TopicConfig) *Publisher {
	return &Publisher{producer: producer, topics: topics}
}

func (p *Publisher) PublishBookingEvent(ctx context.Context, ev models.BookingEvent) error {
	topic, err := p.topicFor(ev.Type)
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, topic, ev.BookingID, ev)
}

func (p *Publisher) PublishPaymentOutcome(ctx context.Context, outcome models.PaymentOutcome) error {
	return p.producer.Publish(ctx, p.topics.PaymentOutcome, outcome.BookingID, outcome)
}

func (p *Publisher) topicFor(t models.BookingEventType) (string, error) {
	switch t {
	case models.EventBookingReserved:
		return p.topics.BookingReserved, nil
	case models.EventBookingConfirmed:
		return p.topics.BookingConfirmed, nil
	case models.EventBookingCancelled:
		return p.topics.BookingCancelled, nil
	case models.EventBookingReleased:
		return p.topics.BookingReleased, nil
	}
	return "", fmt.Errorf("no topic for event type %q", t)
}

// LogPublisher stands in for Kafka when it is disabled; events are only logged.
type LogPublisher struct {
	log *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) PublishBookingEvent(_ context.Context, ev models.BookingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	p.log.LogKafka("SKIP", string(ev.Type), string(data))
	return nil
}

func (p *LogPublisher) PublishPaymentOutcome(_ context.Context, outcome models.PaymentOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	p.log.LogKafka("SKIP", "payment.outcome", string(data))
	return nil
}
