package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/models"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomeHandler applies one payment outcome.
type OutcomeHandler func(ctx context.Context, outcome models.PaymentOutcome) error

type Consumer struct {
	reader     MessageReader
	log        *logger.Logger
	maxRetries int
	backoff    time.Duration
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
	return NewConsumerWithReader(reader, log)
}

func NewConsumerWithReader(r MessageReader, log *logger.Logger) *Consumer {
	return &Consumer{reader: r, log: log, maxRetries: 3, backoff: 500 * time.Millisecond}
}

// Run consumes payment outcomes until ctx is cancelled. A message is
// committed once handled, once it fails to decode, or after maxRetries failed
// attempts, so a poison message cannot stall the partition.
func (c *Consumer) Run(ctx context.Context, handle OutcomeHandler) error {
	c.log.LogProcess("KAFKA_CONSUMER", "Payment outcome consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.LogProcess("KAFKA_CONSUMER", "Payment outcome consumer stopped")
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Error reading message: %v", err))
			if !sleepCtx(ctx, c.backoff) {
				return nil
			}
			continue
		}

		var outcome models.PaymentOutcome
		if err := json.Unmarshal(msg.Value, &outcome); err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Failed to unmarshal message at offset %d: %v", msg.Offset, err))
		} else {
			c.log.LogKafka("RECEIVED", msg.Topic, fmt.Sprintf("booking=%s status=%s", outcome.BookingID, outcome.Status))
			c.handleWithRetry(ctx, handle, outcome)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Failed to commit offset %d: %v", msg.Offset, err))
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, handle OutcomeHandler, outcome models.PaymentOutcome) {
	for attempt := 1; ; attempt++ {
		err := handle(ctx, outcome)
		if err == nil {
			return
		}
		if attempt >= c.maxRetries || !retryable(err) {
			c.log.Error("KAFKA", fmt.Sprintf("Dropping payment outcome for booking %s after %d attempt(s): %v", outcome.BookingID, attempt, err))
			return
		}
		c.log.Warn("KAFKA", fmt.Sprintf("Retrying payment outcome for booking %s: %v", outcome.BookingID, err))
		if !sleepCtx(ctx, c.backoff) {
			return
		}
	}
}

// retryable reports whether a later attempt could succeed. Business
// rejections are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrPaymentMismatch),
		errors.Is(err, models.ErrForbidden):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
