package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"ticket-reservation/internal/config"
	"ticket-reservation/internal/logger"
	"ticket-reservation/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockWriter) Close() error {
	return m.Called().Error(0)
}

var testTopics = config.TopicConfig{
	BookingReserved:  "t.reserved",
	BookingConfirmed: "t.confirmed",
	BookingCancelled: "t.cancelled",
	BookingReleased:  "t.released",
	PaymentOutcome:   "t.outcome",
}

func TestPublisher_RoutesByEventType(t *testing.T) {
	writer := new(MockWriter)
	pub := NewPublisher(NewProducerWithWriter(writer, logger.NewWithWriter(io.Discard)), testTopics)

	booking := models.Booking{ID: "b-1", UserID: "u-1", Status: models.StatusConfirmed, TotalAmount: decimal.NewFromInt(10), Currency: "lkr"}
	ev := models.NewBookingEvent(models.EventBookingConfirmed, booking, nil, time.Now())

	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 1 || msgs[0].Topic != "t.confirmed" || string(msgs[0].Key) != "b-1" {
			return false
		}
		var decoded models.BookingEvent
		return json.Unmarshal(msgs[0].Value, &decoded) == nil && decoded.Status == models.StatusConfirmed
	})).Return(nil)

	require.NoError(t, pub.PublishBookingEvent(context.Background(), ev))
	writer.AssertExpectations(t)
}

func TestPublisher_UnknownEventType(t *testing.T) {
	writer := new(MockWriter)
	pub := NewPublisher(NewProducerWithWriter(writer, logger.NewWithWriter(io.Discard)), testTopics)

	err := pub.PublishBookingEvent(context.Background(), models.BookingEvent{Type: "booking.unknown"})
	assert.Error(t, err)
	writer.AssertNotCalled(t, "WriteMessages", mock.Anything, mock.Anything)
}

func TestPublisher_PaymentOutcome(t *testing.T) {
	writer := new(MockWriter)
	pub := NewPublisher(NewProducerWithWriter(writer, logger.NewWithWriter(io.Discard)), testTopics)

	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		return len(msgs) == 1 && msgs[0].Topic == "t.outcome" && string(msgs[0].Key) == "b-2"
	})).Return(errors.New("broker down"))

	err := pub.PublishPaymentOutcome(context.Background(), models.PaymentOutcome{BookingID: "b-2", Status: models.PaymentSucceeded})
	assert.EqualError(t, err, "broker down")
}

// fakeReader replays a fixed set of messages and then blocks until cancelled.
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func outcomeMessage(t *testing.T, offset int64, bookingID string) kafka.Message {
	data, err := json.Marshal(models.PaymentOutcome{BookingID: bookingID, Status: models.PaymentSucceeded, Reference: "pi_" + bookingID})
	require.NoError(t, err)
	return kafka.Message{Topic: "t.outcome", Offset: offset, Value: data}
}

func TestConsumer_HandlesAndCommits(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{
		outcomeMessage(t, 1, "b-1"),
		{Topic: "t.outcome", Offset: 2, Value: []byte("not json")},
		outcomeMessage(t, 3, "b-3"),
	}}
	consumer := NewConsumerWithReader(reader, logger.NewWithWriter(io.Discard))
	consumer.backoff = time.Millisecond

	var mu sync.Mutex
	var handled []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(_ context.Context, o models.PaymentOutcome) error {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, o.BookingID)
			if o.BookingID == "b-3" {
				return models.ErrInvalidState
			}
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return len(reader.Committed()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b-1", "b-3"}, handled)
	assert.Equal(t, []int64{1, 2, 3}, reader.Committed())
}

func TestConsumer_RetriesTransientErrors(t *testing.T) {
	reader := &fakeReader{messages: []kafka.Message{outcomeMessage(t, 7, "b-7")}}
	consumer := NewConsumerWithReader(reader, logger.NewWithWriter(io.Discard))
	consumer.backoff = time.Millisecond

	var mu sync.Mutex
	attempts := 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, func(context.Context, models.PaymentOutcome) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 2 {
				return models.ErrStorageConflict
			}
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return len(reader.Committed()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}
