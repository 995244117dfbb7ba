package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookingEventType string

const (
	EventBookingReserved  BookingEventType = "booking.reserved"
	EventBookingConfirmed BookingEventType = "booking.confirmed"
	EventBookingCancelled BookingEventType = "booking.cancelled"
	EventBookingReleased  BookingEventType = "booking.released"
)

// BookingEvent is published to Kafka and streamed to the owner over SSE
// after a workflow transition commits.
type BookingEvent struct {
	Type        BookingEventType `json:"type"`
	BookingID   string           `json:"booking_id"`
	Reference   string           `json:"reference"`
	UserID      string           `json:"user_id"`
	Status      BookingStatus    `json:"status"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Currency    string           `json:"currency"`
	PaymentRef  string           `json:"payment_ref,omitempty"`
	Lines       []EventLine      `json:"lines"`
	OccurredAt  time.Time        `json:"occurred_at"`
}

type EventLine struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
}

func NewBookingEvent(t BookingEventType, b Booking, lines []BookingLine, at time.Time) BookingEvent {
	ev := BookingEvent{
		Type:        t,
		BookingID:   b.ID,
		Reference:   b.Reference,
		UserID:      b.UserID,
		Status:      b.Status,
		TotalAmount: b.TotalAmount,
		Currency:    b.Currency,
		PaymentRef:  b.PaymentRef,
		Lines:       make([]EventLine, 0, len(lines)),
		OccurredAt:  at,
	}
	for _, l := range lines {
		ev.Lines = append(ev.Lines, EventLine{TicketTypeID: l.TicketTypeID, Quantity: l.Quantity})
	}
	return ev
}

// PaymentOutcome is what the payment service relays from a verified Stripe
// webhook to the booking service.
type PaymentOutcome struct {
	EventID     string        `json:"event_id"`
	BookingID   string        `json:"booking_id"`
	UserID      string        `json:"user_id"`
	Reference   string        `json:"reference"`
	Status      PaymentStatus `json:"status"`
	AmountMinor int64         `json:"amount_minor"`
	Currency    string        `json:"currency"`
	ReceivedAt  time.Time     `json:"received_at"`
}
