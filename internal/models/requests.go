package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LineRequest struct {
	TicketTypeID string `json:"ticketTypeId" validate:"required"`
	Quantity     int    `json:"quantity" validate:"required,min=1"`
}

// ReserveRequest accepts either a single ticketTypeId/quantity pair or a
// list of lines.
type ReserveRequest struct {
	TicketTypeID string        `json:"ticketTypeId,omitempty"`
	Quantity     int           `json:"quantity,omitempty"`
	Lines        []LineRequest `json:"lines,omitempty" validate:"omitempty,dive"`
}

func (r ReserveRequest) Normalize() []LineRequest {
	if len(r.Lines) > 0 {
		return r.Lines
	}
	return []LineRequest{{TicketTypeID: r.TicketTypeID, Quantity: r.Quantity}}
}

type ReserveResponse struct {
	BookingID     string          `json:"bookingId"`
	Reference     string          `json:"reference"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Currency      string          `json:"currency"`
	LoyaltyPoints int64           `json:"loyaltyPoints"`
	HoldExpiresAt time.Time       `json:"holdExpiresAt"`
}

type ConfirmRequest struct {
	BookingID        string `json:"bookingId" validate:"required"`
	PaymentReference string `json:"paymentReference" validate:"required"`
}

type CancelRequest struct {
	BookingID string `json:"bookingId" validate:"required"`
}

type PayRequest struct {
	PaymentMethodID string `json:"paymentMethodId,omitempty"`
	ReturnURL       string `json:"returnUrl,omitempty" validate:"omitempty,url"`
}

type PaymentStatus string

const (
	PaymentSucceeded      PaymentStatus = "succeeded"
	PaymentRequiresAction PaymentStatus = "requires_action"
	PaymentFailed         PaymentStatus = "failed"
)

type PayResponse struct {
	BookingID        string        `json:"bookingId"`
	Status           PaymentStatus `json:"status"`
	BookingStatus    BookingStatus `json:"bookingStatus"`
	PaymentReference string        `json:"paymentReference,omitempty"`
	ClientSecret     string        `json:"clientSecret,omitempty"`
}

type RedeemRequest struct {
	Token string `json:"token" validate:"required"`
}

type RedeemResponse struct {
	BookingID    string    `json:"bookingId"`
	LineID       string    `json:"lineId"`
	TicketTypeID string    `json:"ticketTypeId"`
	Quantity     int       `json:"quantity"`
	RedeemedAt   time.Time `json:"redeemedAt"`
}
