// Package payment adapts the Stripe payment-intent API to the booking
// workflow and verifies Stripe webhooks.
package payment

import (
	"context"

	"ticket-reservation/internal/models"

	"github.com/shopspring/decimal"
)

// IntentRequest describes one charge attempt for a Pending booking.
type IntentRequest struct {
	BookingID       string
	UserID          string
	Reference       string
	Amount          decimal.Decimal
	Currency        string
	PaymentMethodID string
	ReturnURL       string
	Supersedes      string // the booking's previous intent, if any
}

// Intent is the gateway's view of a payment intent.
type Intent struct {
	ID            string
	Status        models.PaymentStatus
	ClientSecret  string
	AmountMinor   int64
	Currency      string
	BookingID     string
	FailureReason string
}

// Gateway is the external payment provider. Implementations must be safe for
// concurrent use.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	CancelIntent(ctx context.Context, id string) error
}

// ToMinor converts an amount in major units to the smallest currency unit.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
