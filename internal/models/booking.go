package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusCancelled BookingStatus = "cancelled"
	StatusReleased  BookingStatus = "released"
)

// Terminal reports whether no further transition is defined out of s.
// Confirmed is not terminal: a customer may still cancel it inside the window.
func (s BookingStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusReleased
}

type Booking struct {
	bun.BaseModel `bun:"table:bookings,alias:b"`

	ID             string          `bun:"id,pk" json:"id"`
	Reference      string          `bun:"reference,notnull,unique" json:"reference"`
	UserID         string          `bun:"user_id,notnull" json:"user_id"`
	Status         BookingStatus   `bun:"status,notnull" json:"status"`
	TotalAmount    decimal.Decimal `bun:"total_amount,type:numeric(12,2),notnull" json:"total_amount"`
	Currency       string          `bun:"currency,notnull" json:"currency"`
	PaymentRef     string          `bun:"payment_ref,nullzero" json:"payment_ref,omitempty"`
	LoyaltyPoints  int64           `bun:"loyalty_points,notnull" json:"loyalty_points"`
	PointsCredited bool            `bun:"points_credited,notnull" json:"points_credited"`
	HoldExpiresAt  time.Time       `bun:"hold_expires_at,notnull" json:"hold_expires_at"`
	CreatedAt      time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time       `bun:"updated_at,notnull" json:"updated_at"`
	ConfirmedAt    time.Time       `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
	CancelledAt    time.Time       `bun:"cancelled_at,nullzero" json:"cancelled_at,omitempty"`
}

type BookingLine struct {
	bun.BaseModel `bun:"table:booking_lines,alias:bl"`

	ID              string          `bun:"id,pk" json:"id"`
	BookingID       string          `bun:"booking_id,notnull" json:"booking_id"`
	TicketTypeID    string          `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	Quantity        int             `bun:"quantity,notnull" json:"quantity"`
	UnitPrice       decimal.Decimal `bun:"unit_price,type:numeric(12,2),notnull" json:"unit_price"`
	RedemptionToken string          `bun:"redemption_token,notnull,unique" json:"-"`
	Redeemed        bool            `bun:"redeemed,notnull" json:"redeemed"`
	RedeemedAt      time.Time       `bun:"redeemed_at,nullzero" json:"redeemed_at,omitempty"`
}

// Subtotal is quantity times the captured unit price.
func (l BookingLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type LoyaltyAccount struct {
	bun.BaseModel `bun:"table:loyalty_accounts,alias:la"`

	UserID    string    `bun:"user_id,pk" json:"user_id"`
	Points    int64     `bun:"points,notnull" json:"points"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// BookingWithLines is the read model returned to the owning customer.
type BookingWithLines struct {
	Booking
	Lines []BookingLineView `json:"lines"`
}

type BookingLineView struct {
	ID           string          `json:"id"`
	TicketTypeID string          `json:"ticket_type_id"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Redeemed     bool            `json:"redeemed"`
	// Token is only exposed once the booking is confirmed.
	Token string `json:"redemption_token,omitempty"`
}

func NewBookingWithLines(b Booking, lines []BookingLine) BookingWithLines {
	views := make([]BookingLineView, 0, len(lines))
	for _, l := range lines {
		v := BookingLineView{
			ID:           l.ID,
			TicketTypeID: l.TicketTypeID,
			Quantity:     l.Quantity,
			UnitPrice:    l.UnitPrice,
			Redeemed:     l.Redeemed,
		}
		if b.Status == StatusConfirmed {
			v.Token = l.RedemptionToken
		}
		views = append(views, v)
	}
	return BookingWithLines{Booking: b, Lines: views}
}
