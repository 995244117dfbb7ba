// Package db is the booking ledger: bookings, their lines and every status
// transition. Methods take a bun.IDB so callers can compose them with
// inventory and loyalty changes inside one transaction.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ticket-reservation/internal/loyalty"
	"ticket-reservation/internal/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type DB struct {
	Bun *bun.DB
}

func New(bunDB *bun.DB) *DB {
	return &DB{Bun: bunDB}
}

// RunInTx runs fn in a transaction and maps serialization failures to
// models.ErrStorageConflict.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return classify(d.Bun.RunInTx(ctx, &sql.TxOptions{}, fn))
}

func classify(err error) error {
	if err == nil || errors.Is(err, models.ErrStorageConflict) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", models.ErrStorageConflict, err)
		}
		return err
	}
	if msg := err.Error(); strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", models.ErrStorageConflict, err)
	}
	return err
}

// ---------------- BOOKINGS ----------------

type PendingLine struct {
	ID              string
	TicketTypeID    string
	Quantity        int
	UnitPrice       decimal.Decimal
	RedemptionToken string
}

type PendingBooking struct {
	ID            string
	Reference     string
	UserID        string
	Currency      string
	PointsDivisor int64
	Lines         []PendingLine
	CreatedAt     time.Time
	HoldExpiresAt time.Time
}

// CreatePending → insert a Pending booking and its lines. The total is the sum
// of quantity × captured unit price and the points are fixed here.
func (d *DB) CreatePending(ctx context.Context, db bun.IDB, p PendingBooking) (*models.Booking, []models.BookingLine, error) {
	if len(p.Lines) == 0 {
		return nil, nil, fmt.Errorf("booking without lines: %w", models.ErrInvalidQuantity)
	}

	total := decimal.Zero
	lines := make([]models.BookingLine, 0, len(p.Lines))
	for _, pl := range p.Lines {
		if pl.Quantity <= 0 {
			return nil, nil, models.ErrInvalidQuantity
		}
		line := models.BookingLine{
			ID:              pl.ID,
			BookingID:       p.ID,
			TicketTypeID:    pl.TicketTypeID,
			Quantity:        pl.Quantity,
			UnitPrice:       pl.UnitPrice,
			RedemptionToken: pl.RedemptionToken,
		}
		total = total.Add(line.Subtotal())
		lines = append(lines, line)
	}

	booking := &models.Booking{
		ID:            p.ID,
		Reference:     p.Reference,
		UserID:        p.UserID,
		Status:        models.StatusPending,
		TotalAmount:   total,
		Currency:      p.Currency,
		LoyaltyPoints: loyalty.PointsFor(total, p.PointsDivisor),
		HoldExpiresAt: p.HoldExpiresAt.UTC(),
		CreatedAt:     p.CreatedAt.UTC(),
		UpdatedAt:     p.CreatedAt.UTC(),
	}

	if _, err := db.NewInsert().Model(booking).Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("insert booking: %w", err)
	}
	if _, err := db.NewInsert().Model(&lines).Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("insert booking lines: %w", err)
	}
	return booking, lines, nil
}

// GetByID → fetch one booking by its ID
func (d *DB) GetByID(ctx context.Context, db bun.IDB, id string) (*models.Booking, error) {
	var booking models.Booking
	err := db.NewSelect().
		Model(&booking).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// FindOwned → fetch a booking, refusing one that belongs to someone else
func (d *DB) FindOwned(ctx context.Context, db bun.IDB, id, userID string) (*models.Booking, error) {
	booking, err := d.GetByID(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if booking.UserID != userID {
		return nil, fmt.Errorf("booking %s: %w", id, models.ErrForbidden)
	}
	return booking, nil
}

// GetLines → lines of a booking in insertion order
func (d *DB) GetLines(ctx context.Context, db bun.IDB, bookingID string) ([]models.BookingLine, error) {
	var lines []models.BookingLine
	err := db.NewSelect().
		Model(&lines).
		Where("booking_id = ?", bookingID).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// ListByUser → newest bookings first
func (d *DB) ListByUser(ctx context.Context, db bun.IDB, userID string) ([]models.Booking, error) {
	var bookings []models.Booking
	err := db.NewSelect().
		Model(&bookings).
		Where("user_id = ?", userID).
		OrderExpr("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return bookings, nil
}

// SetPaymentRef records the gateway intent on a Pending booking.
func (d *DB) SetPaymentRef(ctx context.Context, db bun.IDB, id, ref string, now time.Time) error {
	res, err := db.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("payment_ref = ?", ref).
		Set("updated_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("status = ?", models.StatusPending).
		Exec(ctx)
	return d.checkTransition(ctx, db, id, res, err)
}

// MarkConfirmed moves Pending → Confirmed. The caller credits loyalty in the
// same transaction, so the booking is flagged as credited here.
func (d *DB) MarkConfirmed(ctx context.Context, db bun.IDB, id, ref string, now time.Time) error {
	res, err := db.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("status = ?", models.StatusConfirmed).
		Set("payment_ref = ?", ref).
		Set("points_credited = ?", true).
		Set("confirmed_at = ?", now.UTC()).
		Set("updated_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("status = ?", models.StatusPending).
		Exec(ctx)
	return d.checkTransition(ctx, db, id, res, err)
}

// MarkCancelled moves from → Cancelled. from must be Pending or Confirmed.
func (d *DB) MarkCancelled(ctx context.Context, db bun.IDB, id string, from models.BookingStatus, now time.Time) error {
	if from != models.StatusPending && from != models.StatusConfirmed {
		return fmt.Errorf("cancel from %s: %w", from, models.ErrInvalidState)
	}
	res, err := db.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("status = ?", models.StatusCancelled).
		Set("points_credited = ?", false).
		Set("cancelled_at = ?", now.UTC()).
		Set("updated_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	return d.checkTransition(ctx, db, id, res, err)
}

// MarkReleased moves Pending → Released after a hold lapses or the customer
// abandons an unpaid booking.
func (d *DB) MarkReleased(ctx context.Context, db bun.IDB, id string, now time.Time) error {
	res, err := db.NewUpdate().
		Model((*models.Booking)(nil)).
		Set("status = ?", models.StatusReleased).
		Set("cancelled_at = ?", now.UTC()).
		Set("updated_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("status = ?", models.StatusPending).
		Exec(ctx)
	return d.checkTransition(ctx, db, id, res, err)
}

// checkTransition turns a zero-row conditional update into NotFound or
// InvalidState depending on whether the booking exists.
func (d *DB) checkTransition(ctx context.Context, db bun.IDB, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	current, err := d.GetByID(ctx, db, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("booking %s is %s: %w", id, current.Status, models.ErrInvalidState)
}

// ListExpiredPending → Pending bookings whose hold ended before now, oldest first
func (d *DB) ListExpiredPending(ctx context.Context, db bun.IDB, now time.Time, limit int) ([]models.Booking, error) {
	var bookings []models.Booking
	q := db.NewSelect().
		Model(&bookings).
		Where("status = ?", models.StatusPending).
		Where("hold_expires_at < ?", now.UTC()).
		OrderExpr("hold_expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return bookings, nil
}

// ---------------- LINES ----------------

// GetLineByID → fetch one booking line
func (d *DB) GetLineByID(ctx context.Context, db bun.IDB, lineID string) (*models.BookingLine, error) {
	var line models.BookingLine
	err := db.NewSelect().
		Model(&line).
		Where("id = ?", lineID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking line %s: %w", lineID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &line, nil
}

// MarkLineRedeemed flips the redeemed flag once. The token must match the one
// issued for the line.
func (d *DB) MarkLineRedeemed(ctx context.Context, db bun.IDB, lineID, token string, now time.Time) error {
	res, err := db.NewUpdate().
		Model((*models.BookingLine)(nil)).
		Set("redeemed = ?", true).
		Set("redeemed_at = ?", now.UTC()).
		Where("id = ?", lineID).
		Where("redemption_token = ?", token).
		Where("redeemed = ?", false).
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	line, err := d.GetLineByID(ctx, db, lineID)
	if err != nil {
		return err
	}
	if line.RedemptionToken != token {
		return models.ErrInvalidToken
	}
	return models.ErrAlreadyRedeemed
}

// EarliestEventStart → the soonest event any line of the booking admits to
func (d *DB) EarliestEventStart(ctx context.Context, db bun.IDB, bookingID string) (time.Time, error) {
	lines, err := d.GetLines(ctx, db, bookingID)
	if err != nil {
		return time.Time{}, err
	}
	if len(lines) == 0 {
		return time.Time{}, fmt.Errorf("booking %s has no lines: %w", bookingID, models.ErrNotFound)
	}

	typeIDs := make([]string, 0, len(lines))
	for _, l := range lines {
		typeIDs = append(typeIDs, l.TicketTypeID)
	}
	var types []models.TicketType
	if err := db.NewSelect().Model(&types).Where("id IN (?)", bun.In(typeIDs)).Scan(ctx); err != nil {
		return time.Time{}, err
	}

	eventIDs := make([]string, 0, len(types))
	for _, tt := range types {
		eventIDs = append(eventIDs, tt.EventID)
	}
	if len(eventIDs) == 0 {
		return time.Time{}, fmt.Errorf("events for booking %s: %w", bookingID, models.ErrNotFound)
	}
	var events []models.Event
	if err := db.NewSelect().Model(&events).Where("id IN (?)", bun.In(eventIDs)).Scan(ctx); err != nil {
		return time.Time{}, err
	}
	if len(events) == 0 {
		return time.Time{}, fmt.Errorf("events for booking %s: %w", bookingID, models.ErrNotFound)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].StartsAt.Before(events[j].StartsAt) })
	return events[0].StartsAt.UTC(), nil
}
