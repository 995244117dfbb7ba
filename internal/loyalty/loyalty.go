// Package loyalty keeps the per-customer points balance. Points are earned
// when a booking is confirmed and taken back when it is cancelled.
package loyalty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ticket-reservation/internal/models"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// PointsFor returns floor(total / divisor). A non-positive divisor earns nothing.
func PointsFor(total decimal.Decimal, divisor int64) int64 {
	if divisor <= 0 || total.Sign() <= 0 {
		return 0
	}
	return total.Div(decimal.NewFromInt(divisor)).Floor().IntPart()
}

type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Credit adds points to the user's balance, opening the account on first use.
func (l *Ledger) Credit(ctx context.Context, db bun.IDB, userID string, points int64, now time.Time) error {
	if points < 0 {
		return fmt.Errorf("credit %d points: %w", points, models.ErrInvalidQuantity)
	}
	if points == 0 {
		return nil
	}

	account := models.LoyaltyAccount{UserID: userID, Points: 0, UpdatedAt: now}
	if _, err := db.NewInsert().
		Model(&account).
		On("CONFLICT (user_id) DO NOTHING").
		Exec(ctx); err != nil {
		return fmt.Errorf("open loyalty account %s: %w", userID, err)
	}

	_, err := db.NewUpdate().
		Model((*models.LoyaltyAccount)(nil)).
		Set("points = points + ?", points).
		Set("updated_at = ?", now).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credit loyalty %s: %w", userID, err)
	}
	return nil
}

// Debit subtracts points, clamping the balance at zero. A missing account is
// treated as an empty one.
func (l *Ledger) Debit(ctx context.Context, db bun.IDB, userID string, points int64, now time.Time) error {
	if points < 0 {
		return fmt.Errorf("debit %d points: %w", points, models.ErrInvalidQuantity)
	}
	if points == 0 {
		return nil
	}

	_, err := db.NewUpdate().
		Model((*models.LoyaltyAccount)(nil)).
		Set("points = CASE WHEN points > ? THEN points - ? ELSE 0 END", points, points).
		Set("updated_at = ?", now).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("debit loyalty %s: %w", userID, err)
	}
	return nil
}

// Balance returns the current points for userID, zero when no account exists.
func (l *Ledger) Balance(ctx context.Context, db bun.IDB, userID string) (int64, error) {
	var account models.LoyaltyAccount
	err := db.NewSelect().
		Model(&account).
		Where("user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loyalty balance %s: %w", userID, err)
	}
	return account.Points, nil
}
