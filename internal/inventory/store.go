// Package inventory owns the per-ticket-type available counter. Every
// mutation is a single conditional UPDATE so that concurrent reservations
// against the same row are serialized by the database.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ticket-reservation/internal/models"

	"github.com/uptrace/bun"
)

type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// TryReserve decrements available by quantity when enough stock remains.
// It must run on the transaction that records the booking.
func (s *Store) TryReserve(ctx context.Context, db bun.IDB, ticketTypeID string, quantity int) error {
	if quantity <= 0 {
		return models.ErrInvalidQuantity
	}

	res, err := db.NewUpdate().
		Model((*models.TicketType)(nil)).
		Set("available = available - ?", quantity).
		Where("id = ?", ticketTypeID).
		Where("available >= ?", quantity).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", ticketTypeID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve %s: %w", ticketTypeID, err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either the row is missing or stock is short.
	if _, err := s.Get(ctx, db, ticketTypeID); err != nil {
		return err
	}
	return fmt.Errorf("ticket type %s: %w", ticketTypeID, models.ErrInsufficientStock)
}

// Release returns quantity to the pool. The guard keeps available <= total, so
// a release without a matching reservation fails instead of inflating stock.
func (s *Store) Release(ctx context.Context, db bun.IDB, ticketTypeID string, quantity int) error {
	if quantity <= 0 {
		return models.ErrInvalidQuantity
	}

	res, err := db.NewUpdate().
		Model((*models.TicketType)(nil)).
		Set("available = available + ?", quantity).
		Where("id = ?", ticketTypeID).
		Where("available + ? <= total", quantity).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("release %s: %w", ticketTypeID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release %s: %w", ticketTypeID, err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.Get(ctx, db, ticketTypeID); err != nil {
		return err
	}
	return fmt.Errorf("release %s x%d would exceed total: %w", ticketTypeID, quantity, models.ErrInvalidState)
}

func (s *Store) Get(ctx context.Context, db bun.IDB, ticketTypeID string) (*models.TicketType, error) {
	var tt models.TicketType
	err := db.NewSelect().
		Model(&tt).
		Where("id = ?", ticketTypeID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket type %s: %w", ticketTypeID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket type %s: %w", ticketTypeID, err)
	}
	return &tt, nil
}

// GetMany loads the given ticket types keyed by ID. Missing IDs are simply
// absent from the result.
func (s *Store) GetMany(ctx context.Context, db bun.IDB, ids []string) (map[string]models.TicketType, error) {
	out := make(map[string]models.TicketType, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var types []models.TicketType
	err := db.NewSelect().
		Model(&types).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ticket types: %w", err)
	}
	for _, tt := range types {
		out[tt.ID] = tt
	}
	return out, nil
}
