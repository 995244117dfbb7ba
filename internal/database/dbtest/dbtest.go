// Package dbtest opens an in-memory SQLite database with the booking schema
// for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"ticket-reservation/internal/models"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// New returns a bun.DB over a private in-memory SQLite database. The pool is
// pinned to one connection so every query sees the same database and
// concurrent transactions queue instead of failing with SQLITE_BUSY.
func New(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, model := range []interface{}{
		(*models.Event)(nil),
		(*models.TicketType)(nil),
		(*models.Booking)(nil),
		(*models.BookingLine)(nil),
		(*models.LoyaltyAccount)(nil),
	} {
		if _, err := db.NewCreateTable().Model(model).Exec(ctx); err != nil {
			t.Fatalf("Failed to create table for %T: %v", model, err)
		}
	}
	return db
}

// SeedEvent inserts an event starting at startsAt.
func SeedEvent(t *testing.T, db bun.IDB, id string, startsAt time.Time) models.Event {
	t.Helper()
	ev := models.Event{ID: id, Title: "Event " + id, Venue: "Main Hall", StartsAt: startsAt.UTC(), CreatedAt: time.Now().UTC()}
	if _, err := db.NewInsert().Model(&ev).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to seed event %s: %v", id, err)
	}
	return ev
}

// SeedTicketType inserts a ticket type with available == total.
func SeedTicketType(t *testing.T, db bun.IDB, id, eventID string, price int64, total int) models.TicketType {
	t.Helper()
	tt := models.TicketType{
		ID:        id,
		EventID:   eventID,
		Name:      "Regular",
		UnitPrice: decimal.NewFromInt(price),
		Available: total,
		Total:     total,
	}
	if _, err := db.NewInsert().Model(&tt).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to seed ticket type %s: %v", id, err)
	}
	return tt
}

// Available reads the current counter for a ticket type.
func Available(t *testing.T, db bun.IDB, id string) int {
	t.Helper()
	var tt models.TicketType
	if err := db.NewSelect().Model(&tt).Where("id = ?", id).Scan(context.Background()); err != nil {
		t.Fatalf("Failed to read ticket type %s: %v", id, err)
	}
	return tt.Available
}
