package models

import (
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// TicketType is a purchasable admission category with its own price and
// quantity pool. Available is the only hot counter in the system and is
// mutated exclusively through the inventory store.
type TicketType struct {
	bun.BaseModel `bun:"table:ticket_types,alias:tt"`

	ID        string          `bun:"id,pk" json:"id"`
	EventID   string          `bun:"event_id,notnull" json:"event_id"`
	Name      string          `bun:"name,notnull" json:"name"`
	UnitPrice decimal.Decimal `bun:"unit_price,type:numeric(12,2),notnull" json:"unit_price"`
	Available int             `bun:"available,notnull" json:"available"`
	Total     int             `bun:"total,notnull" json:"total"`
}

type TicketAvailability struct {
	TicketTypeID string          `json:"ticketTypeId"`
	EventID      string          `json:"eventId"`
	Name         string          `json:"name"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	Available    int             `json:"available"`
	Total        int             `json:"total"`
}

func (t TicketType) Availability() TicketAvailability {
	return TicketAvailability{
		TicketTypeID: t.ID,
		EventID:      t.EventID,
		Name:         t.Name,
		UnitPrice:    t.UnitPrice,
		Available:    t.Available,
		Total:        t.Total,
	}
}
