package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Event struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	EventDate   time.Time `json:"event_date"`
	CreatedAt   time.Time `json:"created_at"`
}

// TicketOffer is a ticket category on sale for an event. Quota is the
// server's live counter at the time it was fetched; treat it as advisory.
type TicketOffer struct {
	ID       string          `json:"id"`
	EventID  string          `json:"event_id"`
	Category string          `json:"category"` // VIP, Regular
	Price    decimal.Decimal `json:"price"`
	Quota    int             `json:"quota"`
}

// Total returns price * quantity.
func (t TicketOffer) Total(quantity int) decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(int64(quantity)))
}
