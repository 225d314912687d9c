package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingPaid      BookingStatus = "PAID"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
)

type Booking struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	EventID     string          `json:"event_id"`
	TicketID    string          `json:"ticket_id"`
	Quantity    int             `json:"quantity"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      BookingStatus   `json:"status"`
	ExpiredAt   *time.Time      `json:"expired_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Settled reports whether the booking has moved past PENDING on the back of
// a successful payment.
func (b *Booking) Settled() bool {
	return b.Status == BookingPaid || b.Status == BookingConfirmed
}

// ExpiredBy reports whether a PENDING booking is no longer payable at now,
// regardless of whether the server has cancelled it yet.
func (b *Booking) ExpiredBy(now time.Time) bool {
	if b.Status != BookingPending || b.ExpiredAt == nil {
		return false
	}
	return now.After(*b.ExpiredAt)
}

type CreateBookingRequest struct {
	EventID  string `json:"event_id" validate:"required,uuid"`
	TicketID string `json:"ticket_id" validate:"required,uuid"`
	Quantity int    `json:"quantity" validate:"required,gte=1"`
}
