package models

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
	PaymentExpired PaymentStatus = "EXPIRED"
)

type PaymentMethod string

const (
	MethodVirtualAccount PaymentMethod = "VA"
	MethodEWallet        PaymentMethod = "EWALLET"
	MethodQRIS           PaymentMethod = "QRIS"
)

// PaymentMethods lists every method the payment service accepts.
var PaymentMethods = []PaymentMethod{MethodVirtualAccount, MethodEWallet, MethodQRIS}

func (m PaymentMethod) Valid() bool {
	for _, known := range PaymentMethods {
		if m == known {
			return true
		}
	}
	return false
}

const DefaultCurrency = "IDR"

type Payment struct {
	ID            string          `json:"id"`
	BookingID     string          `json:"booking_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        PaymentStatus   `json:"status"`
	ExpiredAt     *time.Time      `json:"expired_at,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p *Payment) Pending() bool { return p.Status == PaymentPending }

type CreatePaymentRequest struct {
	BookingID     string          `json:"booking_id" validate:"required,uuid"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"required,oneof=VA EWALLET QRIS"`
}

// MarshalJSON sends the amount as a JSON number with two decimals; the
// payment service decodes it into a float field.
func (r CreatePaymentRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		BookingID     string          `json:"booking_id"`
		Amount        json.RawMessage `json:"amount"`
		PaymentMethod PaymentMethod   `json:"payment_method"`
	}{
		BookingID:     r.BookingID,
		Amount:        json.RawMessage(r.Amount.StringFixed(2)),
		PaymentMethod: r.PaymentMethod,
	})
}

// SettlementNotification is the gateway callback shape: a payment id and the
// status it settled into.
type SettlementNotification struct {
	PaymentID string        `json:"payment_id" validate:"required"`
	Status    PaymentStatus `json:"status" validate:"required,oneof=PENDING PAID FAILED EXPIRED"`
}
