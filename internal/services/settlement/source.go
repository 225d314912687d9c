// Package settlement reports when a payment leaves PENDING. The payment
// service settles payments asynchronously through a gateway callback; a
// Source observes that outcome by polling, a PubNub channel, or the local
// webhook receiver.
package settlement

import (
	"context"
	"time"

	"ticket-client/models"
)

// Update is the first non-PENDING status observed for a payment. Err is set
// instead when the source gave up without observing one.
type Update struct {
	PaymentID string
	Status    models.PaymentStatus
	At        time.Time
	Err       error
}

// Source delivers at most one Update per Watch and then closes the channel.
// The channel also closes, without an Update, when ctx is done.
type Source interface {
	Watch(ctx context.Context, paymentID string) (<-chan Update, error)
}

// Terminal reports whether s is a status a payment never leaves.
func Terminal(s models.PaymentStatus) bool {
	switch s {
	case models.PaymentPaid, models.PaymentFailed, models.PaymentExpired:
		return true
	}
	return false
}
