package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ticket-client/internal/status"
	"ticket-client/models"
)

const DefaultPollInterval = 2 * time.Second

// PaymentReader is the part of the payment client the poller needs.
type PaymentReader interface {
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
}

// Poller reads the payment from the payment service until it is no longer
// PENDING.
type Poller struct {
	payments PaymentReader
	interval time.Duration
	logger   *zap.Logger
}

func NewPoller(payments PaymentReader, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{payments: payments, interval: interval, logger: logger}
}

func (p *Poller) Watch(ctx context.Context, paymentID string) (<-chan Update, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("Poller.Watch: empty payment id")
	}

	out := make(chan Update, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			u, done := p.poll(ctx, paymentID)
			if done {
				out <- u
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// poll makes one read. Transient failures are logged and retried on the next
// tick; failures that cannot clear up on their own end the watch.
func (p *Poller) poll(ctx context.Context, paymentID string) (Update, bool) {
	payment, err := p.payments.GetPayment(ctx, paymentID)
	if err != nil {
		if ctx.Err() != nil {
			return Update{}, false
		}
		if permanent(err) {
			return Update{PaymentID: paymentID, Err: err, At: time.Now()}, true
		}
		p.logger.Warn("payment poll failed, retrying",
			zap.String("payment_id", paymentID), zap.Error(err))
		return Update{}, false
	}

	if !Terminal(payment.Status) {
		return Update{}, false
	}
	return Update{PaymentID: paymentID, Status: payment.Status, At: time.Now()}, true
}

func permanent(err error) bool {
	if errors.Is(err, status.ErrAuthExpired) || errors.Is(err, status.ErrNotAuthenticated) {
		return true
	}
	var se *status.ServerError
	if errors.As(err, &se) {
		return se.Status == http.StatusNotFound || se.Status == http.StatusForbidden
	}
	return false
}
