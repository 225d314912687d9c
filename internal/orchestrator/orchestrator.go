// Package orchestrator drives one ticket purchase from reservation to a
// settled payment across the booking and payment services, enforcing the
// reservation deadline locally as a second line behind the server's expiry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ticket-client/internal/clock"
	"ticket-client/internal/services/settlement"
	"ticket-client/internal/status"
	"ticket-client/models"
	"ticket-client/monitoring"
)

const (
	DefaultReserveTimeout = 15 * time.Second
	DefaultClockSkew      = 5 * time.Second
)

type Bookings interface {
	CreateBooking(ctx context.Context, eventID, ticketID string, quantity int) (*models.Booking, error)
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
}

type Payments interface {
	CreatePayment(ctx context.Context, bookingID string, amount decimal.Decimal, method models.PaymentMethod) (*models.Payment, error)
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
}

type Session interface {
	IsAuthenticated() bool
}

type Orchestrator struct {
	bookings   Bookings
	payments   Payments
	session    Session
	settlement settlement.Source

	clock          clock.Clock
	logger         *zap.Logger
	monitor        *monitoring.Monitor
	reserveTimeout time.Duration
	clockSkew      time.Duration

	mu      sync.Mutex
	attempt Attempt
	// busy is set while a transition waits on the network.
	busy bool
	// inFlight cancels the pending server call, if any.
	inFlight context.CancelFunc
	watch    deadlineWatch
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMonitor(m *monitoring.Monitor) Option {
	return func(o *Orchestrator) { o.monitor = m }
}

func WithReserveTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.reserveTimeout = d }
}

// WithClockSkew sets how much earlier than the booking's expired_at the local
// watch fires.
func WithClockSkew(d time.Duration) Option {
	return func(o *Orchestrator) { o.clockSkew = d }
}

func New(bookings Bookings, payments Payments, session Session, source settlement.Source, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bookings:       bookings,
		payments:       payments,
		session:        session,
		settlement:     source,
		clock:          clock.NewSystem(),
		logger:         zap.NewNop(),
		reserveTimeout: DefaultReserveTimeout,
		clockSkew:      DefaultClockSkew,
		attempt:        Attempt{ID: uuid.NewString(), State: Idle},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("attempt_id", o.attempt.ID))
	return o
}

// Snapshot returns the current attempt.
func (o *Orchestrator) Snapshot() Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempt.clone()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempt.State
}

// BeginBooking reserves quantity tickets of offer. Quantity and quota are
// checked against the offer as last fetched; the server has the final say.
func (o *Orchestrator) BeginBooking(ctx context.Context, eventID string, offer models.TicketOffer, quantity int) (*models.Booking, error) {
	o.mu.Lock()
	if err := o.checkLocked("BeginBooking", Reserving); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if quantity < 1 {
		o.mu.Unlock()
		return nil, fmt.Errorf("BeginBooking: %w", status.ErrInvalidQuantity)
	}
	if quantity > offer.Quota {
		o.mu.Unlock()
		return nil, fmt.Errorf("BeginBooking: %d requested, %d left: %w", quantity, offer.Quota, status.ErrInsufficientQuota)
	}
	if !o.session.IsAuthenticated() {
		o.mu.Unlock()
		return nil, fmt.Errorf("BeginBooking: %w", status.ErrNotAuthenticated)
	}

	o.attempt.EventID = eventID
	o.attempt.TicketID = offer.ID
	o.attempt.Quantity = quantity
	o.setStateLocked(Reserving)
	callCtx, cancel := o.startCallLocked(ctx, o.reserveTimeout)
	o.mu.Unlock()
	defer cancel()

	booking, err := o.bookings.CreateBooking(callCtx, eventID, offer.ID, quantity)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.endCallLocked()
	if o.attempt.State.Terminal() {
		return nil, o.attempt.Err
	}

	if err != nil {
		switch {
		case status.IsQuotaRejection(err):
			return nil, o.concludeLocked(Failed, fmt.Errorf("%w: %w", status.ErrInsufficientQuota, err))
		case ctx.Err() != nil:
			return nil, o.concludeLocked(Failed, fmt.Errorf("%w: %w", status.ErrAbandoned, ctx.Err()))
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return nil, o.concludeLocked(Expired, fmt.Errorf("%w: no reservation within %s", status.ErrBookingExpired, o.reserveTimeout))
		default:
			return nil, o.concludeLocked(Failed, err)
		}
	}

	if want := offer.Total(quantity); !booking.TotalAmount.Equal(want) {
		// The server's total is what has to be paid; the local price may be
		// stale.
		o.logger.Warn("booking total differs from offer price",
			zap.String("booking_id", booking.ID),
			zap.String("expected", want.String()),
			zap.String("total_amount", booking.TotalAmount.String()))
	}

	o.attempt.Booking = booking
	o.setStateLocked(Booked)
	o.armLocked(booking)

	o.logger.Info("tickets reserved",
		zap.String("booking_id", booking.ID),
		zap.Int("quantity", quantity),
		zap.String("total_amount", booking.TotalAmount.String()),
		zap.Time("deadline", o.attempt.Deadline))
	return cloneBooking(booking), nil
}

// SelectPaymentMethod records the method for the payment. It does not touch
// the network and may be repeated until the payment is created.
func (o *Orchestrator) SelectPaymentMethod(method models.PaymentMethod) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkLocked("SelectPaymentMethod", PaymentSelected); err != nil {
		return err
	}
	if !method.Valid() {
		return fmt.Errorf("SelectPaymentMethod: %q: %w", method, status.ErrInvalidPaymentMethod)
	}

	o.attempt.Method = method
	o.setStateLocked(PaymentSelected)
	return nil
}

// CreatePayment creates the payment for the booking. amount must equal the
// booking's total. If the reservation deadline has passed no call is made and
// the attempt expires.
func (o *Orchestrator) CreatePayment(ctx context.Context, amount decimal.Decimal) (*models.Payment, error) {
	o.mu.Lock()
	if err := o.checkLocked("CreatePayment", PaymentCreated); err != nil {
		o.mu.Unlock()
		return nil, err
	}

	booking := o.attempt.Booking
	if !amount.Equal(booking.TotalAmount) {
		o.mu.Unlock()
		return nil, fmt.Errorf("CreatePayment: %s against total %s: %w",
			amount.StringFixed(2), booking.TotalAmount.StringFixed(2), status.ErrAmountMismatch)
	}
	if o.deadlinePassedLocked() {
		o.attempt.DeadlinePassed = true
		err := o.concludeLocked(Expired, fmt.Errorf("%w: deadline %s passed before payment", status.ErrBookingExpired, o.attempt.Deadline.Format(time.RFC3339)))
		o.mu.Unlock()
		return nil, err
	}
	if booking.Status != models.BookingPending {
		err := o.concludeLocked(Failed, fmt.Errorf("%w: booking is %s, not payable", status.ErrInconsistent, booking.Status))
		o.mu.Unlock()
		return nil, err
	}

	method := o.attempt.Method
	callCtx, cancel := o.startCallLocked(ctx, 0)
	o.mu.Unlock()
	defer cancel()

	payment, err := o.payments.CreatePayment(callCtx, booking.ID, amount, method)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.endCallLocked()
	if payment != nil {
		o.attempt.Payment = payment
	}
	if o.attempt.State.Terminal() {
		return nil, o.attempt.Err
	}

	if o.watch.fired {
		return nil, o.concludeLocked(Expired, fmt.Errorf("%w: deadline passed while creating payment", status.ErrBookingExpired))
	}
	if err != nil {
		if ctx.Err() != nil {
			// The payment may exist server side; Reconcile settles it.
			return nil, fmt.Errorf("CreatePayment: %w", ctx.Err())
		}
		return nil, o.concludeLocked(Failed, err)
	}
	if !payment.Amount.Equal(booking.TotalAmount) {
		return nil, o.concludeLocked(Failed, fmt.Errorf("%w: payment %s is for %s, booking total is %s",
			status.ErrInconsistent, payment.ID, payment.Amount.StringFixed(2), booking.TotalAmount.StringFixed(2)))
	}

	o.setStateLocked(PaymentCreated)
	o.logger.Info("payment created",
		zap.String("payment_id", payment.ID),
		zap.String("method", string(method)),
		zap.String("amount", payment.Amount.StringFixed(2)))
	return clonePayment(payment), nil
}

// AwaitSettlement blocks until the payment leaves PENDING and returns the
// concluded attempt. Cancelling ctx returns the attempt to PAYMENT_CREATED so
// it can be awaited again.
func (o *Orchestrator) AwaitSettlement(ctx context.Context) (Attempt, error) {
	o.mu.Lock()
	if err := o.checkLocked("AwaitSettlement", Settling); err != nil {
		a := o.attempt.clone()
		o.mu.Unlock()
		return a, err
	}
	paymentID := o.attempt.Payment.ID
	bookingID := o.attempt.Booking.ID
	deadline := o.watch.done
	fired := o.watch.fired
	o.setStateLocked(Settling)
	watchCtx, cancel := o.startCallLocked(ctx, 0)
	o.mu.Unlock()
	defer cancel()

	start := o.clock.Now()
	result, err := o.observe(watchCtx, paymentID, deadline, fired)
	if err == nil && result == models.PaymentPaid {
		err = o.confirmBooking(watchCtx, bookingID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.endCallLocked()
	if o.attempt.State.Terminal() {
		return o.attempt.clone(), o.attempt.Err
	}

	if ctx.Err() != nil {
		o.setStateLocked(PaymentCreated)
		return o.attempt.clone(), fmt.Errorf("AwaitSettlement: %w", ctx.Err())
	}
	o.monitor.TrackSettlement(o.clock.Now().Sub(start))

	if err != nil {
		err = o.concludeLocked(Failed, err)
		return o.attempt.clone(), err
	}
	if o.attempt.Payment != nil {
		o.attempt.Payment.Status = result
	}

	switch result {
	case models.PaymentPaid:
		o.concludeLocked(Confirmed, nil)
		o.logger.Info("purchase confirmed", zap.String("booking_id", bookingID), zap.String("payment_id", paymentID))
	case models.PaymentFailed:
		o.concludeLocked(Failed, fmt.Errorf("%w: gateway declined payment %s", status.ErrFailedPayment, paymentID))
	default:
		o.concludeLocked(Expired, fmt.Errorf("%w: payment %s was not settled in time", status.ErrBookingExpired, paymentID))
	}
	// Cloned after concluding so the caller sees the terminal state.
	return o.attempt.clone(), o.attempt.Err
}

// observe waits for the first terminal payment status. Once the deadline
// watch has fired the server's current view decides instead.
func (o *Orchestrator) observe(ctx context.Context, paymentID string, deadline <-chan struct{}, fired bool) (models.PaymentStatus, error) {
	if fired {
		return o.readPayment(ctx, paymentID)
	}

	updates, err := o.settlement.Watch(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("AwaitSettlement: watch: %w", err)
	}

	select {
	case u, ok := <-updates:
		if !ok {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("AwaitSettlement: settlement source closed without a status")
		}
		if u.Err != nil {
			return "", fmt.Errorf("AwaitSettlement: %w", u.Err)
		}
		return u.Status, nil
	case <-deadline:
		o.logger.Info("deadline passed while settling, checking payment", zap.String("payment_id", paymentID))
		return o.readPayment(ctx, paymentID)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (o *Orchestrator) readPayment(ctx context.Context, paymentID string) (models.PaymentStatus, error) {
	p, err := o.payments.GetPayment(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("AwaitSettlement: %w", err)
	}
	if p.Pending() {
		return models.PaymentExpired, nil
	}
	return p.Status, nil
}

// confirmBooking re-reads the booking after the payment settled; a paid
// payment against a booking that has not moved is reported, not resolved.
func (o *Orchestrator) confirmBooking(ctx context.Context, bookingID string) error {
	b, err := o.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("AwaitSettlement: booking: %w", err)
	}

	o.mu.Lock()
	o.attempt.Booking = b
	o.mu.Unlock()

	if !b.Settled() {
		o.logger.Error("payment settled but booking did not follow",
			zap.String("booking_id", bookingID), zap.String("booking_status", string(b.Status)))
		return fmt.Errorf("%w: payment is PAID, booking %s is %s", status.ErrInconsistent, bookingID, b.Status)
	}
	return nil
}

// Abandon gives up on the attempt. The deadline watch and any pending call
// are cancelled; nothing already created on the server is rolled back.
func (o *Orchestrator) Abandon() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt.State.Terminal() {
		return
	}
	if o.inFlight != nil {
		o.inFlight()
	}
	o.concludeLocked(Failed, status.ErrAbandoned)
}

// Reconcile rebuilds an attempt from the server's current view of a booking
// and, when paymentID is set, its payment. Client state is never assumed.
func (o *Orchestrator) Reconcile(ctx context.Context, bookingID, paymentID string) (Attempt, error) {
	o.mu.Lock()
	if o.busy || o.attempt.State != Idle {
		err := o.checkLocked("Reconcile", Idle)
		a := o.attempt.clone()
		o.mu.Unlock()
		return a, err
	}
	callCtx, cancel := o.startCallLocked(ctx, 0)
	o.mu.Unlock()
	defer cancel()

	booking, err := o.bookings.GetBooking(callCtx, bookingID)
	var payment *models.Payment
	if err == nil && paymentID != "" {
		payment, err = o.payments.GetPayment(callCtx, paymentID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.endCallLocked()
	if o.attempt.State.Terminal() {
		return o.attempt.clone(), o.attempt.Err
	}
	if err != nil {
		return o.attempt.clone(), fmt.Errorf("Reconcile: %w", err)
	}
	if payment != nil && payment.BookingID != booking.ID {
		return o.attempt.clone(), fmt.Errorf("Reconcile: payment %s belongs to booking %s: %w", payment.ID, payment.BookingID, status.ErrInconsistent)
	}

	o.attempt.EventID = booking.EventID
	o.attempt.TicketID = booking.TicketID
	o.attempt.Quantity = booking.Quantity
	o.attempt.Booking = booking
	o.attempt.Payment = payment
	if payment != nil {
		o.attempt.Method = payment.PaymentMethod
	}

	o.logger.Info("reconciling attempt", zap.String("booking_id", booking.ID),
		zap.String("booking_status", string(booking.Status)), zap.Bool("has_payment", payment != nil))

	switch {
	case payment != nil && payment.Status == models.PaymentPaid && booking.Settled():
		o.concludeLocked(Confirmed, nil)
	case payment != nil && payment.Status == models.PaymentPaid:
		o.concludeLocked(Failed, fmt.Errorf("%w: payment is PAID, booking %s is %s", status.ErrInconsistent, booking.ID, booking.Status))
	case payment != nil && payment.Status == models.PaymentFailed:
		o.concludeLocked(Failed, fmt.Errorf("%w: gateway declined payment %s", status.ErrFailedPayment, payment.ID))
	case payment != nil && payment.Status == models.PaymentExpired:
		o.concludeLocked(Expired, fmt.Errorf("%w: payment %s expired", status.ErrBookingExpired, payment.ID))
	case payment != nil:
		o.setStateLocked(PaymentCreated)
		o.armLocked(booking)
	case booking.Settled():
		o.concludeLocked(Confirmed, nil)
	case booking.Status == models.BookingCancelled || booking.ExpiredBy(o.clock.Now()):
		o.concludeLocked(Expired, fmt.Errorf("%w: booking %s is no longer payable", status.ErrBookingExpired, booking.ID))
	default:
		o.setStateLocked(Booked)
		o.armLocked(booking)
	}
	return o.attempt.clone(), o.attempt.Err
}

// checkLocked rejects a transition to `to` while another is in flight or when
// the current state does not allow it.
func (o *Orchestrator) checkLocked(op string, to State) error {
	if o.busy {
		return fmt.Errorf("%s: %w", op, status.ErrTransitionInFlight)
	}
	from := o.attempt.State
	if from.Terminal() && o.attempt.Err != nil {
		// Callers match on the reason the attempt ended, e.g. ErrBookingExpired.
		return fmt.Errorf("%s: %w: attempt is %s: %w", op, status.ErrInvalidTransition, from, o.attempt.Err)
	}
	if !allowed(from, to) {
		return fmt.Errorf("%s: %w: attempt is %s", op, status.ErrInvalidTransition, from)
	}
	return nil
}

func (o *Orchestrator) startCallLocked(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var callCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	o.busy = true
	o.inFlight = cancel
	return callCtx, cancel
}

func (o *Orchestrator) endCallLocked() {
	o.busy = false
	o.inFlight = nil
}

func (o *Orchestrator) setStateLocked(to State) {
	from := o.attempt.State
	o.attempt.State = to
	o.monitor.TrackTransition(string(from), string(to))
	o.logger.Debug("attempt transition", zap.String("from", string(from)), zap.String("to", string(to)))
}

// concludeLocked moves the attempt to a terminal state. The deadline watch is
// stopped first so it can never act on a concluded attempt. It returns err.
func (o *Orchestrator) concludeLocked(to State, err error) error {
	o.stopWatchLocked()
	o.busy = false

	o.setStateLocked(to)
	o.attempt.Err = err
	if err != nil {
		o.attempt.Reason = err.Error()
	} else {
		o.attempt.Reason = "payment settled and booking confirmed"
	}

	if to != Confirmed {
		o.logger.Warn("attempt concluded", zap.String("state", string(to)), zap.String("reason", o.attempt.Reason))
	}
	return err
}

func cloneBooking(b *models.Booking) *models.Booking {
	cp := *b
	return &cp
}

func clonePayment(p *models.Payment) *models.Payment {
	cp := *p
	return &cp
}
