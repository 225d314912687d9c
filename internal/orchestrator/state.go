package orchestrator

import (
	"time"

	"ticket-client/models"
)

type State string

const (
	Idle            State = "IDLE"
	Reserving       State = "RESERVING"
	Booked          State = "BOOKED"
	PaymentSelected State = "PAYMENT_SELECTED"
	PaymentCreated  State = "PAYMENT_CREATED"
	Settling        State = "SETTLING"
	Confirmed       State = "CONFIRMED"
	Failed          State = "FAILED"
	Expired         State = "EXPIRED"
)

func (s State) Terminal() bool {
	return s == Confirmed || s == Failed || s == Expired
}

// next lists the non-terminal moves a caller may request; any non-terminal
// state may also end in FAILED or EXPIRED. Reconcile is the one way out of
// IDLE that skips ahead.
var next = map[State][]State{
	Idle:            {Reserving},
	Reserving:       {Booked},
	Booked:          {PaymentSelected},
	PaymentSelected: {PaymentSelected, PaymentCreated},
	PaymentCreated:  {Settling},
	Settling:        {PaymentCreated, Confirmed},
}

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed || to == Expired {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Attempt is a point-in-time copy of one purchase attempt.
type Attempt struct {
	ID       string
	State    State
	EventID  string
	TicketID string
	Quantity int

	Booking *models.Booking
	Payment *models.Payment
	Method  models.PaymentMethod

	// Deadline is when the local watch treats the reservation as lost:
	// the booking's expired_at less the clock skew tolerance.
	Deadline       time.Time
	DeadlinePassed bool

	// Reason explains a terminal state; Err is the matching error, nil for
	// CONFIRMED.
	Reason string
	Err    error
}

func (a Attempt) clone() Attempt {
	if a.Booking != nil {
		b := *a.Booking
		a.Booking = &b
	}
	if a.Payment != nil {
		p := *a.Payment
		a.Payment = &p
	}
	return a
}
