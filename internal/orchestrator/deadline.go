package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"ticket-client/internal/clock"
	"ticket-client/internal/status"
	"ticket-client/models"
)

// deadlineWatch is the single local timer of an attempt.
type deadlineWatch struct {
	timer clock.Timer
	// gen changes whenever the watch is stopped; a firing from an older
	// generation is ignored.
	gen   uint64
	fired bool
	// done is closed when the watch fires.
	done chan struct{}
}

// armLocked schedules the watch for the booking's expiry less the clock skew
// tolerance. An attempt is armed at most once.
func (o *Orchestrator) armLocked(b *models.Booking) {
	if o.watch.timer != nil || b.ExpiredAt == nil {
		return
	}

	deadline := b.ExpiredAt.Add(-o.clockSkew)
	o.attempt.Deadline = deadline
	o.watch.done = make(chan struct{})

	gen := o.watch.gen
	o.watch.timer = o.clock.AfterFunc(deadline.Sub(o.clock.Now()), func() {
		o.onDeadline(gen)
	})
}

func (o *Orchestrator) stopWatchLocked() {
	if o.watch.timer != nil {
		o.watch.timer.Stop()
	}
	o.watch.gen++
}

func (o *Orchestrator) deadlinePassedLocked() bool {
	if o.watch.fired {
		return true
	}
	return !o.attempt.Deadline.IsZero() && !o.clock.Now().Before(o.attempt.Deadline)
}

// onDeadline runs on the timer's goroutine. Before a payment exists the
// reservation is treated as lost; after that only a server read can tell,
// so the watch just marks the attempt and wakes AwaitSettlement.
func (o *Orchestrator) onDeadline(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if gen != o.watch.gen || o.watch.fired || o.attempt.State.Terminal() {
		return
	}
	o.watch.fired = true
	o.attempt.DeadlinePassed = true
	close(o.watch.done)

	o.logger.Warn("reservation deadline passed",
		zap.String("state", string(o.attempt.State)),
		zap.Time("deadline", o.attempt.Deadline))

	switch o.attempt.State {
	case Booked, PaymentSelected:
		if o.busy {
			// CreatePayment is in flight; it concludes once the call returns.
			o.inFlight()
			return
		}
		o.concludeLocked(Expired, fmt.Errorf("%w: deadline %s passed", status.ErrBookingExpired, o.attempt.Deadline.Format(time.RFC3339)))
	}
}
