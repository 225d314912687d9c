package status

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrAuthExpired           = errors.New("session: authentication expired")
	ErrNotAuthenticated      = errors.New("session: not authenticated")
	ErrSessionBusy           = errors.New("session: another login or refresh is in progress")
	ErrRegisteredNotLoggedIn = errors.New("session: account registered but login failed")

	ErrInsufficientQuota = errors.New("booking: insufficient ticket quota")
	ErrInvalidQuantity   = errors.New("booking: quantity must be at least 1")
	ErrBookingExpired    = errors.New("booking: reservation expired")

	ErrFailedPayment        = errors.New("payment: payment failed")
	ErrAmountMismatch       = errors.New("payment: amount does not match booking total")
	ErrInvalidPaymentMethod = errors.New("payment: unsupported payment method")

	ErrInconsistent       = errors.New("transaction: payment and booking disagree")
	ErrTransitionInFlight = errors.New("transaction: another transition is in flight")
	ErrInvalidTransition  = errors.New("transaction: transition not allowed from current state")
	ErrAbandoned          = errors.New("transaction: attempt abandoned")
)

// NetworkError is a transport-level failure: the request never produced an
// HTTP response. Safe for the user to retry manually.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response. Message is the service's own error text.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// IsQuotaRejection reports whether err is the booking service refusing a
// reservation because the ticket quota ran out.
func IsQuotaRejection(err error) bool {
	var se *ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(se.Message), "quota")
}
