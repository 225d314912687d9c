package utils

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned instead of calling the wrapped function while the
// breaker rejects requests.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to one backend service. It trips once at least
// minRequests calls were seen in the current interval and the failure ratio
// reaches failureRatio.
type CircuitBreaker struct {
	name         string
	minRequests  uint32
	interval     time.Duration
	timeout      time.Duration
	failureRatio float64
	onChange     func(name string, from, to string)

	cb *gobreaker.CircuitBreaker
}

type BreakerOption func(*CircuitBreaker)

// WithTripThreshold sets how many requests must be seen and which failure
// ratio must be reached before the breaker opens.
func WithTripThreshold(minRequests uint32, failureRatio float64) BreakerOption {
	return func(c *CircuitBreaker) {
		c.minRequests = minRequests
		c.failureRatio = failureRatio
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing again.
func WithOpenTimeout(d time.Duration) BreakerOption {
	return func(c *CircuitBreaker) { c.timeout = d }
}

// WithStateChangeHook is called on every breaker state change.
func WithStateChangeHook(fn func(name string, from, to string)) BreakerOption {
	return func(c *CircuitBreaker) { c.onChange = fn }
}

func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	c := &CircuitBreaker{
		name:         name,
		minRequests:  100,
		interval:     60 * time.Second,
		timeout:      60 * time.Second,
		failureRatio: 0.6,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    c.interval,
		Timeout:     c.timeout,
		ReadyToTrip: c.readyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if c.onChange != nil {
				c.onChange(name, from.String(), to.String())
			}
		},
	})
	return c
}

// Execute runs req through the breaker. An error returned by req counts as a
// failure; callers that want an outcome to count as success must return it
// as a result instead.
func (c *CircuitBreaker) Execute(ctx context.Context, req func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := c.cb.Execute(req)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrBreakerOpen
	}
	return result, err
}

func (c *CircuitBreaker) Name() string { return c.name }

// State is "closed", "half-open" or "open".
func (c *CircuitBreaker) State() string { return c.cb.State().String() }

func (c *CircuitBreaker) readyToTrip(counts gobreaker.Counts) bool {
	return counts.Requests >= c.minRequests &&
		float64(counts.TotalFailures)/float64(counts.Requests) >= c.failureRatio
}
