package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_client_requests_total",
			Help: "Backend calls by service, method and outcome",
		},
		[]string{"service", "method", "outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticket_client_request_duration_seconds",
			Help:    "Backend call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	tokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_client_token_refreshes_total",
			Help: "Refresh calls that reached the identity service",
		},
		[]string{"status"},
	)

	sessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticket_client_session_state",
			Help: "1 for the current session state, 0 otherwise",
		},
		[]string{"state"},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_client_transaction_transitions_total",
			Help: "Purchase attempt state transitions",
		},
		[]string{"from", "to"},
	)

	settlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ticket_client_settlement_wait_seconds",
			Help:    "Time from payment creation until settlement was observed",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	breakerChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_client_breaker_state_changes_total",
			Help: "Circuit breaker state changes per service",
		},
		[]string{"service", "to"},
	)
)

var sessionStates = []string{"ANONYMOUS", "AUTHENTICATING", "AUTHENTICATED", "REFRESHING"}

// Monitor records client metrics. A nil *Monitor records nothing.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// Track backend calls
func (m *Monitor) TrackRequest(service, method, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	requestsTotal.WithLabelValues(service, method, outcome).Inc()
	requestDuration.WithLabelValues(service).Observe(took.Seconds())
}

func (m *Monitor) TrackRefresh(status string) {
	if m == nil {
		return
	}
	tokenRefreshes.WithLabelValues(status).Inc()
}

func (m *Monitor) SetSessionState(state string) {
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Monitor) TrackTransition(from, to string) {
	if m == nil {
		return
	}
	transitions.WithLabelValues(from, to).Inc()
}

func (m *Monitor) TrackSettlement(took time.Duration) {
	if m == nil {
		return
	}
	settlementDuration.Observe(took.Seconds())
}

func (m *Monitor) TrackBreaker(service, to string) {
	if m == nil {
		return
	}
	breakerChanges.WithLabelValues(service, to).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
