package booking

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-client/internal/status"
	"ticket-client/internal/transport"
	"ticket-client/models"
)

type staticTokens string

func (s staticTokens) AccessToken() string { return string(s) }
func (s staticTokens) RefreshFrom(context.Context, string) (string, error) {
	return "", status.ErrAuthExpired
}
func (s staticTokens) Expire(context.Context, error) {}

func setupTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(transport.New("booking", srv.URL, transport.WithTokenSource(staticTokens("tok"))))
}

func TestClient_ListEvents(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events/", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		io.WriteString(w, `{"message":"ok","data":[{"id":"e-1","name":"Jazz Night","description":"live","event_date":"2026-12-01T19:00:00Z"}]}`)
	})

	events, err := c.ListEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Jazz Night", events[0].Name)
}

func TestClient_ListEventsEmpty(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":"ok","data":null}`)
	})

	events, err := c.ListEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestClient_ListTickets(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/events/e-1/tickets", r.URL.Path)
		io.WriteString(w, `{"message":"ok","data":[{"id":"t-1","event_id":"e-1","category":"VIP","price":100000.00,"quota":5}]}`)
	})

	offers, err := c.ListTickets(context.Background(), "e-1")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.True(t, offers[0].Price.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, 5, offers[0].Quota)
}

func TestClient_CreateBooking(t *testing.T) {
	eventID, ticketID := uuid.NewString(), uuid.NewString()
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/bookings/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body models.CreateBookingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 3, body.Quantity)

		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"message":"Booking created successfully","data":{"id":"b-1","event_id":"`+eventID+`","ticket_id":"`+ticketID+`","quantity":3,"total_amount":300000,"status":"PENDING","expired_at":"2026-10-15T10:15:00Z"}}`)
	})

	b, err := c.CreateBooking(context.Background(), eventID, ticketID, 3)
	require.NoError(t, err)
	assert.Equal(t, "b-1", b.ID)
	assert.True(t, b.TotalAmount.Equal(decimal.NewFromInt(300000)))
	assert.Equal(t, models.BookingPending, b.Status)
}

func TestClient_CreateBookingQuotaRejected(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"insufficient ticket quota"}`)
	})

	_, err := c.CreateBooking(context.Background(), uuid.NewString(), uuid.NewString(), 3)
	assert.True(t, status.IsQuotaRejection(err))
}

func TestClient_CreateBookingInvalidIDs(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.CreateBooking(context.Background(), "e-1", uuid.NewString(), 1)
	assert.Error(t, err)
}

func TestClient_GetBooking(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/bookings/b-1", r.URL.Path)
		io.WriteString(w, `{"message":"ok","data":{"id":"b-1","status":"PAID","total_amount":300000}}`)
	})

	b, err := c.GetBooking(context.Background(), "b-1")
	require.NoError(t, err)
	assert.True(t, b.Settled())
}

func TestClient_GetBookingNotFound(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"booking not found"}`)
	})

	_, err := c.GetBooking(context.Background(), "missing")
	var se *status.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "booking not found", se.Message)
}
