package payment

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

	"ticket-client/internal/transport"
	"ticket-client/models"
)

func setupTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(transport.New("payment", srv.URL))
}

func TestClient_CreatePayment(t *testing.T) {
	bookingID := uuid.NewString()
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments/", r.URL.Path)

		var body struct {
			BookingID     string  `json:"booking_id"`
			Amount        float64 `json:"amount"`
			PaymentMethod string  `json:"payment_method"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, bookingID, body.BookingID)
		assert.Equal(t, 300000.0, body.Amount)
		assert.Equal(t, "VA", body.PaymentMethod)

		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"message":"Payment created successfully","data":{"id":"p-1","booking_id":"`+bookingID+`","amount":300000,"currency":"IDR","payment_method":"VA","status":"PENDING"}}`)
	})

	p, err := c.CreatePayment(context.Background(), bookingID, decimal.NewFromInt(300000), models.MethodVirtualAccount)
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
	assert.True(t, p.Pending())
	assert.Equal(t, models.DefaultCurrency, p.Currency)
}

func TestClient_CreatePaymentRejectsBadInput(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	ctx := context.Background()

	_, err := c.CreatePayment(ctx, uuid.NewString(), decimal.NewFromInt(1000), "CASH")
	assert.Error(t, err)

	_, err = c.CreatePayment(ctx, uuid.NewString(), decimal.Zero, models.MethodQRIS)
	assert.Error(t, err)
}

func TestClient_GetPayment(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments/p-1", r.URL.Path)
		io.WriteString(w, `{"message":"ok","data":{"id":"p-1","status":"PAID","paid_at":"2026-10-15T10:05:00Z"}}`)
	})

	p, err := c.GetPayment(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, p.Status)
	assert.NotNil(t, p.PaidAt)
}

func TestClient_SimulateGatewayCallback(t *testing.T) {
	c := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments/webhook/payment-gateway", r.URL.Path)
		var n models.SettlementNotification
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		assert.Equal(t, models.PaymentPaid, n.Status)
		io.WriteString(w, `{"message":"Webhook processed successfully"}`)
	})

	assert.NoError(t, c.SimulateGatewayCallback(context.Background(), "p-1", models.PaymentPaid))
	assert.Error(t, c.SimulateGatewayCallback(context.Background(), "p-1", "REFUNDED"))
}
