// Package payment is the client for the payment service.
package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"ticket-client/internal/transport"
	"ticket-client/models"
)

type Client struct {
	tr *transport.Client
}

func NewClient(tr *transport.Client) *Client {
	return &Client{tr: tr}
}

func (c *Client) CreatePayment(ctx context.Context, bookingID string, amount decimal.Decimal, method models.PaymentMethod) (*models.Payment, error) {
	req := models.CreatePaymentRequest{BookingID: bookingID, Amount: amount, PaymentMethod: method}
	if err := models.Validate(req); err != nil {
		return nil, fmt.Errorf("payment.CreatePayment: validate: %w", err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("payment.CreatePayment: amount must be positive, got %s", amount)
	}

	resp, err := c.tr.Do(ctx, transport.Request{
		Method:        http.MethodPost,
		Path:          "/api/v1/payments/",
		Body:          req,
		Authenticated: true,
	})
	if err != nil {
		return nil, fmt.Errorf("payment.CreatePayment: %w", err)
	}

	var p models.Payment
	if err := resp.Decode(&p); err != nil {
		return nil, fmt.Errorf("payment.CreatePayment: %w", err)
	}
	return &p, nil
}

func (c *Client) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	resp, err := c.tr.Do(ctx, transport.Request{
		Method:        http.MethodGet,
		Path:          "/api/v1/payments/" + url.PathEscape(id),
		Authenticated: true,
	})
	if err != nil {
		return nil, fmt.Errorf("payment.GetPayment: %w", err)
	}

	var p models.Payment
	if err := resp.Decode(&p); err != nil {
		return nil, fmt.Errorf("payment.GetPayment: %w", err)
	}
	return &p, nil
}

func (c *Client) ListPayments(ctx context.Context) ([]models.Payment, error) {
	resp, err := c.tr.Do(ctx, transport.Request{Method: http.MethodGet, Path: "/api/v1/payments/", Authenticated: true})
	if err != nil {
		return nil, fmt.Errorf("payment.ListPayments: %w", err)
	}

	var payments []models.Payment
	if err := resp.Decode(&payments); err != nil {
		return nil, fmt.Errorf("payment.ListPayments: %w", err)
	}
	return payments, nil
}

// SimulateGatewayCallback posts a gateway callback for paymentID the way the
// payment gateway would. Development environments only.
func (c *Client) SimulateGatewayCallback(ctx context.Context, paymentID string, status models.PaymentStatus) error {
	n := models.SettlementNotification{PaymentID: paymentID, Status: status}
	if err := models.Validate(n); err != nil {
		return fmt.Errorf("payment.SimulateGatewayCallback: validate: %w", err)
	}

	_, err := c.tr.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/api/v1/payments/webhook/payment-gateway",
		Body:   n,
	})
	if err != nil {
		return fmt.Errorf("payment.SimulateGatewayCallback: %w", err)
	}
	return nil
}
