// Package booking is the client for the booking service: events, ticket
// offers and bookings.
package booking

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"ticket-client/internal/transport"
	"ticket-client/models"
)

type Client struct {
	tr *transport.Client
}

func NewClient(tr *transport.Client) *Client {
	return &Client{tr: tr}
}

func (c *Client) ListEvents(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	if err := c.get(ctx, "/api/v1/events/", false, &events); err != nil {
		return nil, fmt.Errorf("booking.ListEvents: %w", err)
	}
	return events, nil
}

func (c *Client) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var event models.Event
	if err := c.get(ctx, "/api/v1/events/"+url.PathEscape(id), false, &event); err != nil {
		return nil, fmt.Errorf("booking.GetEvent: %w", err)
	}
	return &event, nil
}

func (c *Client) ListTickets(ctx context.Context, eventID string) ([]models.TicketOffer, error) {
	var offers []models.TicketOffer
	if err := c.get(ctx, "/api/v1/events/"+url.PathEscape(eventID)+"/tickets", false, &offers); err != nil {
		return nil, fmt.Errorf("booking.ListTickets: %w", err)
	}
	return offers, nil
}

func (c *Client) GetTicket(ctx context.Context, id string) (*models.TicketOffer, error) {
	var offer models.TicketOffer
	if err := c.get(ctx, "/api/v1/tickets/"+url.PathEscape(id), false, &offer); err != nil {
		return nil, fmt.Errorf("booking.GetTicket: %w", err)
	}
	return &offer, nil
}

// CreateBooking reserves quantity tickets. The server decrements the quota
// and starts the reservation deadline.
func (c *Client) CreateBooking(ctx context.Context, eventID, ticketID string, quantity int) (*models.Booking, error) {
	req := models.CreateBookingRequest{EventID: eventID, TicketID: ticketID, Quantity: quantity}
	if err := models.Validate(req); err != nil {
		return nil, fmt.Errorf("booking.CreateBooking: validate: %w", err)
	}

	resp, err := c.tr.Do(ctx, transport.Request{
		Method:        http.MethodPost,
		Path:          "/api/v1/bookings/",
		Body:          req,
		Authenticated: true,
	})
	if err != nil {
		return nil, fmt.Errorf("booking.CreateBooking: %w", err)
	}

	var b models.Booking
	if err := resp.Decode(&b); err != nil {
		return nil, fmt.Errorf("booking.CreateBooking: %w", err)
	}
	return &b, nil
}

func (c *Client) ListBookings(ctx context.Context) ([]models.Booking, error) {
	var bookings []models.Booking
	if err := c.get(ctx, "/api/v1/bookings/", true, &bookings); err != nil {
		return nil, fmt.Errorf("booking.ListBookings: %w", err)
	}
	return bookings, nil
}

func (c *Client) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	if err := c.get(ctx, "/api/v1/bookings/"+url.PathEscape(id), true, &b); err != nil {
		return nil, fmt.Errorf("booking.GetBooking: %w", err)
	}
	return &b, nil
}

func (c *Client) get(ctx context.Context, path string, authenticated bool, out any) error {
	resp, err := c.tr.Do(ctx, transport.Request{Method: http.MethodGet, Path: path, Authenticated: authenticated})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
