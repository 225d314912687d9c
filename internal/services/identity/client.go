// Package identity is the client for the user service.
package identity

import (
	"context"
	"fmt"
	"net/http"

	"ticket-client/internal/transport"
	"ticket-client/models"
)

type Client struct {
	tr *transport.Client
}

func NewClient(tr *transport.Client) *Client {
	return &Client{tr: tr}
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, username, password string) (*models.Identity, error) {
	creds := models.Credentials{Username: username, Password: password}
	if err := models.Validate(creds); err != nil {
		return nil, fmt.Errorf("identity.Register: validate: %w", err)
	}

	resp, err := c.tr.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/api/v1/users/", Body: creds})
	if err != nil {
		return nil, fmt.Errorf("identity.Register: %w", err)
	}

	var id models.Identity
	if err := resp.Decode(&id); err != nil {
		return nil, fmt.Errorf("identity.Register: %w", err)
	}
	return &id, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (*models.TokenPair, error) {
	creds := models.Credentials{Username: username, Password: password}
	if err := models.Validate(creds); err != nil {
		return nil, fmt.Errorf("identity.Login: validate: %w", err)
	}

	resp, err := c.tr.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/api/v1/login", Body: creds})
	if err != nil {
		return nil, fmt.Errorf("identity.Login: %w", err)
	}

	var pair models.TokenPair
	if err := resp.DecodeRaw(&pair); err != nil {
		return nil, fmt.Errorf("identity.Login: %w", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, fmt.Errorf("identity.Login: response is missing tokens")
	}
	return &pair, nil
}

// Refresh mints a new access token. The refresh token is not rotated.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.AccessGrant, error) {
	body := models.RefreshRequest{RefreshToken: refreshToken}
	if err := models.Validate(body); err != nil {
		return nil, fmt.Errorf("identity.Refresh: validate: %w", err)
	}

	resp, err := c.tr.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/api/v1/refresh", Body: body})
	if err != nil {
		return nil, fmt.Errorf("identity.Refresh: %w", err)
	}

	var grant models.AccessGrant
	if err := resp.DecodeRaw(&grant); err != nil {
		return nil, fmt.Errorf("identity.Refresh: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("identity.Refresh: response is missing access_token")
	}
	return &grant, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	body := models.RefreshRequest{RefreshToken: refreshToken}
	if _, err := c.tr.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/api/v1/logout", Body: body}); err != nil {
		return fmt.Errorf("identity.Logout: %w", err)
	}
	return nil
}

// AuthenticatedIdentity fetches the identity behind the session's token,
// refreshing it once if it has expired.
func (c *Client) AuthenticatedIdentity(ctx context.Context) (*models.Identity, error) {
	return c.identity(ctx, transport.Request{Method: http.MethodGet, Path: "/api/v1/users/auth", Authenticated: true})
}

// IdentityWithToken fetches the identity behind token without touching the
// session.
func (c *Client) IdentityWithToken(ctx context.Context, token string) (*models.Identity, error) {
	return c.identity(ctx, transport.Request{Method: http.MethodGet, Path: "/api/v1/users/auth", Authenticated: true, Token: token})
}

func (c *Client) identity(ctx context.Context, req transport.Request) (*models.Identity, error) {
	resp, err := c.tr.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("identity.AuthenticatedIdentity: %w", err)
	}

	var id models.Identity
	if err := resp.Decode(&id); err != nil {
		return nil, fmt.Errorf("identity.AuthenticatedIdentity: %w", err)
	}
	return &id, nil
}
