package models

import "time"

type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// TokenPair is the credential set issued by the identity service. ExpiresIn is
// the access token lifetime in seconds; IssuedAt is stamped locally.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at,omitempty"`
}

// ExpiresAt is the local estimate of when the access token stops working.
// Zero when the issue time is unknown.
func (p TokenPair) ExpiresAt() time.Time {
	if p.IssuedAt.IsZero() || p.ExpiresIn <= 0 {
		return time.Time{}
	}
	return p.IssuedAt.Add(time.Duration(p.ExpiresIn) * time.Second)
}

type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// AccessGrant is what the identity service returns from a refresh.
type AccessGrant struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}
