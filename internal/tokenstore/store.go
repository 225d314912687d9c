// Package tokenstore persists the session's token pair across restarts.
package tokenstore

import (
	"context"
	"errors"

	"ticket-client/models"
)

// ErrNoTokens is returned by Load when nothing has been persisted.
var ErrNoTokens = errors.New("tokenstore: no persisted tokens")

type Store interface {
	Load(ctx context.Context) (*models.TokenPair, error)
	Save(ctx context.Context, pair *models.TokenPair) error
	Clear(ctx context.Context) error
}
