package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"ticket-client/models"
)

// DefaultRedisTTL matches the identity service's refresh token lifetime.
const DefaultRedisTTL = 7 * 24 * time.Hour

// RedisStore keeps the token pair under session:tokens:<profile>.
type RedisStore struct {
	redis redis.Cmdable
	key   string
	ttl   time.Duration
}

func NewRedisStore(client redis.Cmdable, profile string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{
		redis: client,
		key:   fmt.Sprintf("session:tokens:%s", profile),
		ttl:   ttl,
	}
}

func (s *RedisStore) Load(ctx context.Context) (*models.TokenPair, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTokens
	}
	if err != nil {
		return nil, fmt.Errorf("RedisStore.Load: get: %w", err)
	}

	var pair models.TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("RedisStore.Load: decode: %w", err)
	}
	return &pair, nil
}

func (s *RedisStore) Save(ctx context.Context, pair *models.TokenPair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("RedisStore.Save: encode: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, string(data), s.ttl).Err(); err != nil {
		return fmt.Errorf("RedisStore.Save: set: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("RedisStore.Clear: del: %w", err)
	}
	return nil
}
