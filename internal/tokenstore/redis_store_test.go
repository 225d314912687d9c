package tokenstore

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedisStore() (*RedisStore, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	return NewRedisStore(db, "alice", 0), mock
}

func TestRedisStore_Save(t *testing.T) {
	store, mock := setupTestRedisStore()

	data, err := json.Marshal(testPair())
	require.NoError(t, err)
	mock.ExpectSet("session:tokens:alice", string(data), DefaultRedisTTL).SetVal("OK")

	assert.NoError(t, store.Save(context.Background(), testPair()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Load(t *testing.T) {
	store, mock := setupTestRedisStore()

	data, err := json.Marshal(testPair())
	require.NoError(t, err)
	mock.ExpectGet("session:tokens:alice").SetVal(string(data))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_LoadMissing(t *testing.T) {
	store, mock := setupTestRedisStore()

	mock.ExpectGet("session:tokens:alice").RedisNil()

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoTokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_LoadError(t *testing.T) {
	store, mock := setupTestRedisStore()

	mock.ExpectGet("session:tokens:alice").SetErr(errors.New("READONLY"))

	_, err := store.Load(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoTokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Clear(t *testing.T) {
	store, mock := setupTestRedisStore()

	mock.ExpectDel("session:tokens:alice").SetVal(1)

	assert.NoError(t, store.Clear(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
