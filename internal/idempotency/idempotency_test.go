package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(mr.Close)
	return client, mr
}

func TestStore_Begin_FirstCallerReserves(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := New(client, time.Minute, nil, nil)

	reserved, rec, err := s.Begin(context.Background(), "key-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, rec)
}

func TestStore_Begin_ConcurrentRetrySeesInFlight(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := New(client, time.Minute, nil, nil)

	_, _, err := s.Begin(context.Background(), "key-1")
	require.NoError(t, err)

	reserved, rec, err := s.Begin(context.Background(), "key-1")
	assert.False(t, reserved)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestStore_Complete_ThenBeginReplaysRecord(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := New(client, time.Minute, nil, nil)

	_, _, err := s.Begin(context.Background(), "key-1")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"status": "ok"})
	require.NoError(t, s.Complete(context.Background(), "key-1", Record{StatusCode: 200, Body: body}))

	reserved, rec, err := s.Begin(context.Background(), "key-1")
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, rec)
	assert.Equal(t, 200, rec.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(rec.Body))
}

func TestStore_Abandon_ClearsReservation(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := New(client, time.Minute, nil, nil)

	_, _, err := s.Begin(context.Background(), "key-1")
	require.NoError(t, err)
	require.NoError(t, s.Abandon(context.Background(), "key-1"))

	reserved, rec, err := s.Begin(context.Background(), "key-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, rec)
}

func TestNew_DefaultsTTLWhenUnset(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := New(client, 0, nil, nil)
	assert.Equal(t, 5*time.Minute, s.ttl)
}
