package rstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redisTC "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupStore(t *testing.T) *RedisStateStore {
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	ctx := context.Background()

	container, err := redisTC.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "Failed to start Redis container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := NewClient(ctx, endpoint, "", 0)
	require.NoError(t, err)

	store := New(client, time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStateStore_RoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, ok, err := store.Load(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, 42, []byte(`{"step":"text"}`)))

	data, ok, err := store.Load(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"step":"text"}`, string(data))

	ttl, err := store.client.TTL(ctx, key(42)).Result()
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 5)

	require.NoError(t, store.Delete(ctx, 42))
	_, ok, err = store.Load(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewClient_RequiresAddr(t *testing.T) {
	_, err := NewClient(context.Background(), "", "", 0)
	assert.Error(t, err)
}
