package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapperNormalOperations(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx).Err())
	require.NoError(t, wrapper.Set(ctx, "test:key", "test:value", time.Minute).Err())

	got := wrapper.Get(ctx, "test:key")
	require.NoError(t, got.Err())
	assert.Equal(t, "test:value", got.Val())

	// A miss surfaces redis.Nil and leaves the breaker closed.
	miss := wrapper.Get(ctx, "nonexistent:key")
	assert.ErrorIs(t, miss.Err(), redis.Nil)
	assert.False(t, wrapper.IsCircuitBreakerOpen())

	keys := wrapper.Keys(ctx, "test:*")
	require.NoError(t, keys.Err())
	assert.Equal(t, []string{"test:key"}, keys.Val())

	del := wrapper.Del(ctx, "test:key")
	require.NoError(t, del.Err())
	assert.Equal(t, int64(1), del.Val())
}

func TestRedisWrapperBreakerTrips(t *testing.T) {
	// Nothing listens here, so every call fails at the transport.
	client := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
	defer client.Close()

	wrapper := NewRedisWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Error(t, wrapper.Ping(ctx).Err())
	}
	require.True(t, wrapper.IsCircuitBreakerOpen())

	// Calls now fail fast without touching the client.
	got := wrapper.Get(ctx, "any:key")
	assert.ErrorIs(t, got.Err(), ErrCircuitBreakerOpen)
}

func TestRedisWrapperNilDoesNotTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	wrapper := NewRedisWrapper(client, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, wrapper.Get(ctx, "nonexistent:key").Err(), redis.Nil)
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}
