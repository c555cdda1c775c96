package embed

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_SetThenGetRoundTrips(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisCache(client)

	ctx := context.Background()
	cache.Set(ctx, "https://example.com", Embeddable)

	result, ok := cache.Get(ctx, "https://example.com")
	require.True(t, ok)
	assert.Equal(t, Embeddable, result)
}

func TestRedisCache_GetMissReturnsFalse(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisCache(client)

	_, ok := cache.Get(context.Background(), "https://missing.example.com")
	assert.False(t, ok)
}

func TestRedisCache_DegradesOnUnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	cache := NewRedisCache(client)

	_, ok := cache.Get(context.Background(), "https://example.com")
	assert.False(t, ok, "an unreachable Redis must degrade to a cache miss, never panic or block")
}
