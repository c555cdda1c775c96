package embed

import (
	"context"
	"time"

	"github.com/fenwickgames/pusher/internal/logging"
	"github.com/fenwickgames/pusher/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RedisCache caches probe results with a TTL, wrapped in a circuit breaker
// so a struggling Redis degrades to "no cache" instead of blocking probes.
type RedisCache struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client) *RedisCache {
	st := gobreaker.Settings{
		Name:        "embed-cache-redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	}
	return &RedisCache{client: client, cb: gobreaker.NewCircuitBreaker(st), ttl: 24 * time.Hour}
}

func (r *RedisCache) Get(ctx context.Context, url string) (Result, bool) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		return r.client.Get(ctx, key(url)).Result()
	})
	if err != nil {
		if err != gobreaker.ErrOpenState && err != redis.Nil {
			logging.Warn(ctx, "embed cache get failed", zap.Error(err))
		}
		return "", false
	}
	return Result(v.(string)), true
}

func (r *RedisCache) Set(ctx context.Context, url string, result Result) {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, key(url), string(result), r.ttl).Err()
	})
	if err != nil && err != gobreaker.ErrOpenState {
		logging.Warn(ctx, "embed cache set failed", zap.Error(err))
	}
}

func key(url string) string { return "pusher:embed:" + url }

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
