// Package ratelimit throttles WebSocket connect attempts and admin REST
// route calls, backed by Redis when available and falling back to memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fenwickgames/pusher/internal/config"
	"github.com/fenwickgames/pusher/internal/logging"
	"github.com/fenwickgames/pusher/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Limiter holds the per-concern rate limiter instances.
type Limiter struct {
	wsIP      *limiter.Limiter
	wsUser    *limiter.Limiter
	apiGlobal *limiter.Limiter
	apiPublic *limiter.Limiter
}

// New builds a Limiter using a Redis store when redisClient is non-nil,
// otherwise an in-memory store (single-instance / dev mode).
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid ws ip rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid ws user rate: %w", err)
	}
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid api global rate: %w", err)
	}
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid api public rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		store, err = sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "pusher:limiter:v1:"})
		if err != nil {
			return nil, fmt.Errorf("redis limiter store: %w", err)
		}
	} else {
		store = memory.NewStore()
	}

	return &Limiter{
		wsIP:      limiter.New(store, wsIPRate),
		wsUser:    limiter.New(store, wsUserRate),
		apiGlobal: limiter.New(store, apiGlobalRate),
		apiPublic: limiter.New(store, apiPublicRate),
	}, nil
}

// CheckWebSocket enforces the per-IP connect limit before upgrade, writing
// a 429 response and returning false if the limit is reached. Fails open
// on store errors so an unreachable Redis never blocks legitimate traffic.
func (l *Limiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()
	res, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this address"})
		return false
	}
	return true
}

// CheckWebSocketUser enforces the per-user connect limit after authentication.
func (l *Limiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	res, err := l.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return nil
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user %s", userID)
	}
	return nil
}

// CheckAdminCall enforces the global API limit for the admin REST routes,
// keyed by the caller's token subject.
func (l *Limiter) CheckAdminCall(ctx context.Context, userID string) bool {
	res, err := l.apiGlobal.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "admin rate limiter store failed", zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("admin_call", "user").Inc()
		return false
	}
	return true
}
