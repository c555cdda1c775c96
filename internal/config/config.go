// Package config loads and validates the pusher's environment-driven
// configuration, failing fast with every validation error at once.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fenwickgames/pusher/internal/logging"
	"go.uber.org/zap"
)

// Config is the full set of environment inputs the pusher reads.
type Config struct {
	Port string
	Env  string

	JWTAudience string
	Auth0Domain string
	SkipAuth    bool

	BackendCount int
	BackendAddrs []string // index i dials BackendAddrs[i]

	AdminServiceAddr string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	EmbeddableAllowlist []string

	AllowedOrigins []string

	RateLimitWsIP      string
	RateLimitWsUser    string
	RateLimitAPIGlobal string
	RateLimitAPIPublic string

	OTELCollectorAddr string
}

// Load reads Config from the process environment without validating it.
func Load() *Config {
	return &Config{
		Port:                getEnvOrDefault("PORT", "8080"),
		Env:                 getEnvOrDefault("GO_ENV", "development"),
		JWTAudience:         os.Getenv("AUTH0_AUDIENCE"),
		Auth0Domain:         os.Getenv("AUTH0_DOMAIN"),
		SkipAuth:            os.Getenv("SKIP_AUTH") == "true",
		BackendCount:        mustAtoiOrZero(getEnvOrDefault("PUSHER_BACKEND_COUNT", "1")),
		BackendAddrs:        splitNonEmpty(os.Getenv("PUSHER_BACKEND_ADDRS")),
		AdminServiceAddr:    os.Getenv("ADMIN_SERVICE_ADDR"),
		RedisEnabled:        os.Getenv("REDIS_ENABLED") == "true",
		RedisAddr:           getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		EmbeddableAllowlist: splitNonEmpty(os.Getenv("PUSHER_EMBEDDABLE_ALLOWLIST")),
		AllowedOrigins:      splitNonEmpty(getEnvOrDefault("ALLOWED_ORIGINS", "http://localhost:3000")),
		RateLimitWsIP:       getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M"),
		RateLimitWsUser:     getEnvOrDefault("RATE_LIMIT_WS_USER", "1000-M"),
		RateLimitAPIGlobal:  getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M"),
		RateLimitAPIPublic:  getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M"),
		OTELCollectorAddr:   os.Getenv("OTEL_COLLECTOR_ADDR"),
	}
}

// Validate checks every field, accumulating every problem found rather than
// stopping at the first, and logs the resolved configuration on success.
func (c *Config) Validate() error {
	var errs []error

	if _, err := strconv.Atoi(c.Port); err != nil || c.Port == "" {
		errs = append(errs, fmt.Errorf("PORT must be a valid port number, got %q", c.Port))
	}

	if c.BackendCount < 1 {
		errs = append(errs, fmt.Errorf("PUSHER_BACKEND_COUNT must be >= 1, got %d", c.BackendCount))
	} else if len(c.BackendAddrs) != c.BackendCount {
		errs = append(errs, fmt.Errorf("PUSHER_BACKEND_ADDRS must list exactly %d addresses, got %d", c.BackendCount, len(c.BackendAddrs)))
	}

	if !c.SkipAuth {
		if c.Auth0Domain == "" {
			errs = append(errs, errors.New("AUTH0_DOMAIN is required unless SKIP_AUTH=true"))
		}
		if c.JWTAudience == "" {
			errs = append(errs, errors.New("AUTH0_AUDIENCE is required unless SKIP_AUTH=true"))
		}
	}

	if c.RedisEnabled && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when REDIS_ENABLED=true"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.logResolved()
	return nil
}

func (c *Config) logResolved() {
	logging.Info(context.Background(), "configuration validated",
		zap.String("env", c.Env),
		zap.Int("backend_count", c.BackendCount),
		zap.Bool("skip_auth", c.SkipAuth),
		zap.Bool("redis_enabled", c.RedisEnabled),
		zap.Strings("allowed_origins", c.AllowedOrigins),
	)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustAtoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
