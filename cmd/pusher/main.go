package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fenwickgames/pusher/internal/adminclient"
	"github.com/fenwickgames/pusher/internal/auth"
	"github.com/fenwickgames/pusher/internal/backend"
	"github.com/fenwickgames/pusher/internal/config"
	"github.com/fenwickgames/pusher/internal/correlation"
	"github.com/fenwickgames/pusher/internal/embed"
	"github.com/fenwickgames/pusher/internal/health"
	"github.com/fenwickgames/pusher/internal/logging"
	"github.com/fenwickgames/pusher/internal/pusher"
	"github.com/fenwickgames/pusher/internal/ratelimit"
	"github.com/fenwickgames/pusher/internal/tracing"
	"github.com/fenwickgames/pusher/internal/wsconn"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func main() {
	logging.Initialize(false)
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		logging.Info(ctx, "no .env file found, relying on process environment")
	}

	cfg := config.Load()
	logging.Initialize(cfg.Env == "development")
	if err := cfg.Validate(); err != nil {
		logging.Error(ctx, "invalid configuration", zap.Error(err))
		return
	}

	shutdownTracing, err := tracing.InitTracer(ctx, "pusher", cfg.OTELCollectorAddr)
	if err != nil {
		logging.Error(ctx, "failed to initialize tracing", zap.Error(err))
		return
	}
	defer shutdownTracing(ctx)

	var validator auth.TokenValidator
	if cfg.SkipAuth {
		logging.Info(ctx, "authentication disabled: SKIP_AUTH=true, do not use in production")
		validator = auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.JWTAudience)
		if err != nil {
			logging.Error(ctx, "failed to initialize auth validator", zap.Error(err))
			return
		}
		validator = v
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to initialize rate limiter", zap.Error(err))
		return
	}

	var embedCache embed.Cache
	if redisClient != nil {
		embedCache = embed.NewRedisCache(redisClient)
	}
	prober := embed.NewProber(cfg.EmbeddableAllowlist, embedCache)

	adminClient := adminclient.New(cfg.AdminServiceAddr)

	dir := backend.NewDirectory(cfg.BackendAddrs)
	defer dir.Close()

	mux := pusher.NewSessionMultiplexer(dir, 50*time.Millisecond, 64)
	mux.Admin = adminClient
	mux.Prober = prober

	wsHandler := &wsconn.Handler{
		Validator:      validator,
		Multiplexer:    mux,
		RateLimiter:    limiter,
		AllowedOrigins: auth.AllowedOrigins(joinOrigins(cfg.AllowedOrigins)),
	}
	healthHandler := health.NewHandler(cfg.BackendAddrs)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("pusher"))
	router.Use(correlation.Middleware())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsCfg))

	router.GET("/ws/room/:roomId", wsHandler.ServeWS)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/embed/check", func(c *gin.Context) {
		url := c.Query("url")
		if url == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": prober.Probe(c.Request.Context(), url)})
	})

	adminGroup := router.Group("/admin")
	adminGroup.Use(requireAdmin(validator, limiter))
	registerAdminRoutes(adminGroup, mux, adminClient)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		logging.Info(ctx, "pusher starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
		}
	}()

	notifyCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-notifyCtx.Done()

	logging.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	if err := mux.Close(); err != nil {
		logging.Error(ctx, "error closing back-end connections", zap.Error(err))
	}
}

func joinOrigins(origins []string) string {
	out := ""
	for i, o := range origins {
		if i > 0 {
			out += ","
		}
		out += o
	}
	return out
}
