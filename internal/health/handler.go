// Package health exposes liveness and readiness probes for the pusher.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/fenwickgames/pusher/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// BackendChecker probes one back-end's gRPC health endpoint.
type BackendChecker interface {
	Check(ctx context.Context, addr string) string
}

// GRPCBackendChecker uses the standard gRPC health checking protocol.
type GRPCBackendChecker struct{}

func (GRPCBackendChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "unhealthy"
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		return "unhealthy"
	}
	return "healthy"
}

// Handler answers /health/live and /health/ready.
type Handler struct {
	backendAddrs []string
	checker      BackendChecker
}

func NewHandler(backendAddrs []string) *Handler {
	return &Handler{backendAddrs: backendAddrs, checker: GRPCBackendChecker{}}
}

func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

// Readiness reports unhealthy if every configured back-end is unreachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.backendAddrs))
	healthyCount := 0
	for _, addr := range h.backendAddrs {
		status := h.checker.Check(ctx, addr)
		if status == "healthy" {
			healthyCount++
		} else {
			logging.Warn(ctx, "backend failed readiness check", zap.String("addr", addr))
		}
		checks[addr] = status
	}

	status := "ready"
	code := http.StatusOK
	if healthyCount == 0 && len(h.backendAddrs) > 0 {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{"status": status, "checks": checks, "timestamp": time.Now().UTC().Format(time.RFC3339)})
}
