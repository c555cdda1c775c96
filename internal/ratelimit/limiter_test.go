package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/fenwickgames/pusher/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		RateLimitWsIP:      "2-S",
		RateLimitWsUser:    "2-S",
		RateLimitAPIGlobal: "2-S",
		RateLimitAPIPublic: "2-S",
	}
}

func TestCheckWebSocket_AllowsThenBlocksOverLimit(t *testing.T) {
	l, err := New(testConfig(), nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws", nil)
	c.Request.RemoteAddr = "1.2.3.4:5555"

	assert.True(t, l.CheckWebSocket(c))
	assert.True(t, l.CheckWebSocket(c))
	assert.False(t, l.CheckWebSocket(c))
}

func TestCheckWebSocketUser_ReturnsErrorOverLimit(t *testing.T) {
	l, err := New(testConfig(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.NoError(t, l.CheckWebSocketUser(ctx, "user-1"))
	assert.NoError(t, l.CheckWebSocketUser(ctx, "user-1"))
	assert.Error(t, l.CheckWebSocketUser(ctx, "user-1"))
}

func TestCheckAdminCall_ReturnsFalseOverLimit(t *testing.T) {
	l, err := New(testConfig(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, l.CheckAdminCall(ctx, "admin-1"))
	assert.True(t, l.CheckAdminCall(ctx, "admin-1"))
	assert.False(t, l.CheckAdminCall(ctx, "admin-1"))
}

func TestNew_RejectsInvalidRateFormat(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitWsIP = "not-a-rate"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
