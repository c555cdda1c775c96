// Package correlation stamps every request with a correlation id, echoed
// in the response header and stored on the gin context for FromGin. The
// pusher's log lines and WebSocket sessions do not carry it.
package correlation

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderName is the header carrying the correlation id, inbound or outbound.
const HeaderName = "X-Correlation-ID"

const ginContextKey = "correlation_id"

// Middleware assigns a correlation id to every request, reusing one supplied
// by the caller if present.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderName)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderName, id)
		c.Set(ginContextKey, id)
		c.Next()
	}
}

// FromGin retrieves the correlation id stashed by Middleware.
func FromGin(c *gin.Context) string {
	if v, ok := c.Get(ginContextKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
