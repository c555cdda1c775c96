package main

import (
	"fmt"
	"net/http"

	"github.com/fenwickgames/pusher/internal/adminclient"
	"github.com/fenwickgames/pusher/internal/auth"
	"github.com/fenwickgames/pusher/internal/pusher"
	"github.com/fenwickgames/pusher/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

const claimsKey = "pusher.claims"

// requireAdmin validates the bearer token and enforces both the "admin" tag
// and the admin-call rate limit before any handler in the group runs.
func requireAdmin(validator auth.TokenValidator, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		claims, err := validator.ValidateToken(token)
		if err != nil || !claims.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin tag required"})
			return
		}
		if limiter != nil && !limiter.CheckAdminCall(c.Request.Context(), claims.Subject) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "admin call rate limit exceeded"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// registerAdminRoutes wires the operator-facing REST surface: kicking a
// player out of a room, relaying reports to the admin service, and
// broadcasting an operator message to a room.
func registerAdminRoutes(g *gin.RouterGroup, mux *pusher.SessionMultiplexer, admin *adminclient.Client) {
	g.POST("/rooms/:roomId/kick/:userId", func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)
		if err := mux.KickOffUserByID(c.Request.Context(), pusher.ClientID(c.Param("userId")), body.Reason); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "kicked"})
	})

	g.POST("/spaces/:spaceName/kick/:userId", func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)
		var userID int
		if _, err := fmt.Sscanf(c.Param("userId"), "%d", &userID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId must be numeric"})
			return
		}
		name := pusher.SpaceName(c.Param("spaceName"))
		if err := mux.KickOffSpaceUser(c.Request.Context(), name, pusher.UserID(userID), body.Reason); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "kicked"})
	})

	g.POST("/rooms/:roomId/play-global", func(c *gin.Context) {
		var body struct {
			Message          string `json:"message" binding:"required"`
			BroadcastToWorld bool   `json:"broadcastToWorld"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		roomURL := pusher.RoomURL(c.Param("roomId"))
		if err := mux.PlayGlobalMessage(c.Request.Context(), roomURL, body.Message, body.BroadcastToWorld); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
	})

	g.POST("/report", func(c *gin.Context) {
		var body struct {
			ReportedUUID string `json:"reportedUserUuid" binding:"required"`
			ReportText   string `json:"reportText" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := c.MustGet(claimsKey).(*auth.CustomClaims)
		if err := admin.ReportPlayer(c.Request.Context(), body.ReportedUUID, claims.Subject, body.ReportText); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "reported"})
	})

	g.POST("/rooms/:roomId/broadcast", func(c *gin.Context) {
		var body struct {
			Message string `json:"message" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := mux.SendAdminMessageToRoom(c.Request.Context(), pusher.RoomURL(c.Param("roomId")), body.Message); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "sent"})
	})
}
