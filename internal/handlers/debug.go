package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pairchat/internal/telemetry"
)

// OnlineLister reports the users that hold a live connection.
type OnlineLister interface {
	OnlineUsers() []string
}

// RegisterDebugRoutes adds operator endpoints when enabled. audit-test pushes
// one envelope through the audit pipeline; online dumps the live registry.
func RegisterDebugRoutes(router gin.IRoutes, emitter *telemetry.AuditEmitter, presence OnlineLister, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		requestID := requestIDFromContext(c)
		emitter.Emit(c.Request.Context(), telemetry.LevelInfo, "debug audit test", requestID, usernameFromContext(c))
		c.JSON(http.StatusAccepted, gin.H{"request_id": requestID})
	})

	router.GET("/debug/online", func(c *gin.Context) {
		online := presence.OnlineUsers()
		if online == nil {
			online = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"online": online, "count": len(online)})
	})
}
