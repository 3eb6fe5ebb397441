package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pairchat/internal/delivery"
	"pairchat/internal/middleware"
	"pairchat/internal/models"
	"pairchat/internal/protocol"
	"pairchat/internal/telemetry"
)

// MessageHandler exposes the delivery engine over REST. Sends made here are
// routed live exactly like socket sends.
type MessageHandler struct {
	engine *delivery.Engine
	audit  *telemetry.AuditEmitter
}

func NewMessageHandler(engine *delivery.Engine, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{engine: engine, audit: audit}
}

// ListMessages returns the conversation with otherUser, oldest first.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	req := protocol.SyncRequest{
		CurrentUser: c.GetString(middleware.UsernameKey),
		OtherUser:   c.Query("otherUser"),
	}
	if req.OtherUser == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "otherUser is required"})
		return
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		req.LastSyncTime = &since
	}

	res, err := h.engine.Sync(c.Request.Context(), req.CurrentUser, req)
	if err != nil {
		abortWith(c, h.audit, err, "failed to load messages")
		return
	}
	if res.Messages == nil {
		res.Messages = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": res.Messages})
}

// PostMessage stores a message from the authenticated user.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req protocol.SendMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor := c.GetString(middleware.UsernameKey)
	if req.SenderUsername == "" {
		req.SenderUsername = actor
	}

	msg, err := h.engine.Send(c.Request.Context(), actor, req)
	if err != nil {
		abortWith(c, h.audit, err, "failed to store message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// MarkRead marks one message read. Only its receiver may do that.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	actor := c.GetString(middleware.UsernameKey)
	msg, err := h.engine.MarkRead(c.Request.Context(), actor, protocol.ReadAck{MessageID: c.Param("id"), CurrentUser: actor})
	if err != nil {
		abortWith(c, h.audit, err, "failed to mark message read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// MarkAllRead marks every message from otherUser read.
func (h *MessageHandler) MarkAllRead(c *gin.Context) {
	var req struct {
		OtherUser string `json:"otherUser" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := c.GetString(middleware.UsernameKey)
	msgs, err := h.engine.MarkAllRead(c.Request.Context(), actor, protocol.MarkAllRead{CurrentUser: actor, OtherUser: req.OtherUser})
	if err != nil {
		abortWith(c, h.audit, err, "failed to mark messages read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// UnreadCount reports how many messages the caller has not read.
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	count, err := h.engine.UnreadCount(c.Request.Context(), c.GetString(middleware.UsernameKey))
	if err != nil {
		abortWith(c, h.audit, err, "failed to count unread messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unreadCount": count})
}
