package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pairchat/internal/middleware"
	"pairchat/internal/models"
	"pairchat/internal/repositories"
	"pairchat/internal/telemetry"
)

// PresenceView is the live presence known to the realtime layer.
type PresenceView interface {
	Online(username string) bool
	Presence(ctx context.Context, username string) (models.Presence, error)
}

// UserHandler serves the account list and presence status.
type UserHandler struct {
	users    repositories.UserRepository
	store    repositories.PresenceRepository
	presence PresenceView
	audit    *telemetry.AuditEmitter
}

func NewUserHandler(users repositories.UserRepository, store repositories.PresenceRepository, presence PresenceView, audit *telemetry.AuditEmitter) *UserHandler {
	return &UserHandler{users: users, store: store, presence: presence, audit: audit}
}

// ListUsers returns every account with its live online flag.
func (h *UserHandler) ListUsers(c *gin.Context) {
	users, err := h.users.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load users"})
		return
	}
	for i := range users {
		users[i].IsOnline = h.presence.Online(users[i].Username)
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// GetStatus returns the presence of one user.
func (h *UserHandler) GetStatus(c *gin.Context) {
	username := c.Param("username")
	user, err := h.users.GetUser(c.Request.Context(), username)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "user not found"})
		return
	}

	p, err := h.presence.Presence(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load presence"})
		return
	}
	user.IsOnline = p.IsOnline
	user.LastSeen = p.LastSeen
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// UpdateStatus records a presence reported by the user itself.
func (h *UserHandler) UpdateStatus(c *gin.Context) {
	username := c.Param("username")
	if username != c.GetString(middleware.UsernameKey) {
		h.audit.Emit(c.Request.Context(), telemetry.LevelWarn, "status update for another user", requestIDFromContext(c), usernameFromContext(c))
		c.JSON(http.StatusForbidden, gin.H{"error": "can only update your own status"})
		return
	}

	var req struct {
		IsOnline *bool `json:"is_online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.UpdatePresence(c.Request.Context(), username, *req.IsOnline, time.Now().UTC()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "failed to update status"})
		return
	}
	h.GetStatus(c)
}
