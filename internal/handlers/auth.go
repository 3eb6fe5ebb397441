package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pairchat/internal/auth"
	"pairchat/internal/telemetry"
)

// AuthHandler exchanges credentials for a session token.
type AuthHandler struct {
	directory *auth.Directory
	tokens    *auth.Tokens
	audit     *telemetry.AuditEmitter
}

func NewAuthHandler(directory *auth.Directory, tokens *auth.Tokens, audit *telemetry.AuditEmitter) *AuthHandler {
	return &AuthHandler{directory: directory, tokens: tokens, audit: audit}
}

// Login checks the credentials against the configured accounts.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.directory.Verify(req.Username, req.Password); err != nil {
		h.audit.Emit(c.Request.Context(), telemetry.LevelWarn, "login rejected", requestIDFromContext(c), &req.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expires, err := h.tokens.Issue(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}

	h.audit.Emit(c.Request.Context(), telemetry.LevelInfo, "login", requestIDFromContext(c), &req.Username)
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"username":   req.Username,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}
