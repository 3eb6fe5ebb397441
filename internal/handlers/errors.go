package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pairchat/internal/delivery"
	"pairchat/internal/telemetry"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, delivery.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, delivery.ErrInvalid), errors.Is(err, delivery.ErrUnknownUser):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// abortWith writes the error response for an engine failure. Authorization
// mismatches are audited.
func abortWith(c *gin.Context, audit *telemetry.AuditEmitter, err error, fallback string) {
	status := statusFor(err)
	msg := fallback
	switch status {
	case http.StatusForbidden:
		audit.Emit(c.Request.Context(), telemetry.LevelWarn, "authorization mismatch: "+c.FullPath(), requestIDFromContext(c), usernameFromContext(c))
		msg = "not allowed"
	case http.StatusBadRequest, http.StatusNotFound:
		msg = err.Error()
	}
	c.JSON(status, gin.H{"error": msg})
}
