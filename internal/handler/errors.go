package handler

import (
	"errors"
	"net/http"

	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/gin-gonic/gin"
)

// Maps service and engine errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, ratelimit.ErrInvalidIdentity),
		errors.Is(err, ratelimit.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrEmailTaken):
		status = http.StatusConflict
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

// The operator performing an admin mutation, as set by RequireAuth.
func actor(c *gin.Context) string {
	if email := c.GetString("email"); email != "" {
		return email
	}
	return "unknown"
}
