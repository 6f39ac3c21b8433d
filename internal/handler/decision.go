package handler

import (
	"context"
	"net/http"

	"github.com/aman-churiwal/admission-gateway/internal/engine"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

type Engine interface {
	Check(ctx context.Context, req engine.Request) (*engine.Verdict, error)
	Status(ctx context.Context, id ratelimit.Identity) (*engine.Status, error)
	Reset(ctx context.Context, id ratelimit.Identity) (int64, error)
}

type DecisionHandler struct {
	engine Engine
}

func NewDecisionHandler(engine Engine) *DecisionHandler {
	return &DecisionHandler{engine: engine}
}

// Handles POST /v1/decisions
func (h *DecisionHandler) Decide(c *gin.Context) {
	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	verdict, err := h.engine.Check(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, verdict)
}

// Handles GET /admin/status
func (h *DecisionHandler) Status(c *gin.Context) {
	id := ratelimit.Identity{
		APIKeyID: c.Query("api_key_id"),
		TenantID: c.Query("tenant_id"),
		Endpoint: c.Query("endpoint"),
		IP:       c.Query("ip"),
		Region:   c.Query("region"),
	}

	status, err := h.engine.Status(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// Handles POST /admin/reset
func (h *DecisionHandler) Reset(c *gin.Context) {
	var req struct {
		APIKeyID string `json:"api_key_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed, err := h.engine.Reset(c.Request.Context(), ratelimit.Identity{APIKeyID: req.APIKeyID})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Counters reset successfully",
		"api_key_id":   req.APIKeyID,
		"keys_removed": removed,
	})
}
