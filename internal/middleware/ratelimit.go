package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aman-churiwal/admission-gateway/internal/engine"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Decider interface {
	Check(ctx context.Context, req engine.Request) (*engine.Verdict, error)
}

// Admits or rejects each request through the engine. Usage headers are set
// on every response; denials are answered here and never reach the handler.
func RateLimit(decider Decider, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKeyValue, exists := c.Get(ContextAPIKey)
		apiKey, ok := apiKeyValue.(*models.APIKey)
		if !exists || !ok || apiKey == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "API key required",
			})
			c.Abort()
			return
		}

		req := engine.Request{
			Identity: ratelimit.Identity{
				APIKeyID: apiKey.ID.String(),
				TenantID: apiKey.TenantID,
				Endpoint: c.Request.URL.Path,
				IP:       c.ClientIP(),
				Region:   c.GetHeader("X-Client-Region"),
			},
			IdempotencyKey: c.GetHeader("Idempotency-Key"),
		}

		verdict, err := decider.Check(c.Request.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ratelimit.ErrInvalidIdentity) || errors.Is(err, ratelimit.ErrInvalidAmount) {
				status = http.StatusBadRequest
			}
			logger.Error().Err(err).Str("api_key_id", req.Identity.APIKeyID).Msg("admission check failed")
			c.JSON(status, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		SetVerdictHeaders(c, verdict)

		if !verdict.Allowed {
			status := http.StatusTooManyRequests
			if verdict.Reason == ratelimit.ReasonServiceUnavailable {
				status = http.StatusServiceUnavailable
			}
			if verdict.RetryAfterSeconds > 0 {
				c.Header("Retry-After", strconv.FormatInt(verdict.RetryAfterSeconds, 10))
			}

			c.JSON(status, gin.H{
				"error":       denialMessage(verdict.Reason),
				"reason":      verdict.Reason,
				"retry_after": verdict.RetryAfterSeconds,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func SetVerdictHeaders(c *gin.Context, v *engine.Verdict) {
	cfg := v.Config

	if cfg.BurstCapacity > 0 {
		c.Header("X-RateLimit-Limit", strconv.FormatInt(cfg.BurstCapacity, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(v.TokensRemaining, 10))
	}

	c.Header("X-Quota-Daily-Usage", strconv.FormatInt(v.DailyUsage, 10))
	if cfg.DailyQuota > 0 {
		c.Header("X-Quota-Daily-Limit", strconv.FormatInt(cfg.DailyQuota, 10))
		c.Header("X-Quota-Daily-Percent", fmt.Sprintf("%.1f", float64(v.DailyUsage)*100/float64(cfg.DailyQuota)))
	}

	if v.Degraded {
		c.Header("X-RateLimit-Degraded", "true")
	}
}

func denialMessage(reason ratelimit.Reason) string {
	switch {
	case reason == ratelimit.ReasonRateLimit:
		return "Rate limit exceeded"
	case reason.IsQuota():
		return "Quota exceeded"
	case reason.IsBlocked():
		return "Access blocked"
	case reason == ratelimit.ReasonServiceUnavailable:
		return "Service temporarily unavailable"
	default:
		return "Request denied"
	}
}
