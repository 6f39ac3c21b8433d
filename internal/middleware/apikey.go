package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ContextAPIKey   = "api_key"
	ContextAPIKeyID = "api_key_id"
	ContextTenantID = "tenant_id"
)

type KeyValidator interface {
	Validate(ctx context.Context, key string) (*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID)
}

// Resolves X-API-Key into the caller's key and tenant. Requests without the
// header pass through untouched; RateLimit rejects them.
func APIKeyValidator(validator KeyValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKeyHeader := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if apiKeyHeader == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		apiKey, err := validator.Validate(ctx, apiKeyHeader)
		if err != nil || apiKey == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid API key",
			})
			c.Abort()
			return
		}

		c.Set(ContextAPIKey, apiKey)
		c.Set(ContextAPIKeyID, apiKey.ID.String())
		c.Set(ContextTenantID, apiKey.TenantID)

		go validator.UpdateLastUsed(context.WithoutCancel(ctx), apiKey.ID)

		c.Next()
	}
}
