package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const HeaderServiceToken = "X-Service-Token"

// Admits internal callers presenting one of the configured shared tokens.
// With no tokens configured every request is rejected.
func RequireServiceToken(tokens []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(HeaderServiceToken)
		if presented == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Service token required",
			})
			c.Abort()
			return
		}

		for _, token := range tokens {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid service token",
		})
		c.Abort()
	}
}
