// README: Auth middleware; verifies the bearer token and exposes the caller's UID.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"carpool/internal/infra"
)

const ctxCallerUID = "caller_uid"

func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "Unauthenticated"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "Unauthenticated"})
			return
		}
		c.Set(ctxCallerUID, token.UID)
		c.Next()
	}
}

// CallerUID returns the verified UID, or "" outside Auth.
func CallerUID(c *gin.Context) string {
	return c.GetString(ctxCallerUID)
}
