package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/auth"
)

const clientIDContextKey = "clientID"

func ClientIDFromContext(c *gin.Context) (string, bool) {
	clientID, ok := c.Get(clientIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := clientID.(string)
	return value, ok && value != ""
}

// RequireAuth accepts a bearer token in the Authorization header, or in the
// token query parameter for websocket upgrades that cannot set headers.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abortUnauthorized(c)
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			abortUnauthorized(c)
			return
		}

		c.Set(clientIDContextKey, claims.ClientID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return c.Query("token")
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "Invalid authentication token",
		"code":  apperr.CodeUnauthorized,
	})
}
