package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/webchat-bff/internal/pkg/response"
)

// ContextToken is the gin.Context key BearerAuth stores the bearer token
// under.
const ContextToken = "bearerToken"

// BearerAuth extracts "Authorization: Bearer <token>" and stores the token
// in the request context. A missing or malformed header fails the request
// with 401 UNAUTHORIZED. The token is opaque here; only the Gateway can
// judge its validity.
func BearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			response.Unauthorized(c, "missing bearer token")
			c.Abort()
			return
		}
		c.Set(ContextToken, token)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	const prefix = "Bearer "
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}

// Token returns the bearer token set by BearerAuth, or "" if called outside
// an authenticated route.
func Token(c *gin.Context) string {
	v, _ := c.Get(ContextToken)
	s, _ := v.(string)
	return s
}

// RedactToken returns a log-safe projection of a bearer token: its first and
// last four characters, or "***" for short tokens. Never log a bearer token
// in full.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
