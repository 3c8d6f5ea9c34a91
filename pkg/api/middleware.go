package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gokaycavdar/go-bankguard/pkg/auth"
)

const (
	ctxAccountRef = "accountRef"
	ctxEmail      = "email"
)

// TokenParser validates bearer tokens. *auth.JWTIssuer implements it.
type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

// requireAuth rejects requests without a valid bearer token and stores the
// account reference on the context.
func requireAuth(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Not authorized, no token"})
			return
		}
		claims, err := tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Not authorized, token failed"})
			return
		}
		c.Set(ctxAccountRef, claims.Subject)
		c.Set(ctxEmail, claims.Email)
		c.Next()
	}
}
