package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyOperator holds the token subject for downstream handlers and
	// the audit middleware.
	ContextKeyOperator = "operator"
	ContextKeyClaims   = "operator_claims"
)

// Middleware rejects requests without a valid bearer token. With auth
// disabled it only records an X-Operator header when present.
func Middleware(j JWT) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !j.Enabled() {
			if op := strings.TrimSpace(c.GetHeader("X-Operator")); op != "" {
				c.Set(ContextKeyOperator, op)
			}
			c.Next()
			return
		}
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" {
			abort(c, "missing bearer token")
			return
		}
		claims, err := j.Verify(tok)
		if err != nil {
			abort(c, "invalid token")
			return
		}
		c.Set(ContextKeyOperator, claims.Subject)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// Operator returns the authenticated operator, or fallback.
func Operator(c *gin.Context, fallback string) string {
	if v, ok := c.Get(ContextKeyOperator); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func abort(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    http.StatusUnauthorized,
		"message": msg,
	})
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
