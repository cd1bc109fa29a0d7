package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// RequireJWT rejects requests without a valid bearer token and stores the
// caller's Identity in the gin context.
func RequireJWT(j *JWT) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "authorization header required",
			})
			return
		}
		id, err := j.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "invalid token",
			})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by RequireJWT.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// TrustUserHeader takes the caller's identity from X-User-Id / X-User-Name /
// X-User-Avatar. It is the AUTH_MODE=none counterpart of RequireJWT.
func TrustUserHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "X-User-Id header required",
			})
			return
		}
		c.Set(identityKey, Identity{
			UserID: userID,
			Name:   c.GetHeader("X-User-Name"),
			Avatar: c.GetHeader("X-User-Avatar"),
		})
		c.Next()
	}
}
