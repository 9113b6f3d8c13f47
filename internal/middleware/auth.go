package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenValidator reports whether a bearer token may act as an operator.
type TokenValidator func(token string) bool

// StaticTokenValidator accepts exactly expected when it is set. With no
// configured token any token of at least minLen bytes passes, which is only
// a length check and not real authentication.
func StaticTokenValidator(expected string, minLen int) TokenValidator {
	return func(token string) bool {
		token = strings.TrimSpace(token)
		if expected != "" {
			return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
		}
		return len(token) >= minLen
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// AdminAuth guards operator endpoints with a bearer token.
func AdminAuth(validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, ok := BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		if !validate(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Next()
	}
}
