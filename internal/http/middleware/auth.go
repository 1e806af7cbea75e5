package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"accounts/internal/lib/jwt"
)

// BearerAuth validates the Authorization header's access token and stores the
// uid claim on the request context. Access tokens are verified statelessly;
// only refresh tokens hit the ledger.
func BearerAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := jwt.ParseToken(token, jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
			return
		}

		uid, err := jwt.UserID(claims)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
			return
		}

		c.Set("uid", uid)
		c.Next()
	}
}
