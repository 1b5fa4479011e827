package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aleks-frontend/ai-hero/internal/auth"
	"github.com/aleks-frontend/ai-hero/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired resolves the authenticated user id from the bearer token
// and aborts with 401 otherwise.
func AuthRequired(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid authorization format")
			c.Abort()
			return
		}

		uid, err := auth.ParseJWT(tokenString, jwtSecret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(UserIDKey, uid)
		c.Next()
	}
}
