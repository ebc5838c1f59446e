package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tieubaoca/workspace-assistant/types"
)

const AdminTokenHeader = "X-Admin-Token"

// AdminAuthMiddleware guards admin routes with a static token. An empty token
// leaves the routes open.
func AdminAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.GetHeader(AdminTokenHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{Error: AdminTokenHeader + " header is required"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, types.ErrorResponse{Error: "Invalid admin token"})
			return
		}
		c.Next()
	}
}
