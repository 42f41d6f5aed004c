package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/ehr-access/internal/service/audit"
)

// RequestInfo attaches the client address and user agent to the request
// context so audit rows written while serving it carry them.
func RequestInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := audit.WithRequestInfo(c.Request.Context(), c.ClientIP(), c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
