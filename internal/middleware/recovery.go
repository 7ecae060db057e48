package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/response"
)

// Recovery answers a panicking call or history handler with the standard
// INTERNAL_ERROR envelope and logs the stack under the request ID
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				fields := []zap.Field{
					zap.Any("panic", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				}
				if userID, ok := c.Get("user_id"); ok {
					fields = append(fields, zap.Any("user_id", userID))
				}
				logger.FromContext(c.Request.Context()).Error("Panic in call API handler", fields...)
				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
