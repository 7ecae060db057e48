package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"huddle-backend/pkg/jwt"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/response"
)

// RevocationChecker reports whether a token was revoked before it expired
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error)
}

// AuthMiddleware validates the bearer token and sets user_id (uuid.UUID) and
// username in the Gin context. Browsers cannot set headers on a WebSocket
// upgrade, so GET requests may pass the token as the "token" query parameter.
// revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			logger.Debug("Rejected access token", zap.Error(err))
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), claims)
			if err != nil {
				// fail open: the signature already checked out
				logger.Warn("Token revocation check unavailable", zap.Error(err))
			} else if revoked {
				response.Unauthorized(c, "Token revoked")
				c.Abort()
				return
			}
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if c.Request.Method == "GET" {
		if token := c.Query("token"); token != "" {
			return token, true
		}
	}
	return "", false
}
