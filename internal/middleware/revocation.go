package middleware

import (
	"context"
	"fmt"

	"huddle-backend/internal/database"
	"huddle-backend/pkg/jwt"
)

// RedisRevocationChecker looks tokens up in the blacklist the auth service
// writes on logout
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if a token is in the Redis blacklist
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error) {
	if claims.ID == "" {
		return false, nil
	}

	exists, err := c.client.SafeExists(ctx, "blacklist:"+claims.ID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}

	return exists > 0, nil
}
