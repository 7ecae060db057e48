package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"huddle-backend/internal/database"
	"huddle-backend/pkg/logger"
)

// Counter increments a windowed counter and returns its new value
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter is a fixed-window Counter shared by every instance
type RedisCounter struct {
	client *database.RedisClient
}

// NewRedisCounter creates a RedisCounter
func NewRedisCounter(client *database.RedisClient) *RedisCounter {
	return &RedisCounter{client: client}
}

func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := r.client.SafeIncr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := r.client.SafeExpire(ctx, key, window).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// RateLimiter caps requests per user (or per IP before authentication)
type RateLimiter struct {
	counter  Counter
	name     string
	requests int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing requests per window. name
// keeps the counters of separate limiters apart.
func NewRateLimiter(counter Counter, name string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counter:  counter,
		name:     name,
		requests: requests,
		window:   window,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		now := time.Now()
		bucket := now.Truncate(rl.window)
		key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.name, identifier, bucket.Unix())

		count, err := rl.counter.Incr(c.Request.Context(), key, rl.window)
		if err != nil {
			// fail open while Redis is unavailable
			logger.Debug("Rate limit check skipped", zap.String("limiter", rl.name), zap.Error(err))
			c.Next()
			return
		}

		remaining := rl.requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(bucket.Add(rl.window).Unix(), 10))

		if int(count) > rl.requests {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "RATE_LIMITED",
					"message": "Rate limit exceeded",
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
