package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"huddle-backend/pkg/config"
	"huddle-backend/pkg/logger"
)

// ErrDegraded is returned by Safe* operations while Redis is unreachable
var ErrDegraded = errors.New("redis is in degraded mode")

// RedisClient wraps the Redis client with degraded mode support. While degraded,
// Safe* calls fail fast instead of waiting on dial timeouts.
type RedisClient struct {
	Client *redis.Client

	mu            sync.RWMutex
	degraded      bool
	healthCheckMu sync.Mutex
	degradedGauge prometheus.Gauge
}

// NewRedisDB creates a new Redis client from config. reg may be nil.
func NewRedisDB(cfg config.RedisConfig, reg prometheus.Registerer) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	r := &RedisClient{Client: client}
	if reg != nil {
		r.degradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redis_degraded_mode",
			Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
		})
		reg.MustRegister(r.degradedGauge)
	}
	return r
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck periodically pings Redis until ctx is done
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Warn("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

func (r *RedisClient) setDegraded(degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.degraded == degraded {
		return
	}
	r.degraded = degraded
	if r.degradedGauge != nil {
		if degraded {
			r.degradedGauge.Set(1)
		} else {
			r.degradedGauge.Set(0)
		}
	}
	if degraded {
		logger.Warn("Redis entered degraded mode")
	} else {
		logger.Info("Redis recovered from degraded mode")
	}
}

// HealthCheck pings Redis and updates degraded mode
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegraded(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegraded(false)
	return nil
}

func (r *RedisClient) SafeSet(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", ErrDegraded)
	}
	return r.Client.Set(ctx, key, value, expiration)
}

func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", ErrDegraded)
	}
	return r.Client.Get(ctx, key)
}

func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.Del(ctx, keys...)
}

func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.Exists(ctx, keys...)
}

func (r *RedisClient) SafeIncr(ctx context.Context, key string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.Incr(ctx, key)
}

func (r *RedisClient) SafeExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if r.IsDegraded() {
		return redis.NewBoolResult(false, ErrDegraded)
	}
	return r.Client.Expire(ctx, key, expiration)
}

func (r *RedisClient) SafeSAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.SAdd(ctx, key, members...)
}

func (r *RedisClient) SafeSRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.SRem(ctx, key, members...)
}

func (r *RedisClient) SafeSMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult([]string{}, ErrDegraded)
	}
	return r.Client.SMembers(ctx, key)
}

func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe returns nil while degraded
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Subscribe(ctx, channels...)
}
