package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"huddle-backend/pkg/logger"
)

// MemoryCache is an in-memory cache with per-entry TTL. When full, the
// oldest entry is evicted.
type MemoryCache[K comparable, V any] struct {
	mu      sync.Mutex
	data    map[K]*cacheEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache. maxSize 0 means unbounded.
func NewMemoryCache[K comparable, V any](defaultTTL time.Duration, maxSize int) *MemoryCache[K, V] {
	return &MemoryCache[K, V]{
		data:    make(map[K]*cacheEntry[V]),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores a value; ttl 0 uses the default TTL
func (mc *MemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}
	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.now()
	mc.data[key] = &cacheEntry[V]{value: value, expiresAt: now.Add(ttl), createdAt: now}
}

// Get returns a live entry
func (mc *MemoryCache[K, V]) Get(key K) (V, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, exists := mc.data[key]
	if !exists {
		var zero V
		return zero, false
	}
	if mc.now().After(entry.expiresAt) {
		delete(mc.data, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Delete removes a value from the cache
func (mc *MemoryCache[K, V]) Delete(key K) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache[K, V]) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

func (mc *MemoryCache[K, V]) evictOldest() {
	var (
		oldestKey  K
		oldestTime time.Time
		found      bool
	)
	for key, entry := range mc.data {
		if !found || entry.createdAt.Before(oldestTime) {
			oldestKey, oldestTime, found = key, entry.createdAt, true
		}
	}
	if found {
		delete(mc.data, oldestKey)
	}
}

func (mc *MemoryCache[K, V]) cleanupExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	expired := 0
	for key, entry := range mc.data {
		if now.After(entry.expiresAt) {
			delete(mc.data, key)
			expired++
		}
	}

	if expired > 0 {
		logger.Debug("Expired cache entries cleaned up",
			zap.Int("count", expired),
			zap.Int("remaining", len(mc.data)))
	}
}

// StartCleanup starts a goroutine to clean up expired entries.
// Returns a stop function that can be called to cancel the cleanup goroutine.
func (mc *MemoryCache[K, V]) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}
