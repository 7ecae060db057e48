package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCache_TTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemoryCache[string, int](time.Minute, 0)
	c.now = func() time.Time { return now }

	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(30 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "b expired")
	_, ok = c.Get("a")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	c.cleanupExpired()
	assert.Equal(t, 0, c.Size())
}

func TestMemoryCache_EvictsOldest(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemoryCache[int, string](time.Hour, 2)
	c.now = func() time.Time { return now }

	c.Set(1, "one", 0)
	now = now.Add(time.Second)
	c.Set(2, "two", 0)
	now = now.Add(time.Second)
	c.Set(2, "two again", 0)
	assert.Equal(t, 2, c.Size(), "overwriting does not evict")

	c.Set(3, "three", 0)
	_, ok := c.Get(1)
	assert.False(t, ok)
	v, _ := c.Get(2)
	assert.Equal(t, "two again", v)

	c.Delete(2)
	assert.Equal(t, 1, c.Size())
}
