package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipgate/internal/cache"
)

func TestCache_SetGet(t *testing.T) {
	c, err := cache.New[string, int](10)
	require.NoError(t, err)

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_TTL(t *testing.T) {
	c, err := cache.New[string, string](10)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	c.Set("short", "x", time.Minute)
	c.Set("forever", "y", 0)
	assert.True(t, c.Has("short"))

	now = now.Add(2 * time.Minute)
	assert.False(t, c.Has("short"), "entry expired")
	assert.True(t, c.Has("forever"), "ttl 0 never expires")
}

func TestCache_Delete(t *testing.T) {
	c, err := cache.New[string, int](10)
	require.NoError(t, err)

	c.Set("a", 1, 0)
	c.Delete("a")
	assert.False(t, c.Has("a"))
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := cache.New[int, int](2)
	require.NoError(t, err)

	c.Set(1, 1, 0)
	c.Set(2, 2, 0)
	c.Get(1)
	c.Set(3, 3, 0)

	assert.True(t, c.Has(1))
	assert.False(t, c.Has(2))
	assert.True(t, c.Has(3))
	assert.Equal(t, 2, c.Len())
}
