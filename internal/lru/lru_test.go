package lru_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corestratum/dataplatform/internal/lru"
)

func TestCache_SetGet(t *testing.T) {
	c := lru.New[string, int](2, 0)
	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := lru.New[string, int](2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // touch a, making b the LRU entry
	c.Set("c", 3)

	_, ok := c.Get("b")
	require.False(t, ok, "b should have been evicted")

	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestCache_TTLExpires(t *testing.T) {
	c := lru.New[string, int](10, time.Millisecond)
	c.Set("a", 1)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	c := lru.New[string, int](10, 0)
	c.Set("a", 1)
	c.Invalidate("a")
	_, ok := c.Get("a")
	require.False(t, ok)
}
