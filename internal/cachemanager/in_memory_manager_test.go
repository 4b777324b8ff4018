package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fileID string

type pdbHeader struct {
	ID    string
	Title string
}

func TestNewInMemoryCacheManager(t *testing.T) {
	require.NotPanics(t, func() {
		NewInMemoryCacheManager[string, string]("test", DefaultExpiration, DefaultCleanupInterval)
	})
}

func TestInMemoryCacheManager_SetGet(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[fileID, pdbHeader]("headers", DefaultExpiration, DefaultCleanupInterval)

	cache.Set(ctx, "1abc_3f2a9c1d", pdbHeader{ID: "1ABC", Title: "LYSOZYME"}, DefaultExpiration)

	got, ok := cache.Get(ctx, "1abc_3f2a9c1d")
	require.True(t, ok)
	require.Equal(t, pdbHeader{ID: "1ABC", Title: "LYSOZYME"}, got)

	_, ok = cache.Get(ctx, "missing")
	require.False(t, ok)

	require.Equal(t, Stats{Hits: 1, Misses: 1, Items: 1}, cache.Stats())
}

func TestInMemoryCacheManager_Expires(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, []byte]("content", DefaultExpiration, DefaultCleanupInterval)

	cache.Set(ctx, "k", []byte("ATOM"), 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	_, ok := cache.Get(ctx, "k")
	require.False(t, ok)
}

func TestInMemoryCacheManager_GetWithRefresh(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, int]("refresh", DefaultExpiration, DefaultCleanupInterval)

	cache.Set(ctx, "k", 7, 60*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	v, ok := cache.GetWithRefresh(ctx, "k", 200*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, 7, v)

	time.Sleep(60 * time.Millisecond)
	v, ok = cache.Get(ctx, "k")
	require.True(t, ok, "refresh should have extended the TTL")
	require.Equal(t, 7, v)

	_, ok = cache.GetWithRefresh(ctx, "missing", time.Minute)
	require.False(t, ok)
}

func TestInMemoryCacheManager_WrongTypeIsMiss(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, int]("typed", DefaultExpiration, DefaultCleanupInterval)
	cache.cache.Set("k", "not an int", time.Minute)

	_, ok := cache.Get(ctx, "k")
	require.False(t, ok)
}

func TestInMemoryCacheManager_DeleteAndFlush(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCacheManager[string, string]("del", DefaultExpiration, DefaultCleanupInterval)

	cache.Set(ctx, "a", "1", time.Minute)
	cache.Set(ctx, "b", "2", time.Minute)
	cache.Set(ctx, "c", "3", time.Minute)

	require.NoError(t, cache.Delete(ctx))
	require.NoError(t, cache.Delete(ctx, "a", "b"))
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "c")
	require.True(t, ok)

	require.NoError(t, cache.Flush(ctx))
	require.Zero(t, cache.Stats().Items)
}
