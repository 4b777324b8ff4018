package cachemanager

import (
	"context"
	"time"
)

// Loader reads through a cache, calling load on a miss and caching the
// result. Errors are never cached.
type Loader[K ~string, V any] struct {
	cache    CacheManager[K, V]
	load     func(ctx context.Context, key K) (V, error)
	ttl      time.Duration
	disabled bool
}

// NewLoader creates a read-through loader. A disabled loader always calls
// load.
func NewLoader[K ~string, V any](cache CacheManager[K, V], ttl time.Duration, disabled bool, load func(ctx context.Context, key K) (V, error)) *Loader[K, V] {
	return &Loader[K, V]{cache: cache, load: load, ttl: ttl, disabled: disabled}
}

// Get returns the value for key, loading it on a miss. A hit extends the
// entry's TTL.
func (l *Loader[K, V]) Get(ctx context.Context, key K) (V, error) {
	if l.disabled {
		return l.load(ctx, key)
	}
	if value, ok := l.cache.GetWithRefresh(ctx, key, l.ttl); ok {
		return value, nil
	}

	value, err := l.load(ctx, key)
	if err != nil {
		return value, err
	}
	l.cache.Set(ctx, key, value, l.ttl)
	return value, nil
}

// Invalidate drops cached values so the next Get reloads them.
func (l *Loader[K, V]) Invalidate(ctx context.Context, keys ...K) error {
	return l.cache.Delete(ctx, keys...)
}

// Reset drops every cached value.
func (l *Loader[K, V]) Reset(ctx context.Context) error {
	return l.cache.Flush(ctx)
}
