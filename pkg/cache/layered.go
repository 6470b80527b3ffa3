package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// LayeredCache implements two-level cache (L1: Memory, L2: any Service).
type LayeredCache struct {
	mem    *MemoryCache
	remote Service
	memTTL time.Duration
}

// NewLayeredCache creates a layered cache in front of remote.
func NewLayeredCache(remote Service, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{
		MemoryMaxSize: 256,
		MemoryTTL:     30 * time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return &LayeredCache{
		mem:    NewMemoryCache(WithMemoryMaxSize(cfg.MemoryMaxSize), WithMemoryDefaultTTL(cfg.MemoryTTL)),
		remote: remote,
		memTTL: cfg.MemoryTTL,
	}
}

// Set writes through to the remote first, then to memory.
func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := lc.remote.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	_ = lc.mem.Set(ctx, key, value, lc.l1TTL(expiration))
	return nil
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.mem.Get(ctx, key, dest); err == nil {
		return nil
	}

	var raw json.RawMessage
	if err := lc.remote.Get(ctx, key, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return err
	}

	_ = lc.mem.Set(ctx, key, raw, lc.memTTL)
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.mem.Delete(ctx, keys...)
	return lc.remote.Delete(ctx, keys...)
}

// Close closes both cache layers.
func (lc *LayeredCache) Close() error {
	return errors.Join(lc.mem.Close(), lc.remote.Close())
}

func (lc *LayeredCache) l1TTL(remote time.Duration) time.Duration {
	if remote > 0 && remote < lc.memTTL {
		return remote
	}
	return lc.memTTL
}
