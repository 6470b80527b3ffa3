package history

import (
	"context"
	"errors"
	"time"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	"ChartSync/pkg/cache"
	"ChartSync/pkg/logger"
	"ChartSync/pkg/util"
)

// Cached decorates a HistoricalSource with a response cache. Keys are
// quantized to the TTL so sessions opened within one TTL window share an
// entry. Failures are never cached and cache errors fall through to the source.
type Cached struct {
	next  drepo.HistoricalSource
	cache cache.Service
	ttl   time.Duration
	log   *logger.Logger
}

// NewCached wraps next with c.
func NewCached(next drepo.HistoricalSource, c cache.Service, ttl time.Duration, log *logger.Logger) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Cached{next: next, cache: c, ttl: ttl, log: log}
}

func (c *Cached) Fetch(ctx context.Context, symbol string, tf drepo.Timeframe, from, to int64) ([]models.Bar, error) {
	window := int64(c.ttl / time.Second)
	if window <= 0 {
		window = 1
	}
	key := cache.Key("history", drepo.NormalizeSymbol(symbol), tf, util.FloorEpoch(from, window), util.FloorEpoch(to, window))

	var bars []models.Bar
	err := c.cache.Get(ctx, key, &bars)
	switch {
	case err == nil && len(bars) > 0:
		return bars, nil
	case err != nil && !errors.Is(err, cache.ErrCacheMiss):
		c.log.Warn("history cache get failed", logger.String("key", key), logger.Error(err))
	}

	bars, err = c.next.Fetch(ctx, symbol, tf, from, to)
	if err != nil {
		return nil, err
	}
	if len(bars) > 0 {
		if err := c.cache.Set(ctx, key, bars, c.ttl); err != nil {
			c.log.Warn("history cache set failed", logger.String("key", key), logger.Error(err))
		}
	}
	return bars, nil
}
