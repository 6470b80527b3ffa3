package repository

import (
	"context"
	"strings"

	"ChartSync/internal/domain/models"
)

// HistoricalSource fetches an ordered bar series for a symbol/timeframe window.
type HistoricalSource interface {
	Fetch(ctx context.Context, symbol string, tf Timeframe, from, to int64) ([]models.Bar, error)
}

// BarHandler receives normalized live bars.
type BarHandler func(models.Bar)

// StateHandler receives connection state changes.
type StateHandler func(models.ConnectionState)

// Subscription is a live feed subscription. Cancel is idempotent and does
// not wait; Done is closed once the connection is gone and the final state
// has been reported.
type Subscription interface {
	Cancel()
	Done() <-chan struct{}
}

// LiveFeed opens one streaming subscription per (symbol, timeframe).
type LiveFeed interface {
	Subscribe(ctx context.Context, symbol string, tf Timeframe, onBar BarHandler, onState StateHandler) (Subscription, error)
}

// UpdatePublisher forwards chart updates to downstream consumers.
type UpdatePublisher interface {
	Publish(ctx context.Context, u *models.ChartUpdate) error
	Close() error
}

// BarStore archives closed bars.
type BarStore interface {
	StoreBars(ctx context.Context, symbol string, tf Timeframe, bars []models.Bar) error
	Health(ctx context.Context) error
}

type Metrics interface {
	RecordLiveBar(tf, outcome string)
	RecordHistoricalLoad(tf string, bars int)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
	RecordConnectionState(symbol string, state models.ConnectionState)
	RecordLastClose(symbol string, price float64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordLiveBar(string, string) {}
func (NopMetrics) RecordHistoricalLoad(string, int) {}
func (NopMetrics) RecordError(string) {}
func (NopMetrics) RecordLatency(string, float64) {}
func (NopMetrics) RecordConnectionState(string, models.ConnectionState) {}
func (NopMetrics) RecordLastClose(string, float64) {}

// NormalizeSymbol strips pair separators ("BTC/USDT" -> "BTCUSDT").
func NormalizeSymbol(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "/", "")
}
