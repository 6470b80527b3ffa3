package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ChartSync/internal/domain/models"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	liveBars        *prometheus.CounterVec
	historicalLoads *prometheus.CounterVec
	historicalBars  *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	lastClose       *prometheus.GaugeVec
	latency         *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder on the default registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder whose collectors are registered on reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		liveBars: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_live_bars_total",
				Help: "Live bars applied to the merged series, by outcome",
			},
			[]string{"timeframe", "outcome"},
		),
		historicalLoads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_historical_loads_total",
				Help: "Historical series loaded into a reconciler",
			},
			[]string{"timeframe"},
		),
		historicalBars: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsync_historical_bars",
				Help:    "Number of bars per historical load",
				Buckets: prometheus.ExponentialBuckets(16, 2, 10),
			},
			[]string{"timeframe"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsync_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		connectionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chartsync_live_connection_state",
				Help: "Live feed connection state (0 connecting, 1 open, 2 closed, 3 errored)",
			},
			[]string{"symbol"},
		),
		lastClose: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chartsync_last_close",
				Help: "Close of the most recent bar for a symbol",
			},
			[]string{"symbol"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsync_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordLiveBar counts a live bar by reconciliation outcome.
func (r *Recorder) RecordLiveBar(tf, outcome string) {
	r.liveBars.WithLabelValues(tf, outcome).Inc()
}

// RecordHistoricalLoad records a historical load and its size.
func (r *Recorder) RecordHistoricalLoad(tf string, bars int) {
	r.historicalLoads.WithLabelValues(tf).Inc()
	r.historicalBars.WithLabelValues(tf).Observe(float64(bars))
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordConnectionState sets the connection state gauge for a symbol.
func (r *Recorder) RecordConnectionState(symbol string, state models.ConnectionState) {
	r.connectionState.WithLabelValues(symbol).Set(float64(state))
}

// RecordLastClose records the last close price for a symbol.
func (r *Recorder) RecordLastClose(symbol string, price float64) {
	r.lastClose.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
