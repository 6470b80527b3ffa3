package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	"ChartSync/pkg/logger"
)

// UpdateForwarder publishes chart updates downstream and archives every
// bar that an append closed. Either sink may be nil.
type UpdateForwarder struct {
	publisher drepo.UpdatePublisher
	store     drepo.BarStore
	metrics   drepo.Metrics
	log       *logger.Logger
}

// NewUpdateForwarder creates a forwarder.
func NewUpdateForwarder(publisher drepo.UpdatePublisher, store drepo.BarStore, metrics drepo.Metrics, log *logger.Logger) *UpdateForwarder {
	if metrics == nil {
		metrics = drepo.NopMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &UpdateForwarder{publisher: publisher, store: store, metrics: metrics, log: log}
}

// Enabled reports whether at least one sink is configured.
func (f *UpdateForwarder) Enabled() bool {
	return f.publisher != nil || f.store != nil
}

// Process forwards one update to the configured sinks.
func (f *UpdateForwarder) Process(ctx context.Context, u *models.ChartUpdate) error {
	start := time.Now()
	var errs []error

	if f.publisher != nil {
		if err := f.publisher.Publish(ctx, u); err != nil {
			f.metrics.RecordError("publish")
			errs = append(errs, fmt.Errorf("publish %s: %w", u.Kind, err))
		}
	}

	if f.store != nil && u.Kind == models.UpdateAppend && u.Closed != nil {
		d, err := drepo.Resolve(u.Timeframe)
		if err != nil {
			return err
		}
		if err := f.store.StoreBars(ctx, u.Symbol, d.ID, []models.Bar{*u.Closed}); err != nil {
			f.metrics.RecordError("store")
			errs = append(errs, fmt.Errorf("store closed bar: %w", err))
		} else {
			f.log.Debug("closed bar archived",
				logger.String("symbol", u.Symbol),
				logger.String("timeframe", u.Timeframe),
				logger.Int64("bar_time", u.Closed.Time),
			)
		}
	}

	f.metrics.RecordLatency("forward", time.Since(start).Seconds())
	return errors.Join(errs...)
}
