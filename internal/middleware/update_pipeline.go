package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ChartSync/internal/domain/models"
	domrepo "ChartSync/internal/domain/repository"
	"ChartSync/pkg/logger"
)

// Proc is the minimal processor interface the pipeline needs.
type Proc interface {
	Process(ctx context.Context, u *models.ChartUpdate) error
}

const (
	minBackoff = 50 * time.Millisecond
	maxBackoff = 2 * time.Second
)

// UpdatePipeline sits between chart sessions and the downstream sinks.
// Submit validates and enqueues without blocking; a single worker forwards
// updates in order and retries a failing one with capped exponential
// back-off before moving on.
type UpdatePipeline struct {
	proc        Proc
	metrics     domrepo.Metrics
	log         *logger.Logger
	maxRPS      int
	bufSize     int
	maxAttempts int
	queue       chan *models.ChartUpdate
	stopCh      chan struct{}
	done        chan struct{}
	started     bool
	mu          sync.Mutex
	lastSeen    map[string]time.Time // per-symbol last accepted intra-bucket update
	sleep       func(context.Context, time.Duration) bool
}

type PipelineOption func(*UpdatePipeline)

// WithMaxRPS limits intra-bucket updates per symbol and second. Appends,
// loads and state changes are never throttled.
func WithMaxRPS(n int) PipelineOption {
	return func(p *UpdatePipeline) { p.maxRPS = n }
}

// WithBufferSize sets how many updates may wait for the downstream.
func WithBufferSize(n int) PipelineOption {
	return func(p *UpdatePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithMaxAttempts sets how often one update is tried before it is dropped.
func WithMaxAttempts(n int) PipelineOption {
	return func(p *UpdatePipeline) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *logger.Logger) PipelineOption {
	return func(p *UpdatePipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// NewUpdatePipeline creates a new pipeline.
func NewUpdatePipeline(proc Proc, metrics domrepo.Metrics, opts ...PipelineOption) *UpdatePipeline {
	if metrics == nil {
		metrics = domrepo.NopMetrics{}
	}
	p := &UpdatePipeline{
		proc:        proc,
		metrics:     metrics,
		log:         logger.Nop(),
		maxRPS:      20,
		bufSize:     1000,
		maxAttempts: 5,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		lastSeen:    make(map[string]time.Time),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan *models.ChartUpdate, p.bufSize)
	return p
}

// Start launches the forwarding worker.
func (p *UpdatePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-p.stopCh
		cancel()
	}()
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				if n := len(p.queue); n > 0 {
					p.log.Warn("update pipeline stopped with pending updates", logger.Int("pending", n))
				}
				return
			case u := <-p.queue:
				p.forward(ctx, u)
			}
		}
	}()
}

// Stop stops the worker and waits for it to return.
func (p *UpdatePipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
	<-p.done
}

// Listener adapts Submit to a session update callback.
func (p *UpdatePipeline) Listener() func(models.ChartUpdate) {
	return func(u models.ChartUpdate) {
		_ = p.Submit(&u)
	}
}

// Submit validates and queues u. It never blocks; a full buffer drops u.
func (p *UpdatePipeline) Submit(u *models.ChartUpdate) error {
	if err := u.Validate(); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return fmt.Errorf("pipeline validate: %w", err)
	}
	if !p.allow(u, time.Now()) {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}
	select {
	case p.queue <- u:
		p.metrics.RecordLatency("pipeline_buffer_depth", float64(len(p.queue)))
		return nil
	default:
		p.metrics.RecordError("pipeline_buffer_full")
		return fmt.Errorf("pipeline buffer full (%d)", p.bufSize)
	}
}

// Pending returns the number of queued updates.
func (p *UpdatePipeline) Pending() int { return len(p.queue) }

func (p *UpdatePipeline) forward(ctx context.Context, u *models.ChartUpdate) {
	start := time.Now()
	backoff := minBackoff
	for attempt := 1; ; attempt++ {
		err := p.proc.Process(ctx, u)
		if err == nil {
			p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
			return
		}
		p.metrics.RecordError("pipeline_process")
		if attempt >= p.maxAttempts {
			p.metrics.RecordError("pipeline_drop")
			p.log.Error("dropping update after retries",
				logger.String("symbol", u.Symbol),
				logger.String("kind", string(u.Kind)),
				logger.Int("attempts", attempt),
				logger.Error(err),
			)
			return
		}
		if !p.sleep(ctx, backoff) {
			return
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (p *UpdatePipeline) allow(u *models.ChartUpdate, now time.Time) bool {
	if p.maxRPS <= 0 || u.Kind != models.UpdateBar {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := u.Symbol + "|" + u.Timeframe
	last := p.lastSeen[key]
	if !last.IsZero() && now.Sub(last) < time.Second/time.Duration(p.maxRPS) {
		return false
	}
	p.lastSeen[key] = now
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
