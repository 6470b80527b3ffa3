package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ChartSync/internal/domain/models"
)

type recordingProc struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []*models.ChartUpdate
	seen     chan struct{}
}

func newRecordingProc(failures int) *recordingProc {
	return &recordingProc{failures: failures, seen: make(chan struct{}, 64)}
}

func (r *recordingProc) Process(_ context.Context, u *models.ChartUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return errors.New("downstream unavailable")
	}
	r.got = append(r.got, u)
	r.seen <- struct{}{}
	return nil
}

func barUpdate(kind models.UpdateKind, t int64) *models.ChartUpdate {
	b := models.Bar{Time: t, Open: 1, High: 2, Low: 1, Close: 2, Volume: 1}
	return &models.ChartUpdate{Kind: kind, Symbol: "BTCUSDT", Timeframe: "1m", Bar: &b}
}

func noSleep(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for update %d", i+1)
		}
	}
}

func TestPipelineForwardsInOrder(t *testing.T) {
	proc := newRecordingProc(0)
	p := NewUpdatePipeline(proc, nil, WithMaxRPS(0))
	p.Start(context.Background())
	defer p.Stop()

	for i := int64(1); i <= 5; i++ {
		if err := p.Submit(barUpdate(models.UpdateAppend, i*60)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitFor(t, proc.seen, 5)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	for i, u := range proc.got {
		if u.Bar.Time != int64(i+1)*60 {
			t.Fatalf("position %d: got bar time %d", i, u.Bar.Time)
		}
	}
}

func TestPipelineRetriesFailedUpdate(t *testing.T) {
	proc := newRecordingProc(2)
	p := NewUpdatePipeline(proc, nil, WithMaxRPS(0), WithMaxAttempts(5))
	p.sleep = noSleep
	p.Start(context.Background())
	defer p.Stop()

	if err := p.Submit(barUpdate(models.UpdateAppend, 60)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, proc.seen, 1)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", proc.calls)
	}
}

func TestPipelineDropsAfterMaxAttempts(t *testing.T) {
	proc := newRecordingProc(2)
	p := NewUpdatePipeline(proc, nil, WithMaxRPS(0), WithMaxAttempts(2))
	p.sleep = noSleep
	p.Start(context.Background())
	defer p.Stop()

	_ = p.Submit(barUpdate(models.UpdateAppend, 60))
	_ = p.Submit(barUpdate(models.UpdateAppend, 120))
	waitFor(t, proc.seen, 1)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.got) != 1 || proc.got[0].Bar.Time != 120 {
		t.Fatalf("expected only the second update to be forwarded, got %+v", proc.got)
	}
}

func TestPipelineRejectsInvalidUpdate(t *testing.T) {
	p := NewUpdatePipeline(newRecordingProc(0), nil)
	if err := p.Submit(&models.ChartUpdate{Kind: models.UpdateBar, Symbol: "BTCUSDT", Timeframe: "1m"}); err == nil {
		t.Fatalf("expected validation error for update without bar")
	}
	if p.Pending() != 0 {
		t.Fatalf("invalid update was queued")
	}
}

func TestPipelineBufferFull(t *testing.T) {
	p := NewUpdatePipeline(newRecordingProc(0), nil, WithBufferSize(1), WithMaxRPS(0))
	if err := p.Submit(barUpdate(models.UpdateAppend, 60)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(barUpdate(models.UpdateAppend, 120)); err == nil {
		t.Fatalf("expected buffer full error")
	}
}

func TestPipelineThrottlesIntraBucketUpdates(t *testing.T) {
	p := NewUpdatePipeline(newRecordingProc(0), nil, WithMaxRPS(1), WithBufferSize(10))
	_ = p.Submit(barUpdate(models.UpdateBar, 60))
	_ = p.Submit(barUpdate(models.UpdateBar, 60))
	_ = p.Submit(barUpdate(models.UpdateAppend, 120))
	if p.Pending() != 2 {
		t.Fatalf("expected the second intra-bucket update to be throttled, pending=%d", p.Pending())
	}
}

func TestPipelineStopIsIdempotent(t *testing.T) {
	p := NewUpdatePipeline(newRecordingProc(0), nil)
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
