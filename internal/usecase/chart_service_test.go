package usecase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
)

func newTestService(h *fakeHistory, f *fakeFeed, opts ...ServiceOption) *ChartService {
	now := time.Unix(1_700_000_000, 0)
	return NewChartService(ChartServiceConfig{
		DefaultTimeframe: "1m",
		Session:          SessionConfig{Now: func() time.Time { return now }},
	}, h, f, nil, nil, opts...)
}

func TestServiceOpenIsKeyedByNormalizedSymbol(t *testing.T) {
	h, f := newFakeHistory(), &fakeFeed{}
	h.set(drepo.TF1m, []models.Bar{bar(60, 1, 1, 1, 1, 1)}, nil)
	svc := newTestService(h, f)
	defer svc.Shutdown(context.Background())

	a, err := svc.Open(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := svc.Open(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("open again: %v", err)
	}
	if a != b {
		t.Fatalf("expected the same session for both spellings")
	}
	if got, ok := svc.Get("BTC/USDT"); !ok || got != a {
		t.Fatalf("lookup returned a different session")
	}
	if a.Timeframe() != drepo.TF1m {
		t.Fatalf("expected default timeframe, got %s", a.Timeframe())
	}
	if syms := svc.Symbols(); len(syms) != 1 || syms[0] != "BTCUSDT" {
		t.Fatalf("unexpected symbols %v", syms)
	}
}

func TestServiceOpenRejectsEmptySymbol(t *testing.T) {
	svc := newTestService(newFakeHistory(), &fakeFeed{})
	if _, err := svc.Open(context.Background(), " / "); err == nil {
		t.Fatalf("expected error for empty symbol")
	}
}

func TestServiceAttachesListeners(t *testing.T) {
	h, f := newFakeHistory(), &fakeFeed{}
	h.set(drepo.TF1m, []models.Bar{bar(60, 1, 1, 1, 1, 1)}, nil)
	var loads atomic.Int32
	svc := newTestService(h, f, WithUpdateListener(func(u models.ChartUpdate) {
		if u.Kind == models.UpdateLoad {
			loads.Add(1)
		}
	}))
	defer svc.Shutdown(context.Background())

	if _, err := svc.Open(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitUntil(t, "load event", func() bool { return loads.Load() == 1 })
}

func TestServiceCloseAndShutdown(t *testing.T) {
	h, f := newFakeHistory(), &fakeFeed{}
	svc := newTestService(h, f)

	s1, _ := svc.Open(context.Background(), "BTCUSDT")
	if _, err := svc.Open(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !svc.Close("BTCUSDT") {
		t.Fatalf("expected BTCUSDT to be closed")
	}
	if svc.Close("BTCUSDT") {
		t.Fatalf("second close should report false")
	}
	if err := s1.Retry(context.Background()); !errors.Is(err, models.ErrSessionClosed) {
		t.Fatalf("closed session still usable: %v", err)
	}

	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(svc.Symbols()) != 0 {
		t.Fatalf("sessions left after shutdown")
	}
	if _, err := svc.Open(context.Background(), "SOLUSDT"); !errors.Is(err, models.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after shutdown, got %v", err)
	}
}
