package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	"ChartSync/pkg/cache"
)

const okBody = `{"s":"ok","t":[120,60],"o":[2,1],"h":[3,2],"l":[1.5,0.5],"c":[2.5,1.5],"v":[20,10]}`

func graphServer(t *testing.T, status int, body string, seen chan<- url.Values) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen <- r.URL.Query()
		}
		if got := r.Header.Get("Authorization"); got != "" && got != "Bearer secret" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchZipsColumnsInUpstreamOrder(t *testing.T) {
	seen := make(chan url.Values, 1)
	srv := graphServer(t, http.StatusOK, okBody, seen)
	c, err := NewClient(srv.URL+"/tv/history", WithToken("secret"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	bars, err := c.Fetch(context.Background(), "BTC/USDT", drepo.TF60m, 1000, 2000)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0] != (models.Bar{Time: 120, Open: 2, High: 3, Low: 1.5, Close: 2.5, Volume: 20}) {
		t.Fatalf("bars were reordered or mis-zipped: %+v", bars)
	}

	q := <-seen
	if q.Get("symbol") != "BTCUSDT" || q.Get("resolution") != "60" || q.Get("from") != "1000" || q.Get("to") != "2000" {
		t.Fatalf("unexpected query %v", q)
	}
}

func TestFetchErrorTaxonomy(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
		want   error
	}{
		"no data":      {http.StatusOK, `{"s":"no_data"}`, models.ErrNoData},
		"server error": {http.StatusInternalServerError, `oops`, models.ErrTransport},
		"bad json":     {http.StatusOK, `{"s":`, models.ErrMalformedMessage},
		"short column": {http.StatusOK, `{"s":"ok","t":[60,120],"o":[1,2],"h":[1,2],"l":[1,2],"c":[1,2],"v":[1]}`, models.ErrMalformedMessage},
	}
	for name, tc := range cases {
		srv := graphServer(t, tc.status, tc.body, nil)
		c, _ := NewClient(srv.URL)
		if _, err := c.Fetch(context.Background(), "BTCUSDT", drepo.TF1m, 1, 2); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}

func TestFetchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	c, _ := NewClient(endpoint)
	if _, err := c.Fetch(context.Background(), "BTCUSDT", drepo.TF1m, 1, 2); !errors.Is(err, models.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := c.Fetch(context.Background(), "BTCUSDT", drepo.TF1m, 1, 2)
	if !errors.Is(err, models.ErrTransport) {
		t.Fatalf("expected ErrTransport on timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestFetchValidatesArguments(t *testing.T) {
	c, _ := NewClient("http://localhost:1")
	if _, err := c.Fetch(context.Background(), "", drepo.TF1m, 1, 2); err == nil {
		t.Fatalf("expected error for empty symbol")
	}
	if _, err := c.Fetch(context.Background(), "BTCUSDT", drepo.TF1m, 2, 2); err == nil {
		t.Fatalf("expected error for empty window")
	}
	if _, err := c.Fetch(context.Background(), "BTCUSDT", "3m", 1, 2); !errors.Is(err, models.ErrUnknownTimeframe) {
		t.Fatalf("expected ErrUnknownTimeframe, got %v", err)
	}
	if _, err := NewClient("not a url"); err == nil {
		t.Fatalf("expected error for invalid endpoint")
	}
}

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (s *countingSource) Fetch(context.Context, string, drepo.Timeframe, int64, int64) ([]models.Bar, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []models.Bar{{Time: 60, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}}, nil
}

func TestCachedServesRepeatedWindow(t *testing.T) {
	src := &countingSource{}
	mc := cache.NewMemoryCache(cache.WithMemoryCleanup(0))
	defer mc.Close()
	c := NewCached(src, mc, time.Minute, nil)

	for i := 0; i < 3; i++ {
		bars, err := c.Fetch(context.Background(), "BTCUSDT", drepo.TF1m, 1_000, 1_000_020+int64(i))
		if err != nil || len(bars) != 1 {
			t.Fatalf("fetch %d: %v %v", i, bars, err)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("expected one upstream call, got %d", n)
	}
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	src := &countingSource{err: models.ErrNoData}
	mc := cache.NewMemoryCache(cache.WithMemoryCleanup(0))
	defer mc.Close()
	c := NewCached(src, mc, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if _, err := c.Fetch(context.Background(), "BTCUSDT", drepo.TF1m, 1, 2); !errors.Is(err, models.ErrNoData) {
			t.Fatalf("expected ErrNoData, got %v", err)
		}
	}
	if n := src.calls.Load(); n != 2 {
		t.Fatalf("expected two upstream calls, got %d", n)
	}
}
