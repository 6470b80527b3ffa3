package repository

import (
	"errors"
	"testing"

	"ChartSync/internal/domain/models"
)

func TestResolveKnownTimeframes(t *testing.T) {
	cases := map[string]struct {
		bucket     int64
		resolution string
		label      string
	}{
		"1m":  {60, "1", "1m"},
		"5m":  {300, "5", "5m"},
		"15m": {900, "15", "15m"},
		"60m": {3600, "60", "1h"},
		"1D":  {86400, "1D", "1D"},
	}
	for id, want := range cases {
		d, err := Resolve(id)
		if err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
		if d.BucketSeconds != want.bucket || d.ResolutionCode != want.resolution || d.Label != want.label {
			t.Fatalf("resolve %s: got %+v", id, d)
		}
	}
}

func TestResolveDaySuffixCaseInsensitive(t *testing.T) {
	d, err := Resolve("1d")
	if err != nil {
		t.Fatalf("expected 1d to resolve: %v", err)
	}
	if d.ID != TF1D {
		t.Fatalf("unexpected id %s", d.ID)
	}
}

func TestResolveUnknown(t *testing.T) {
	for _, id := range []string{"", "2m", "1h", "4h"} {
		if _, err := Resolve(id); !errors.Is(err, models.ErrUnknownTimeframe) {
			t.Fatalf("resolve %q: expected ErrUnknownTimeframe, got %v", id, err)
		}
	}
}

func TestComputeRange(t *testing.T) {
	now := int64(1_700_000_000)
	from, to, err := ComputeRange("1m", now)
	if err != nil {
		t.Fatalf("compute range: %v", err)
	}
	if to != now || from != now-2*86400 {
		t.Fatalf("unexpected range %d..%d", from, to)
	}
	from, _, _ = ComputeRange("1D", now)
	if from != now-180*86400 {
		t.Fatalf("unexpected 1D lookback %d", now-from)
	}
	if _, _, err := ComputeRange("bogus", now); !errors.Is(err, models.ErrUnknownTimeframe) {
		t.Fatalf("expected ErrUnknownTimeframe, got %v", err)
	}
}

func TestTimeframesOrder(t *testing.T) {
	got := Timeframes()
	want := []Timeframe{TF1m, TF5m, TF15m, TF60m, TF1D}
	if len(got) != len(want) {
		t.Fatalf("expected %d timeframes, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: expected %s got %s", i, want[i], got[i].ID)
		}
	}
	got[0].BucketSeconds = 1
	if d, _ := Resolve("1m"); d.BucketSeconds != 60 {
		t.Fatalf("registry mutated through Timeframes()")
	}
}

func TestAlignBucket(t *testing.T) {
	d, _ := Resolve("5m")
	if got := d.AlignBucket(1_000_123); got != 1_000_123-(1_000_123%300) {
		t.Fatalf("unexpected alignment %d", got)
	}
	day, _ := Resolve("1D")
	if got := day.AlignBucket(86400*3 + 5); got != 86400*3 {
		t.Fatalf("unexpected daily alignment %d", got)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	if got := NormalizeSymbol(" BTC/USDT "); got != "BTCUSDT" {
		t.Fatalf("unexpected symbol %q", got)
	}
}
