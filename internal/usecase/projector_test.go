package usecase

import (
	"math"
	"testing"

	"ChartSync/internal/domain/models"
)

func TestToCandlesDropsVolume(t *testing.T) {
	seq := []models.Bar{bar(60, 1, 2, 0.5, 1.5, 10), bar(120, 1.5, 3, 1, 2, 20)}
	got := ToCandles(seq)
	if len(got) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(got))
	}
	want := models.CandlePoint{Time: 120, Open: 1.5, High: 3, Low: 1, Close: 2}
	if got[1] != want {
		t.Fatalf("candle: got %+v want %+v", got[1], want)
	}
}

func TestToVolumeHistogramColors(t *testing.T) {
	seq := []models.Bar{
		bar(60, 1, 2, 1, 2, 10),  // up
		bar(120, 2, 2, 1, 1, 20), // down
		bar(180, 1, 1, 1, 1, 30), // tie
	}
	got := ToVolumeHistogram(seq, "up", "down")
	wantColors := []string{"up", "down", "up"}
	for i, c := range wantColors {
		if got[i].Color != c || got[i].Value != seq[i].Volume || got[i].Time != seq[i].Time {
			t.Fatalf("point %d: got %+v", i, got[i])
		}
	}
}

func TestToReferenceLine(t *testing.T) {
	seq := []models.Bar{bar(60, 1, 1, 1, 1, 1), bar(120, 1, 1, 1, 1, 1), bar(180, 1, 1, 1, 1, 1)}
	line := ToReferenceLine(seq, 42)
	if len(line) != 2 || line[0] != (models.LinePoint{Time: 60, Value: 42}) || line[1] != (models.LinePoint{Time: 180, Value: 42}) {
		t.Fatalf("unexpected line %+v", line)
	}

	for name, tc := range map[string]struct {
		seq   []models.Bar
		price float64
	}{
		"empty seq": {nil, 42},
		"zero":      {seq, 0},
		"nan":       {seq, math.NaN()},
		"inf":       {seq, math.Inf(-1)},
	} {
		got := ToReferenceLine(tc.seq, tc.price)
		if got == nil || len(got) != 0 {
			t.Fatalf("%s: expected empty non-nil line, got %#v", name, got)
		}
	}
}

func TestProjectUsesDefaultColors(t *testing.T) {
	p := NewProjector("", "")
	s := p.Project("BTCUSDT", "1m", []models.Bar{bar(60, 2, 2, 1, 1, 5)}, models.Overlays{GridUpper: 3})
	if s.Volume[0].Color != DefaultDownColor {
		t.Fatalf("expected default down color, got %s", s.Volume[0].Color)
	}
	if len(s.GridUpper) != 2 || len(s.GridLower) != 0 {
		t.Fatalf("overlay lines: upper=%d lower=%d", len(s.GridUpper), len(s.GridLower))
	}
	if s.Symbol != "BTCUSDT" || s.Timeframe != "1m" || len(s.Candles) != 1 {
		t.Fatalf("unexpected series %+v", s)
	}
}

func TestWindow(t *testing.T) {
	seq := []models.Bar{bar(60, 1, 1, 1, 1, 1), bar(120, 1, 1, 1, 1, 1), bar(180, 1, 1, 1, 1, 1)}
	if got := Window(seq, 0, 0); len(got) != 3 {
		t.Fatalf("open window: %d", len(got))
	}
	if got := Window(seq, 100, 180); len(got) != 2 || got[0].Time != 120 {
		t.Fatalf("bounded window: %+v", got)
	}
	if got := Window(seq, 200, 100); len(got) != 0 {
		t.Fatalf("inverted window: %+v", got)
	}
}
