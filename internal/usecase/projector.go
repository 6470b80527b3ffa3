package usecase

import (
	"math"
	"sort"

	"ChartSync/internal/domain/models"
)

const (
	DefaultUpColor   = "#26a69a"
	DefaultDownColor = "#ef5350"
)

// Projector turns a bar snapshot into render-ready series. It holds no
// state besides the histogram colors.
type Projector struct {
	upColor   string
	downColor string
}

// NewProjector creates a projector; empty colors fall back to the defaults.
func NewProjector(upColor, downColor string) *Projector {
	if upColor == "" {
		upColor = DefaultUpColor
	}
	if downColor == "" {
		downColor = DefaultDownColor
	}
	return &Projector{upColor: upColor, downColor: downColor}
}

// ToCandles drops volume from every bar.
func ToCandles(seq []models.Bar) []models.CandlePoint {
	out := make([]models.CandlePoint, len(seq))
	for i, b := range seq {
		out[i] = models.CandlePoint{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close}
	}
	return out
}

// ToVolumeHistogram colors each volume column by candle direction; ties are up.
func ToVolumeHistogram(seq []models.Bar, upColor, downColor string) []models.VolumePoint {
	out := make([]models.VolumePoint, len(seq))
	for i, b := range seq {
		color := downColor
		if b.IsUp() {
			color = upColor
		}
		out[i] = models.VolumePoint{Time: b.Time, Value: b.Volume, Color: color}
	}
	return out
}

// ToReferenceLine spans price across the first and last bar times. It is
// empty for an empty sequence or a zero or non-finite price.
func ToReferenceLine(seq []models.Bar, price float64) []models.LinePoint {
	if len(seq) == 0 || price == 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return []models.LinePoint{}
	}
	return []models.LinePoint{
		{Time: seq[0].Time, Value: price},
		{Time: seq[len(seq)-1].Time, Value: price},
	}
}

// Project builds the full series for one chart.
func (p *Projector) Project(symbol, timeframe string, seq []models.Bar, ov models.Overlays) models.Series {
	return models.Series{
		Symbol:        symbol,
		Timeframe:     timeframe,
		Candles:       ToCandles(seq),
		Volume:        ToVolumeHistogram(seq, p.upColor, p.downColor),
		GridLower:     ToReferenceLine(seq, ov.GridLower),
		GridUpper:     ToReferenceLine(seq, ov.GridUpper),
		LowerStopLoss: ToReferenceLine(seq, ov.LowerStopLoss),
		UpperStopLoss: ToReferenceLine(seq, ov.UpperStopLoss),
	}
}

// Window returns the bars with from <= time <= to. Zero bounds are open.
func Window(seq []models.Bar, from, to int64) []models.Bar {
	lo, hi := 0, len(seq)
	if from > 0 {
		lo = sort.Search(len(seq), func(i int) bool { return seq[i].Time >= from })
	}
	if to > 0 {
		hi = sort.Search(len(seq), func(i int) bool { return seq[i].Time > to })
	}
	if hi < lo {
		hi = lo
	}
	return seq[lo:hi:hi]
}
