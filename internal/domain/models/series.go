package models

// CandlePoint is a bar without volume, as drawn by a candlestick series.
type CandlePoint struct {
	Time  int64   `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// VolumePoint is one histogram column colored by candle direction.
type VolumePoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
	Color string  `json:"color"`
}

// LinePoint is one point of a line overlay.
type LinePoint struct {
	Time  int64   `json:"time"`
	Value float64 `json:"value"`
}

// Overlays are the horizontal reference prices drawn over a chart.
// Zero means "not set".
type Overlays struct {
	GridLower     float64
	GridUpper     float64
	LowerStopLoss float64
	UpperStopLoss float64
}

// Series is the render-ready projection of a merged bar sequence.
type Series struct {
	Symbol        string        `json:"symbol"`
	Timeframe     string        `json:"timeframe"`
	Candles       []CandlePoint `json:"candles"`
	Volume        []VolumePoint `json:"volume"`
	GridLower     []LinePoint   `json:"grid_lower,omitempty"`
	GridUpper     []LinePoint   `json:"grid_upper,omitempty"`
	LowerStopLoss []LinePoint   `json:"lower_stop_loss,omitempty"`
	UpperStopLoss []LinePoint   `json:"upper_stop_loss,omitempty"`
}
