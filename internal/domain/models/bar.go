package models

import (
	"fmt"
	"math"
)

// Bar is one OHLCV record for a fixed time bucket.
// Time is the bucket start in epoch seconds and is the ordering key.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Validate checks the fields a reconciled series depends on.
// low <= open,close <= high is not enforced; upstream does not guarantee it.
func (b Bar) Validate() error {
	if b.Time <= 0 {
		return fmt.Errorf("%w: time %d", ErrInvalidBar, b.Time)
	}
	for name, v := range map[string]float64{
		"open":   b.Open,
		"high":   b.High,
		"low":    b.Low,
		"close":  b.Close,
		"volume": b.Volume,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidBar, name)
		}
		if v < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidBar, name)
		}
	}
	return nil
}

// Before reports whether b belongs to an earlier bucket than o.
func (b Bar) Before(o Bar) bool { return b.Time < o.Time }

// SameBucket reports whether b and o identify the same bucket.
func (b Bar) SameBucket(o Bar) bool { return b.Time == o.Time }

// IsUp reports whether the bar closed at or above its open.
func (b Bar) IsUp() bool { return b.Close >= b.Open }

// ValidateSeries checks every bar and that times are strictly increasing.
func ValidateSeries(bars []Bar) error {
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("bar %d: %w", i, err)
		}
		if i > 0 && !bars[i-1].Before(b) {
			return fmt.Errorf("%w: bar %d time %d not after %d", ErrInvalidBar, i, b.Time, bars[i-1].Time)
		}
	}
	return nil
}
