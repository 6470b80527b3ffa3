package repository

import (
	"fmt"
	"strings"

	"ChartSync/internal/domain/models"
)

// Timeframe identifies a candle bucket duration as the UI names it.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF60m Timeframe = "60m"
	TF1D  Timeframe = "1D"
)

const day = 24 * 60 * 60

// Descriptor is the static configuration of one timeframe.
type Descriptor struct {
	ID              Timeframe
	Label           string
	BucketSeconds   int64
	LookbackSeconds int64
	ResolutionCode  string
}

// registry is ordered as the UI lists it.
var registry = []Descriptor{
	{ID: TF1m, Label: "1m", BucketSeconds: 60, LookbackSeconds: 2 * day, ResolutionCode: "1"},
	{ID: TF5m, Label: "5m", BucketSeconds: 5 * 60, LookbackSeconds: 7 * day, ResolutionCode: "5"},
	{ID: TF15m, Label: "15m", BucketSeconds: 15 * 60, LookbackSeconds: 14 * day, ResolutionCode: "15"},
	{ID: TF60m, Label: "1h", BucketSeconds: 60 * 60, LookbackSeconds: 30 * day, ResolutionCode: "60"},
	{ID: TF1D, Label: "1D", BucketSeconds: day, LookbackSeconds: 180 * day, ResolutionCode: "1D"},
}

// Timeframes returns all descriptors in display order.
func Timeframes() []Descriptor {
	out := make([]Descriptor, len(registry))
	copy(out, registry)
	return out
}

// Resolve looks up a timeframe id. The day suffix is matched case-insensitively.
func Resolve(id string) (Descriptor, error) {
	for _, d := range registry {
		if strings.EqualFold(string(d.ID), id) {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q", models.ErrUnknownTimeframe, id)
}

// IsValidTimeframe returns true if tf is a supported timeframe.
func IsValidTimeframe(tf string) bool {
	_, err := Resolve(tf)
	return err == nil
}

// DefaultTimeframe returns the finest timeframe, the one the live feed serves.
func DefaultTimeframe() Timeframe { return TF1m }

// ComputeRange returns the historical window for id ending at now (epoch seconds).
func ComputeRange(id string, now int64) (from, to int64, err error) {
	d, err := Resolve(id)
	if err != nil {
		return 0, 0, err
	}
	return now - d.LookbackSeconds, now, nil
}

// AlignBucket floors an epoch-second time to the bucket start.
// Daily buckets align on UTC midnight.
func (d Descriptor) AlignBucket(t int64) int64 {
	if d.BucketSeconds <= 0 {
		return t
	}
	r := t % d.BucketSeconds
	if r < 0 {
		r += d.BucketSeconds
	}
	return t - r
}
