package usecase

import (
	"fmt"
	"math"
	"sync"

	"ChartSync/internal/domain/models"
)

// VolumePolicy selects how a same-bucket live update combines volume.
type VolumePolicy int

const (
	// VolumeDelta treats each live message as an increment and sums it.
	VolumeDelta VolumePolicy = iota
	// VolumeCumulative treats each live message as the bucket total so far.
	VolumeCumulative
)

// ParseVolumePolicy maps "delta" and "cumulative" to a policy.
func ParseVolumePolicy(s string) (VolumePolicy, error) {
	switch s {
	case "", "delta":
		return VolumeDelta, nil
	case "cumulative":
		return VolumeCumulative, nil
	default:
		return VolumeDelta, fmt.Errorf("unknown volume policy %q", s)
	}
}

func (p VolumePolicy) String() string {
	if p == VolumeCumulative {
		return "cumulative"
	}
	return "delta"
}

// Outcome reports what ApplyLiveBar did with a bar.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeUpdated
	OutcomeAppended
	OutcomeStale
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeAppended:
		return "appended"
	case OutcomeStale:
		return "stale"
	case OutcomeRejected:
		return "rejected"
	default:
		return "ignored"
	}
}

// Applied is the result of ApplyLiveBar. Bar is the new last bar for
// Updated and Appended; Closed is the bar that was last before an append.
type Applied struct {
	Outcome Outcome
	Bar     models.Bar
	Closed  *models.Bar
}

// Changed reports whether the merged sequence was modified.
func (a Applied) Changed() bool {
	return a.Outcome == OutcomeUpdated || a.Outcome == OutcomeAppended
}

// Reconciler owns the merged bar sequence of one chart. Published slices
// are never written again, so Snapshot hands out the current one as is.
type Reconciler struct {
	mu     sync.RWMutex
	bars   []models.Bar
	state  models.ReconcilerState
	policy VolumePolicy
}

// NewReconciler creates an empty reconciler.
func NewReconciler(policy VolumePolicy) *Reconciler {
	return &Reconciler{policy: policy, state: models.ReconcilerEmpty}
}

// Reset discards the sequence and returns to Empty.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.bars = nil
	r.state = models.ReconcilerEmpty
	r.mu.Unlock()
}

// LoadHistorical replaces the sequence with bars and moves to Loaded.
// An empty input is a no-op. An invalid input is rejected as a whole and
// the current sequence is kept.
func (r *Reconciler) LoadHistorical(bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if err := models.ValidateSeries(bars); err != nil {
		return fmt.Errorf("load historical: %w", err)
	}

	next := make([]models.Bar, len(bars), growCap(len(bars)))
	copy(next, bars)

	r.mu.Lock()
	r.bars = next
	r.state = models.ReconcilerLoaded
	r.mu.Unlock()
	return nil
}

// ApplyLiveBar merges one live bar into the sequence.
func (r *Reconciler) ApplyLiveBar(b models.Bar) Applied {
	if err := b.Validate(); err != nil {
		return Applied{Outcome: OutcomeRejected}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.bars)
	if n == 0 {
		return Applied{Outcome: OutcomeIgnored}
	}

	last := r.bars[n-1]
	switch {
	case b.SameBucket(last):
		merged := r.merge(last, b)
		next := make([]models.Bar, n, growCap(n))
		copy(next, r.bars)
		next[n-1] = merged
		r.bars = next
		return Applied{Outcome: OutcomeUpdated, Bar: merged}
	case last.Before(b):
		// indices >= n are invisible to earlier snapshots, so the backing
		// array may be extended in place
		r.bars = append(r.bars, b)
		closed := last
		return Applied{Outcome: OutcomeAppended, Bar: b, Closed: &closed}
	default:
		return Applied{Outcome: OutcomeStale}
	}
}

func (r *Reconciler) merge(last, in models.Bar) models.Bar {
	out := models.Bar{
		Time:  last.Time,
		Open:  last.Open,
		High:  math.Max(last.High, in.High),
		Low:   math.Min(last.Low, in.Low),
		Close: in.Close,
	}
	if r.policy == VolumeCumulative {
		out.Volume = in.Volume
	} else {
		out.Volume = last.Volume + in.Volume
	}
	return out
}

// Snapshot returns the current sequence. The result must be treated as
// read-only; its capacity is clipped so appends by the caller reallocate.
func (r *Reconciler) Snapshot() []models.Bar {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.bars)
	return r.bars[:n:n]
}

// Last returns the last bar, if any.
func (r *Reconciler) Last() (models.Bar, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.bars) == 0 {
		return models.Bar{}, false
	}
	return r.bars[len(r.bars)-1], true
}

// State reports Empty or Loaded.
func (r *Reconciler) State() models.ReconcilerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Len returns the number of bars.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bars)
}

// Policy returns the configured volume policy.
func (r *Reconciler) Policy() VolumePolicy {
	return r.policy
}

func growCap(n int) int {
	return n + n/4 + 16
}
