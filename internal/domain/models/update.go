package models

import (
	"errors"
	"fmt"
	"time"
)

// UpdateKind classifies a chart update event.
type UpdateKind string

const (
	UpdateReset  UpdateKind = "reset"
	UpdateLoad   UpdateKind = "load"
	UpdateBar    UpdateKind = "update"
	UpdateAppend UpdateKind = "append"
	UpdateState  UpdateKind = "state"
	UpdateError  UpdateKind = "error"
)

// ChartUpdate is emitted by a chart session after every change.
// Bar is set for update/append, Closed for append (the bucket that just
// closed), Bars for load, State for state and Error for error.
type ChartUpdate struct {
	ID        string           `json:"id"`
	Kind      UpdateKind       `json:"kind"`
	Symbol    string           `json:"symbol"`
	Timeframe string           `json:"timeframe"`
	Bar       *Bar             `json:"bar,omitempty"`
	Closed    *Bar             `json:"closed,omitempty"`
	Bars      []Bar            `json:"bars,omitempty"`
	State     *ConnectionState `json:"state,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}

// ChartStatus is the observable state of one chart session.
type ChartStatus struct {
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	State      ReconcilerState `json:"state"`
	Connection ConnectionState `json:"connection"`
	Loading    bool            `json:"loading"`
	Bars       int             `json:"bars"`
	LastError  string          `json:"last_error,omitempty"`
	LiveActive bool            `json:"live_active"`
}

// Validate checks that the payload matches the kind.
func (u *ChartUpdate) Validate() error {
	if u == nil {
		return errors.New("update is nil")
	}
	if u.Symbol == "" || u.Timeframe == "" {
		return errors.New("update symbol/timeframe empty")
	}
	switch u.Kind {
	case UpdateReset:
	case UpdateLoad:
		if len(u.Bars) == 0 {
			return errors.New("load update without bars")
		}
	case UpdateBar, UpdateAppend:
		if u.Bar == nil {
			return fmt.Errorf("%s update without bar", u.Kind)
		}
		if err := u.Bar.Validate(); err != nil {
			return err
		}
	case UpdateState:
		if u.State == nil {
			return errors.New("state update without state")
		}
	case UpdateError:
		if u.Error == "" {
			return errors.New("error update without message")
		}
	default:
		return fmt.Errorf("unknown update kind %q", u.Kind)
	}
	return nil
}
