package models

import "fmt"

// ConnectionState describes the live feed channel.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	for _, st := range []ConnectionState{StateConnecting, StateOpen, StateClosed, StateErrored} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// ReconcilerState is the lifecycle of a merged bar sequence.
type ReconcilerState int

const (
	ReconcilerEmpty ReconcilerState = iota
	ReconcilerLoaded
)

func (s ReconcilerState) String() string {
	if s == ReconcilerLoaded {
		return "loaded"
	}
	return "empty"
}

func (s ReconcilerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ReconcilerState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "empty":
		*s = ReconcilerEmpty
	case "loaded":
		*s = ReconcilerLoaded
	default:
		return fmt.Errorf("unknown reconciler state %q", b)
	}
	return nil
}
