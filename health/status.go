// Package health tracks the lifecycle state of supervised sources. The
// control socket and the metrics layer both read from the Monitor; the
// supervisor is the only writer.
package health

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a source. The numeric values feed the
// source status gauge directly.
type State int

const (
	// StateStopped marks a source that is not running and not starting.
	StateStopped State = iota
	// StateStarting marks a source whose supervised start is in flight.
	StateStarting
	// StateRunning marks a live source.
	StateRunning
	// StateFailed marks a source whose start failed or timed out.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is one source's state with the message and time of the last
// transition.
type Status struct {
	Source    string    `json:"source"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Running reports whether the source is live.
func (s Status) Running() bool {
	return s.State == StateRunning
}
