package llm

import (
	"fmt"
	"time"
)

// Backend identifies which side of the gateway serves calls.
type Backend int

const (
	BackendPrimary Backend = iota
	BackendSecondary
)

func (b Backend) String() string {
	switch b {
	case BackendPrimary:
		return "primary"
	case BackendSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// BackendState is the gateway's breaker state. Values are immutable once
// published; the gateway swaps whole values so readers never observe Active
// and DegradedUntil out of step.
type BackendState struct {
	Active        Backend   `json:"active"`
	DegradedUntil time.Time `json:"degraded_until,omitempty"`
}

// Degraded reports whether the secondary backend is serving calls.
func (s BackendState) Degraded() bool { return s.Active == BackendSecondary }

func (s BackendState) String() string {
	if !s.Degraded() {
		return "primary"
	}
	return "secondary until " + s.DegradedUntil.Format(time.RFC3339)
}

func degradedState(until time.Time) *BackendState {
	return &BackendState{Active: BackendSecondary, DegradedUntil: until}
}
