package backfill

import "sync/atomic"

// State is the overall progress of the backfill as shown in its status.
type State string

const (
	StateDisabled     State = "disabled"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
)

// ComputeState derives the overall state. It is never stored.
func ComputeState(enabled, initialized bool, pending int) State {
	switch {
	case !enabled:
		return StateDisabled
	case !initialized:
		return StateInitializing
	case pending > 0:
		return StateRunning
	default:
		return StateCompleted
	}
}

// Gate tells the polling loop whether it may import live statistics. Only
// the Manager sets it. The zero value allows imports.
type Gate struct {
	paused atomic.Bool
}

// NewGate returns a Gate that allows imports.
func NewGate() *Gate {
	return &Gate{}
}

// Set enables or pauses statistics imports by the polling loop.
func (g *Gate) Set(enabled bool) {
	g.paused.Store(!enabled)
}

// Enabled reports whether the polling loop may import statistics.
func (g *Gate) Enabled() bool {
	return !g.paused.Load()
}
