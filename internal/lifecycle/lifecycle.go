package lifecycle

import "sync/atomic"

// Phase is where the process is in its life: starting until the first snapshot is
// available, serving, then draining once SIGTERM/SIGINT is received.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseServing
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseServing:
		return "serving"
	case PhaseDraining:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// State holds the current phase. The zero value is PhaseStarting.
type State struct {
	phase atomic.Int32
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// MarkServing moves starting to serving. It never leaves draining.
func (s *State) MarkServing() {
	s.phase.CompareAndSwap(int32(PhaseStarting), int32(PhaseServing))
}

// SetShuttingDown moves to draining. Call when SIGTERM/SIGINT is received.
// Health returns 503 with status shutting-down from then on.
func (s *State) SetShuttingDown() {
	s.phase.Store(int32(PhaseDraining))
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func (s *State) IsShuttingDown() bool {
	return s.Phase() == PhaseDraining
}
