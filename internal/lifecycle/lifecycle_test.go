package lifecycle

import "testing"

// TestState_Transitions verifies that the phase only moves forward.
func TestState_Transitions(t *testing.T) {
	var s State
	if s.Phase() != PhaseStarting {
		t.Fatalf("zero State phase = %v, want starting", s.Phase())
	}
	s.MarkServing()
	if s.Phase() != PhaseServing {
		t.Fatalf("phase = %v, want serving", s.Phase())
	}
	s.SetShuttingDown()
	if !s.IsShuttingDown() {
		t.Fatal("IsShuttingDown() = false after SetShuttingDown")
	}
	s.MarkServing()
	if s.Phase() != PhaseDraining {
		t.Errorf("MarkServing() left draining: phase = %v", s.Phase())
	}
}

func TestPhase_String(t *testing.T) {
	tests := map[Phase]string{
		PhaseStarting: "starting",
		PhaseServing:  "serving",
		PhaseDraining: "shutting-down",
		Phase(7):      "unknown",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", p, got, want)
		}
	}
}
