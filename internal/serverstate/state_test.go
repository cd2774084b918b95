package serverstate

import (
	"testing"

	"github.com/gaspardpetit/protobridge/internal/protocol"
)

func TestMemoryStore(t *testing.T) {
	prev := current()
	UseStore(NewMemoryStore())
	defer UseStore(prev)

	if got := GetState(); got != StatusNotReady {
		t.Fatalf("initial state = %q; want %q", got, StatusNotReady)
	}
	if IsDraining() {
		t.Fatalf("initial draining = true; want false")
	}

	SetSessions(2)
	if got := GetState(); got != StatusReady {
		t.Fatalf("state after SetSessions = %q; want %q", got, StatusReady)
	}
	SetSessions(0)
	if got := GetState(); got != StatusNotReady {
		t.Fatalf("state with no sessions = %q; want %q", got, StatusNotReady)
	}

	StartDrain()
	if got := GetState(); got != StatusDraining {
		t.Fatalf("state after StartDrain = %q; want %q", got, StatusDraining)
	}
	SetState(StatusReady)
	if got := GetState(); got != StatusDraining || !IsDraining() {
		t.Fatalf("draining must stick, got %q", got)
	}
}

func TestPhaseRoundTrip(t *testing.T) {
	prev := current()
	UseStore(NewMemoryStore())
	defer UseStore(prev)

	if _, ok := GetPhase(); ok {
		t.Fatalf("fresh store reports a phase")
	}
	SetPhase(protocol.PhaseFullEnhanced)
	p, ok := GetPhase()
	if !ok || p != protocol.PhaseFullEnhanced {
		t.Fatalf("phase = %v, %v", p, ok)
	}
	if st := Snapshot(); st.Phase != "full_enhanced" {
		t.Fatalf("snapshot = %+v", st)
	}
}
