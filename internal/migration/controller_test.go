package migration

import (
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/protocol"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recorder struct {
	mu  sync.Mutex
	got []events.PhaseChanged
}

func (r *recorder) Publish(p events.Payload) {
	if pc, ok := p.(events.PhaseChanged); ok {
		r.mu.Lock()
		r.got = append(r.got, pc)
		r.mu.Unlock()
	}
}

func newController(cfg Config, opts ...Option) (*Controller, *clock, *recorder) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	return New(cfg, rec, opts...), clk, rec
}

func TestThresholdAdvancesBeforeDuration(t *testing.T) {
	c, clk, rec := newController(Config{Threshold: 0.8, Gradual: time.Hour}, WithInitialPhase(protocol.PhaseGradual))
	c.SetCounts(100, 79)
	clk.advance(time.Minute)
	if c.Evaluate() {
		t.Fatalf("79/100 is below threshold")
	}
	c.SetCounts(100, 81)
	if got := c.Phase(); got != protocol.PhaseFullEnhanced {
		t.Fatalf("phase = %v; want full_enhanced", got)
	}
	if len(rec.got) != 1 {
		t.Fatalf("events = %d", len(rec.got))
	}
	ev := rec.got[0]
	if ev.From != protocol.PhaseGradual || ev.To != protocol.PhaseFullEnhanced || ev.Reason != ReasonThreshold || ev.Ratio != 0.81 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestDurationAdvances(t *testing.T) {
	c, clk, rec := newController(Config{Threshold: 0.8, Preparation: 10 * time.Minute, Gradual: 10 * time.Minute})
	c.SessionConnected(false)
	clk.advance(9 * time.Minute)
	if c.Evaluate() {
		t.Fatalf("advanced before duration")
	}
	clk.advance(time.Minute)
	if !c.Evaluate() || c.Phase() != protocol.PhaseGradual {
		t.Fatalf("phase = %v", c.Phase())
	}
	// One step per evaluation, and the new phase starts its own clock.
	if c.Evaluate() {
		t.Fatalf("advanced twice")
	}
	if rec.got[0].Reason != ReasonDuration {
		t.Fatalf("reason = %q", rec.got[0].Reason)
	}
}

func TestZeroDurationDisablesTimer(t *testing.T) {
	c, clk, _ := newController(Config{Threshold: 0.8})
	c.SessionConnected(false)
	clk.advance(1000 * time.Hour)
	if c.Evaluate() {
		t.Fatalf("advanced without a configured duration")
	}
}

func TestNoSessionsNeverMeetsThreshold(t *testing.T) {
	c, _, _ := newController(Config{Threshold: 0})
	if c.Evaluate() {
		t.Fatalf("empty fleet advanced the phase")
	}
}

func TestPhaseNeverRegresses(t *testing.T) {
	c, clk, rec := newController(Config{Threshold: 0.5, Preparation: time.Second, Gradual: time.Second, FullEnhanced: time.Second})
	prev := c.Phase()
	for i := 0; i < 50; i++ {
		switch i % 3 {
		case 0:
			c.SessionConnected(i%2 == 0)
		case 1:
			c.SessionDisconnected(true)
		default:
			clk.advance(700 * time.Millisecond)
			c.Evaluate()
		}
		p := c.Phase()
		if p < prev {
			t.Fatalf("phase regressed from %v to %v", prev, p)
		}
		prev = p
	}
	if c.Phase() != protocol.PhaseComplete {
		t.Fatalf("phase = %v; want complete", c.Phase())
	}
	for _, ev := range rec.got {
		if ev.To != ev.From.Next() {
			t.Fatalf("skipped a phase: %+v", ev)
		}
	}
	clk.advance(time.Hour)
	if c.Evaluate() {
		t.Fatalf("complete is terminal")
	}
}

func TestRenegotiationShiftsCounts(t *testing.T) {
	c, _, _ := newController(Config{Threshold: 1})
	c.SessionConnected(false)
	c.SessionConnected(true)
	c.SessionChanged(false, true)
	st := c.State()
	if st.Total != 2 || st.Enhanced != 2 || st.Ratio != 1 {
		t.Fatalf("state = %+v", st)
	}
	if st.Phase != protocol.PhaseGradual {
		t.Fatalf("phase = %v", st.Phase)
	}
	c.SessionDisconnected(true)
	c.SessionDisconnected(true)
	c.SessionDisconnected(true)
	if st := c.State(); st.Total != 0 || st.Enhanced != 0 {
		t.Fatalf("counts went negative: %+v", st)
	}
}
