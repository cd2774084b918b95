package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/protocol"
)

type recorder struct {
	mu  sync.Mutex
	got []events.Payload
}

func (r *recorder) Publish(p events.Payload) {
	r.mu.Lock()
	r.got = append(r.got, p)
	r.mu.Unlock()
}

func (r *recorder) thresholds() []events.ThresholdExceeded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.ThresholdExceeded
	for _, p := range r.got {
		if te, ok := p.(events.ThresholdExceeded); ok {
			out = append(out, te)
		}
	}
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAggregator(th Thresholds) (*Aggregator, *recorder, *fakeClock) {
	rec := &recorder{}
	clk := &fakeClock{t: time.Unix(1000, 0)}
	a := NewAggregator(th, rec)
	a.now = clk.Now
	a.started = clk.Now()
	a.windowStart = clk.Now()
	return a, rec, clk
}

func TestSeriesFor(t *testing.T) {
	tests := map[protocol.Action]Series{
		protocol.ActionRouteEnhanced:     SeriesEnhanced,
		protocol.ActionDuplicateRoute:    SeriesEnhanced,
		protocol.ActionRouteLegacy:       SeriesLegacy,
		protocol.ActionTransformAndRoute: SeriesTransformed,
	}
	for a, want := range tests {
		if got := SeriesFor(a); got != want {
			t.Fatalf("SeriesFor(%s) = %s; want %s", a, got, want)
		}
	}
}

func TestSnapshotCountsPerClass(t *testing.T) {
	a, _, _ := newTestAggregator(Thresholds{})
	a.ObserveRoute(protocol.ActionRouteEnhanced, time.Millisecond, true)
	a.ObserveRoute(protocol.ActionRouteLegacy, time.Millisecond, true)
	a.ObserveRoute(protocol.ActionRouteLegacy, time.Millisecond, false)
	a.ObserveRoute(protocol.ActionTransformAndRoute, 2*time.Millisecond, true)
	a.ObserveRoute(protocol.ActionDuplicateRoute, time.Millisecond, true)

	snap := a.Snapshot()
	if snap.Messages != 5 {
		t.Fatalf("messages = %d; want 5", snap.Messages)
	}
	var sum uint64
	for _, s := range snap.Series {
		sum += s.Count
	}
	if sum != snap.Messages {
		t.Fatalf("series sum %d != messages %d", sum, snap.Messages)
	}
	if snap.Series[SeriesLegacy].Count != 2 || snap.Series[SeriesEnhanced].Count != 2 || snap.Series[SeriesTransformed].Count != 1 {
		t.Fatalf("bad series %+v", snap.Series)
	}
	if snap.Actions["duplicate_route"] != 1 {
		t.Fatalf("bad actions %+v", snap.Actions)
	}
}

func TestFlushComputesWindow(t *testing.T) {
	a, rec, clk := newTestAggregator(Thresholds{})
	for i := 0; i < 10; i++ {
		a.ObserveRoute(protocol.ActionRouteLegacy, 4*time.Millisecond, true)
	}
	clk.Advance(2 * time.Second)
	a.Flush()

	snap := a.Snapshot()
	s := snap.Series[SeriesLegacy]
	if s.WindowCount != 10 || s.ThroughputPerSec != 5 {
		t.Fatalf("window = %+v", s)
	}
	if s.AvgLatencyMs != 4 || s.MaxLatencyMs != 4 {
		t.Fatalf("latency = %+v", s)
	}
	if snap.WindowSeconds != 2 {
		t.Fatalf("window seconds = %v", snap.WindowSeconds)
	}
	if len(rec.thresholds()) != 0 {
		t.Fatalf("no thresholds configured, got events")
	}

	clk.Advance(time.Second)
	a.Flush()
	if got := a.Snapshot().Series[SeriesLegacy]; got.WindowCount != 0 || got.Count != 10 {
		t.Fatalf("second window = %+v", got)
	}
}

func TestLatencyThreshold(t *testing.T) {
	a, rec, clk := newTestAggregator(Thresholds{MaxAvgLatency: 5 * time.Millisecond})
	a.ObserveRoute(protocol.ActionTransformAndRoute, 20*time.Millisecond, true)
	a.ObserveRoute(protocol.ActionRouteEnhanced, time.Millisecond, true)
	clk.Advance(time.Second)
	a.Flush()

	got := rec.thresholds()
	if len(got) != 1 {
		t.Fatalf("threshold events = %+v", got)
	}
	if got[0].Metric != "avg_latency_ms" || got[0].Class != "transformed" || got[0].Value != 20 || got[0].Threshold != 5 {
		t.Fatalf("event = %+v", got[0])
	}
}

func TestErrorRateThreshold(t *testing.T) {
	a, rec, clk := newTestAggregator(Thresholds{MaxErrorRate: 0.25})
	for i := 0; i < 4; i++ {
		a.ObserveRoute(protocol.ActionRouteLegacy, time.Microsecond, i > 1)
	}
	a.IncError(ErrorRouting)
	a.IncError(ErrorTransformation)
	a.ObserveNegotiation(time.Millisecond)
	clk.Advance(time.Second)
	a.Flush()

	got := rec.thresholds()
	if len(got) != 1 || got[0].Metric != "routing_error_rate" || got[0].Value != 0.5 {
		t.Fatalf("threshold events = %+v", got)
	}
	snap := a.Snapshot()
	if snap.Errors.Routing != 1 || snap.Errors.Transformation != 1 || snap.Errors.Negotiation != 0 {
		t.Fatalf("errors = %+v", snap.Errors)
	}
}

func TestNegotiationAccounting(t *testing.T) {
	a, _, _ := newTestAggregator(Thresholds{})
	a.ObserveNegotiation(2 * time.Millisecond)
	a.ObserveNegotiation(4 * time.Millisecond)
	a.IncError(ErrorNegotiation)
	snap := a.Snapshot()
	if snap.Negotiations != 2 || snap.AvgNegotiationMs != 3 {
		t.Fatalf("negotiations = %d avg = %v", snap.Negotiations, snap.AvgNegotiationMs)
	}
	if a.Errors(ErrorNegotiation) != 1 {
		t.Fatalf("negotiation errors = %d", a.Errors(ErrorNegotiation))
	}
}

func TestAggregatorRace(t *testing.T) {
	a, _, _ := newTestAggregator(Thresholds{MaxErrorRate: 0.1})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				a.ObserveRoute(protocol.ActionRouteEnhanced, time.Microsecond, true)
				a.IncError(ErrorRouting)
				_ = a.Snapshot()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			a.Flush()
		}
	}()
	wg.Wait()
	if got := a.Snapshot().Messages; got != 1600 {
		t.Fatalf("messages = %d; want 1600", got)
	}
}
