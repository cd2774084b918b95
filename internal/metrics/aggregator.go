// Package metrics aggregates routing and negotiation performance per
// protocol class and raises threshold events.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/protocol"
)

// Series names a latency series.
type Series string

const (
	SeriesEnhanced    Series = "enhanced"
	SeriesLegacy      Series = "legacy"
	SeriesTransformed Series = "transformed"
)

// AllSeries lists the latency series in reporting order.
var AllSeries = []Series{SeriesEnhanced, SeriesLegacy, SeriesTransformed}

// SeriesFor maps a routing action onto the series it is accounted under.
// A duplicate route is counted once, under the enhanced series.
func SeriesFor(a protocol.Action) Series {
	switch a {
	case protocol.ActionRouteEnhanced, protocol.ActionDuplicateRoute:
		return SeriesEnhanced
	case protocol.ActionTransformAndRoute:
		return SeriesTransformed
	default:
		return SeriesLegacy
	}
}

// ErrorKind classifies recovered errors.
type ErrorKind int

const (
	ErrorNegotiation ErrorKind = iota
	ErrorTransformation
	ErrorRouting
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNegotiation:
		return "negotiation"
	case ErrorTransformation:
		return "transformation"
	default:
		return "routing"
	}
}

// Thresholds configures PerformanceThresholdExceeded. Zero values disable
// the corresponding check.
type Thresholds struct {
	MaxAvgLatency time.Duration
	MaxErrorRate  float64
}

type seriesStats struct {
	count uint64

	winCount uint64
	winTotal time.Duration
	winMax   time.Duration

	lastAvg        time.Duration
	lastMax        time.Duration
	lastThroughput float64
	lastCount      uint64
}

// Aggregator records timing and outcome reports. It is safe for concurrent
// use; a single mutex guards all of its state.
type Aggregator struct {
	mu sync.Mutex

	started     time.Time
	windowStart time.Time
	lastWindow  time.Duration

	series  map[Series]*seriesStats
	actions map[protocol.Action]uint64
	errors  map[ErrorKind]uint64

	winMessages     uint64
	winErrors       map[ErrorKind]uint64
	winNegotiations uint64

	negotiations     uint64
	negotiationTotal time.Duration

	lastErrorRate       float64
	lastNegotiationRate float64

	thresholds Thresholds
	pub        events.Publisher
	now        func() time.Time
}

// NewAggregator returns an Aggregator publishing threshold events to pub.
func NewAggregator(th Thresholds, pub events.Publisher) *Aggregator {
	if pub == nil {
		pub = events.Discard
	}
	now := time.Now()
	a := &Aggregator{
		started:     now,
		windowStart: now,
		series:      make(map[Series]*seriesStats, len(AllSeries)),
		actions:     make(map[protocol.Action]uint64, len(protocol.Actions)),
		errors:      make(map[ErrorKind]uint64, 3),
		winErrors:   make(map[ErrorKind]uint64, 3),
		thresholds:  th,
		pub:         pub,
		now:         time.Now,
	}
	for _, s := range AllSeries {
		a.series[s] = &seriesStats{}
	}
	return a
}

// ObserveRoute records one routing decision.
func (a *Aggregator) ObserveRoute(action protocol.Action, d time.Duration, ok bool) {
	s := SeriesFor(action)
	a.mu.Lock()
	st := a.series[s]
	st.count++
	st.winCount++
	st.winTotal += d
	if d > st.winMax {
		st.winMax = d
	}
	a.actions[action]++
	a.winMessages++
	a.mu.Unlock()
	promRoute(action.String(), s, d, ok)
}

// ObserveNegotiation records how long a negotiation took.
func (a *Aggregator) ObserveNegotiation(d time.Duration) {
	a.mu.Lock()
	a.negotiations++
	a.winNegotiations++
	a.negotiationTotal += d
	a.mu.Unlock()
	promNegotiation(d)
}

// IncError increments the counter for kind.
func (a *Aggregator) IncError(kind ErrorKind) {
	a.mu.Lock()
	a.errors[kind]++
	a.winErrors[kind]++
	a.mu.Unlock()
	promError(kind)
}

// Errors returns the cumulative count for kind.
func (a *Aggregator) Errors(kind ErrorKind) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errors[kind]
}

// Flush closes the current window, computes throughput and latency for it,
// and publishes a threshold event for every breached threshold.
func (a *Aggregator) Flush() {
	now := a.now()
	var breaches []events.ThresholdExceeded

	a.mu.Lock()
	elapsed := now.Sub(a.windowStart)
	secs := elapsed.Seconds()
	for _, name := range AllSeries {
		st := a.series[name]
		st.lastCount = st.winCount
		st.lastMax = st.winMax
		st.lastAvg = 0
		if st.winCount > 0 {
			st.lastAvg = st.winTotal / time.Duration(st.winCount)
		}
		st.lastThroughput = 0
		if secs > 0 {
			st.lastThroughput = float64(st.winCount) / secs
		}
		if limit := a.thresholds.MaxAvgLatency; limit > 0 && st.lastAvg > limit {
			breaches = append(breaches, events.ThresholdExceeded{
				Metric:    "avg_latency_ms",
				Class:     string(name),
				Value:     ms(st.lastAvg),
				Threshold: ms(limit),
			})
		}
		st.winCount, st.winTotal, st.winMax = 0, 0, 0
	}

	routeErrs := a.winErrors[ErrorRouting] + a.winErrors[ErrorTransformation]
	a.lastErrorRate = ratio(routeErrs, a.winMessages)
	a.lastNegotiationRate = ratio(a.winErrors[ErrorNegotiation], a.winNegotiations)
	if limit := a.thresholds.MaxErrorRate; limit > 0 {
		if a.lastErrorRate > limit {
			breaches = append(breaches, events.ThresholdExceeded{Metric: "routing_error_rate", Value: a.lastErrorRate, Threshold: limit})
		}
		if a.lastNegotiationRate > limit {
			breaches = append(breaches, events.ThresholdExceeded{Metric: "negotiation_error_rate", Value: a.lastNegotiationRate, Threshold: limit})
		}
	}
	a.winMessages, a.winNegotiations = 0, 0
	a.winErrors = make(map[ErrorKind]uint64, 3)
	a.windowStart = now
	a.lastWindow = elapsed
	a.mu.Unlock()

	for _, b := range breaches {
		logx.Log.Warn().Str("metric", b.Metric).Str("class", b.Class).Float64("value", b.Value).Float64("threshold", b.Threshold).Msg("performance threshold exceeded")
		a.pub.Publish(b)
	}
}

// Run flushes the window every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Flush()
		}
	}
}

// SeriesSnapshot describes one latency series. Window figures refer to the
// last closed window.
type SeriesSnapshot struct {
	Count            uint64  `json:"count"`
	WindowCount      uint64  `json:"window_count"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	MaxLatencyMs     float64 `json:"max_latency_ms"`
	ThroughputPerSec float64 `json:"throughput_per_s"`
}

// ErrorCounts holds the cumulative recovered-error counters.
type ErrorCounts struct {
	Negotiation    uint64 `json:"negotiation"`
	Transformation uint64 `json:"transformation"`
	Routing        uint64 `json:"routing"`
}

// Snapshot is a consistent copy of the aggregator state.
type Snapshot struct {
	UptimeSeconds        float64                   `json:"uptime_s"`
	WindowSeconds        float64                   `json:"window_s"`
	Messages             uint64                    `json:"messages_total"`
	Series               map[Series]SeriesSnapshot `json:"series"`
	Actions              map[string]uint64         `json:"actions"`
	Errors               ErrorCounts               `json:"errors"`
	ErrorRate            float64                   `json:"error_rate"`
	NegotiationErrorRate float64                   `json:"negotiation_error_rate"`
	Negotiations         uint64                    `json:"negotiations_total"`
	AvgNegotiationMs     float64                   `json:"avg_negotiation_ms"`
}

// Snapshot returns the current aggregate.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{
		UptimeSeconds:        a.now().Sub(a.started).Seconds(),
		WindowSeconds:        a.lastWindow.Seconds(),
		Series:               make(map[Series]SeriesSnapshot, len(a.series)),
		Actions:              make(map[string]uint64, len(protocol.Actions)),
		ErrorRate:            a.lastErrorRate,
		NegotiationErrorRate: a.lastNegotiationRate,
		Negotiations:         a.negotiations,
		Errors: ErrorCounts{
			Negotiation:    a.errors[ErrorNegotiation],
			Transformation: a.errors[ErrorTransformation],
			Routing:        a.errors[ErrorRouting],
		},
	}
	for name, st := range a.series {
		snap.Messages += st.count
		snap.Series[name] = SeriesSnapshot{
			Count:            st.count,
			WindowCount:      st.lastCount,
			AvgLatencyMs:     ms(st.lastAvg),
			MaxLatencyMs:     ms(st.lastMax),
			ThroughputPerSec: st.lastThroughput,
		}
	}
	for _, act := range protocol.Actions {
		snap.Actions[act.String()] = a.actions[act]
	}
	if a.negotiations > 0 {
		snap.AvgNegotiationMs = ms(a.negotiationTotal / time.Duration(a.negotiations))
	}
	return snap
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func ratio(n, d uint64) float64 {
	if n == 0 {
		return 0
	}
	if d == 0 {
		return 1
	}
	return float64(n) / float64(d)
}
