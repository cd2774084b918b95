package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "protobridge_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	routedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protobridge_routed_total",
			Help: "Envelopes processed by the router",
		},
		[]string{"action", "series", "outcome"},
	)

	routeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "protobridge_route_duration_seconds",
			Help:    "Routing decision latency per protocol class",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"series"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protobridge_errors_total",
			Help: "Recovered bridge errors by kind",
		},
		[]string{"kind"},
	)

	negotiationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "protobridge_negotiation_duration_seconds",
			Help:    "Protocol negotiation latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "protobridge_sessions",
			Help: "Connected sessions by protocol",
		},
		[]string{"protocol"},
	)

	migrationPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "protobridge_migration_phase",
			Help: "Current migration phase (0=preparation, 3=complete)",
		},
	)

	migrationRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "protobridge_migration_enhanced_ratio",
			Help: "Fraction of connected sessions supporting the enhanced protocol",
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protobridge_events_total",
			Help: "Lifecycle events published on the event bus",
		},
		[]string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, routedTotal, routeDuration, errorsTotal, negotiationDuration, sessions, migrationPhase, migrationRatio, eventsTotal)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

func promRoute(action string, series Series, d time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	routedTotal.WithLabelValues(action, string(series), outcome).Inc()
	routeDuration.WithLabelValues(string(series)).Observe(d.Seconds())
}

func promError(kind ErrorKind) {
	errorsTotal.WithLabelValues(kind.String()).Inc()
}

func promNegotiation(d time.Duration) {
	negotiationDuration.Observe(d.Seconds())
}

// SetSessions records the number of connected sessions per protocol.
func SetSessions(enhanced, legacy int) {
	sessions.WithLabelValues("enhanced").Set(float64(enhanced))
	sessions.WithLabelValues("legacy").Set(float64(legacy))
}

// SetMigration records the current phase ordinal and enhanced ratio.
func SetMigration(phase int, ratio float64) {
	migrationPhase.Set(float64(phase))
	migrationRatio.Set(ratio)
}

// RecordEvent counts a published lifecycle event.
func RecordEvent(name string) {
	eventsTotal.WithLabelValues(name).Inc()
}
