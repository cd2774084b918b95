// Package server assembles the bridge HTTP surface.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/protobridge/internal/api"
	"github.com/gaspardpetit/protobridge/internal/bridge"
	"github.com/gaspardpetit/protobridge/internal/config"
	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/mcpquery"
	"github.com/gaspardpetit/protobridge/internal/metrics"
	"github.com/gaspardpetit/protobridge/internal/serverstate"
	"github.com/gaspardpetit/protobridge/internal/transport"
)

// Options carries the runtime components served over HTTP.
type Options struct {
	Bridge   *bridge.Bridge
	Hub      *transport.Hub
	Events   api.EventSource
	Build    api.BuildInfo
	Registry *prometheus.Registry
	// StateInterval paces /api/state/stream; zero keeps the handler default.
	StateInterval time.Duration
}

// NewRegistry returns a registry holding the bridge collectors plus the Go
// runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(reg)
	return reg
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// New constructs the HTTP handler for the bridge.
func New(cfg config.BridgeConfig, o Options) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	state := api.NewStateHandler(o.Bridge, o.Build)
	if o.StateInterval > 0 {
		state.Interval = o.StateInterval
	}
	evs := o.Events
	if evs == nil {
		evs = noEvents{}
	}

	r.Get("/healthz", healthz)
	r.Handle(cfg.WSPath, transport.WSHandler(o.Bridge, o.Hub, cfg.ClientKey))
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/state", state.GetState)
		ar.Get("/state/stream", state.GetStateStream)
		ar.Get("/events/stream", api.EventsHandler(evs))
		ar.Get("/openapi.json", api.OpenAPIHandler())
		ar.Get("/docs", api.SwaggerHandler())
		ar.Handle("/mcp", mcpquery.NewHandler(o.Bridge, o.Build.Version))
	})
	r.Get("/state", StatusPageHandler())

	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", MetricsHandler(o.Registry))
	}
	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	if serverstate.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

type noEvents struct{}

func (noEvents) SubscribeAll(events.Handler) func() { return func() {} }
