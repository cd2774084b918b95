package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/protobridge/internal/api"
	"github.com/gaspardpetit/protobridge/internal/bridge"
	"github.com/gaspardpetit/protobridge/internal/capability"
	"github.com/gaspardpetit/protobridge/internal/config"
	"github.com/gaspardpetit/protobridge/internal/events"
	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/metrics"
	"github.com/gaspardpetit/protobridge/internal/migration"
	"github.com/gaspardpetit/protobridge/internal/negotiate"
	"github.com/gaspardpetit/protobridge/internal/protocol"
	"github.com/gaspardpetit/protobridge/internal/server"
	"github.com/gaspardpetit/protobridge/internal/serverstate"
	"github.com/gaspardpetit/protobridge/internal/transform"
	"github.com/gaspardpetit/protobridge/internal/transport"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "protobridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	// defaults < file < env < args
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if *showVersion {
		fmt.Printf("protobridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}

	reg := server.NewRegistry()
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(context.Background(), cfg.RedisAddr, cfg.RedisKey)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	}

	bus := events.NewBus(cfg.EventQueue)
	defer bus.Close()
	subscribe(bus)

	var migOpts []migration.Option
	if cfg.ResumePhase {
		if p, ok := serverstate.GetPhase(); ok {
			migOpts = append(migOpts, migration.WithInitialPhase(p))
			logx.Log.Info().Str("phase", p.String()).Msg("resuming migration phase")
		}
	}

	classifier := protocol.NewClassifier(cfg.EnhancedTypes, cfg.LegacyTypes)
	agg := metrics.NewAggregator(metrics.Thresholds{MaxAvgLatency: cfg.MaxAvgLatency, MaxErrorRate: cfg.MaxErrorRate}, bus)
	neg, err := negotiate.New(negotiate.Config{
		Supported: cfg.SupportedVersions,
		Default:   cfg.DefaultVersion,
		Timeout:   cfg.NegotiationTimeout,
	}, agg, bus)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("negotiator")
	}
	mig := migration.New(migration.Config{
		Threshold:    cfg.MigrationThreshold,
		Preparation:  cfg.PreparationDuration,
		Gradual:      cfg.GradualDuration,
		FullEnhanced: cfg.FullEnhancedDuration,
	}, bus, migOpts...)
	serverstate.SetPhase(mig.Phase())
	transforms := transform.NewRegistry()
	transform.RegisterDefaults(transforms, cfg.LegacyFallbackType)
	hub := transport.NewHub(cfg.SendQueue)
	b := bridge.New(bridge.Options{
		Classifier: classifier,
		Detector:   capability.NewDetector(classifier, cfg.EnhancedMinVersion),
		Negotiator: neg,
		Migration:  mig,
		Transforms: transforms,
		Aggregator: agg,
		Sender:     hub,
		Events:     bus,
		OnSessions: func(total, _ int) { serverstate.SetSessions(total) },
	})

	handler := server.New(cfg, server.Options{
		Bridge:   b,
		Hub:      hub,
		Events:   bus,
		Build:    api.BuildInfo{Version: version, BuildSHA: buildSHA, BuildDate: buildDate},
		Registry: reg,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", server.MetricsHandler(reg))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel, hub, cfg.DrainTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		agg.Run(gctx, cfg.MetricsInterval)
		return nil
	})
	g.Go(func() error {
		b.Run(gctx, cfg.EvaluationInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.CloseAll("server shutting down")
		return shutdown(srv, metricsSrv)
	})
	g.Go(func() error {
		logx.Log.Info().Int("port", cfg.Port).Str("ws_path", cfg.WSPath).Msg("bridge starting")
		if cfg.ClientKey != "" {
			logx.Log.Info().Msg("client key required")
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logx.Log.Error().Err(err).Msg("bridge stopped")
		os.Exit(1)
	}
	logx.Log.Info().Msg("bridge stopped")
}

// subscribe attaches the logging, metrics, and state store listeners.
func subscribe(bus *events.Bus) {
	bus.SubscribeAll(func(ev events.Event) {
		metrics.RecordEvent(string(ev.Name))
		l := logx.Log.Debug()
		if ev.Name == events.PerformanceThresholdExceeded {
			l = logx.Log.Warn()
		}
		l.Str("event", string(ev.Name)).Interface("data", ev.Data).Msg("bridge event")
	})
	bus.Subscribe(events.MigrationPhaseChanged, func(ev events.Event) {
		if pc, ok := ev.Data.(events.PhaseChanged); ok {
			serverstate.SetPhase(pc.To)
		}
	})
}

// handleSignals drains on the first SIGTERM and terminates on the second.
func handleSignals(ctx context.Context, cancel context.CancelFunc, hub *transport.Hub, timeout time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
		}
		if serverstate.IsDraining() || timeout == 0 {
			logx.Log.Warn().Msg("termination requested")
			cancel()
			return
		}
		serverstate.StartDrain()
		logx.Log.Info().Int("sessions", hub.Count()).Dur("timeout", timeout).Msg("draining; send SIGTERM again to terminate immediately")
		go func() {
			waitCtx, stop := context.WithTimeout(ctx, timeout)
			defer stop()
			if hub.WaitEmpty(waitCtx) {
				logx.Log.Info().Msg("drain complete; terminating")
			} else if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				logx.Log.Warn().Int("sessions", hub.Count()).Msg("drain timeout exceeded; terminating")
			}
			cancel()
		}()
	}
}

func shutdown(srv, metricsSrv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	if metricsSrv != nil {
		err = errors.Join(err, metricsSrv.Shutdown(ctx))
	}
	return err
}
