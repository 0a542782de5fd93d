// Package runtime composes the fleet: one supervisor, pool, policy, and
// service set per process, wired together and torn down in order.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicebridge/mcpfleet/internal/catalog"
	"github.com/voicebridge/mcpfleet/internal/config"
	"github.com/voicebridge/mcpfleet/internal/invoke"
	"github.com/voicebridge/mcpfleet/internal/mcp"
	"github.com/voicebridge/mcpfleet/internal/observability"
	"github.com/voicebridge/mcpfleet/internal/policy"
	"github.com/voicebridge/mcpfleet/internal/registry"
	"github.com/voicebridge/mcpfleet/internal/supervisor"
	"github.com/voicebridge/mcpfleet/internal/tracker"
	"github.com/voicebridge/mcpfleet/internal/web"
)

// shutdownTimeout bounds the graceful teardown of each subsystem.
const shutdownTimeout = 10 * time.Second

// Runtime holds the composed fleet services. Fields are exported as the
// test seam for substituting pieces.
type Runtime struct {
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Telemetry *observability.Telemetry

	Registry   *registry.Registry
	Pool       *mcp.Pool
	Policy     *policy.Registry
	Supervisor *supervisor.Supervisor
	Catalog    *catalog.Service
	Invoker    *invoke.Service
	Tracker    *tracker.Tracker
	Server     *web.Server

	tracerShutdown func(context.Context) error
}

// New composes a runtime from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tracer, tracerShutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:  "mcpfleet",
		Endpoint:     cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.Sampling,
		Insecure:     cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	telemetry := observability.NewTelemetry(logger)
	reg := registry.New()
	pool := mcp.NewPool(cfg.Catalog.RequestTimeout, logger)
	pol := policy.NewRegistry(logger)
	sup := supervisor.New(cfg.Supervisor, cfg.ServersPath, reg, metrics, logger)
	cat := catalog.NewService(cfg.Catalog, reg, pool, pol, sup, metrics, telemetry, logger)
	inv := invoke.NewService(cfg.Invoke, cat, reg, pool, pol, metrics, telemetry, tracer, logger)
	trk := tracker.New(cfg.Tracker, reg, pool, metrics, logger)

	// A dead child's pool entry is useless; drop it as soon as the exit
	// is observed.
	sup.OnExit(pool.Invalidate)

	// Policy changes abort matching in-flight invocations and force the
	// next catalog read to aggregate fresh. Cancellation is enqueued so
	// the synchronous publish returns quickly.
	pol.Subscribe(func(c policy.Change) {
		if c.Action == policy.ActionRevoked && len(c.Changed) > 0 {
			ids := c.Changed
			go inv.CancelByTool(ids)
		}
		cat.InvalidateCache()
	})

	srv := web.NewServer(web.Options{
		Addr:         cfg.Server.Addr,
		SSE:          cfg.SSE,
		Catalog:      cat,
		Invoker:      inv,
		Tracker:      trk,
		Supervisor:   sup,
		Policy:       pol,
		Registry:     reg,
		Metrics:      metrics,
		Instructions: config.NewInstructions(cfg.InstructionsPath),
		Logger:       logger,
	})

	return &Runtime{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		Telemetry:      telemetry,
		Registry:       reg,
		Pool:           pool,
		Policy:         pol,
		Supervisor:     sup,
		Catalog:        cat,
		Invoker:        inv,
		Tracker:        trk,
		Server:         srv,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the fleet and serves HTTP until ctx is cancelled, then tears
// everything down in dependency order.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	r.Tracker.Start(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.Server.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			r.shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	r.shutdown(context.Background())
	return nil
}

// shutdown closes the listener so no new work arrives, then unwinds the
// fleet: cancel in-flight invocations, stop the tracker and children, drain
// the pool. Cancelling before the children die lets invocations finish as
// cancelled instead of failing on a closed transport.
func (r *Runtime) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	// Shutdown stops accepting immediately but blocks until in-flight SSE
	// handlers return, which the cancellations below unblock.
	httpDone := make(chan error, 1)
	go func() { httpDone <- r.Server.Shutdown(sctx) }()

	r.Invoker.CancelAll()
	r.Tracker.Stop()
	r.Supervisor.Stop()

	if err := <-httpDone; err != nil {
		r.Logger.Warn("http shutdown failed", "error", err)
	}
	if err := r.Pool.CloseAll(sctx); err != nil {
		r.Logger.Warn("pool drain failed", "error", err)
	}
	if r.tracerShutdown != nil {
		if err := r.tracerShutdown(sctx); err != nil {
			r.Logger.Warn("tracer shutdown failed", "error", err)
		}
	}
	r.Logger.Info("runtime stopped")
}
