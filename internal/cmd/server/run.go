package serverrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/pollbus/internal/config"
	"github.com/rzbill/pollbus/internal/metrics"
	"github.com/rzbill/pollbus/internal/runtime"
	httpserver "github.com/rzbill/pollbus/internal/server/http"
	logpkg "github.com/rzbill/pollbus/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
	// Ready, when set, receives the server once it is built.
	Ready func(*httpserver.Server)
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		l, err := logpkg.ApplyConfig(&cfg.Log)
		if err != nil {
			return fmt.Errorf("log config: %w", err)
		}
		logger = l
	}
	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	m := metrics.New(true)
	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger, Metrics: m})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("Starting pollbus server",
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("store", cfg.Server.Store),
		logpkg.Bool("long_polling", cfg.Server.LongPollingEnabled),
		logpkg.Int("long_polling_interval_ms", cfg.Server.LongPollingIntervalMs),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	hsrv := httpserver.New(rt, logger, httpserver.WithMetrics(m.Handler()))
	if opts.Ready != nil {
		opts.Ready(hsrv)
	}

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		return hsrv.ListenAndServe(gctx, cfg.Server.HTTPAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		// Answer parked polls so the HTTP shutdown is not held by them.
		return rt.Connections().Close()
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	logger.Info("pollbus server stopped")
	return nil
}
