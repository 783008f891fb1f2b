package proxyrun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/pollbus/internal/config"
	"github.com/rzbill/pollbus/internal/metrics"
	"github.com/rzbill/pollbus/internal/proxy"
	logpkg "github.com/rzbill/pollbus/pkg/log"
)

// DefaultProbeInterval is how often the upstream health endpoint is checked.
const DefaultProbeInterval = 10 * time.Second

type Options struct {
	Config        cfgpkg.Config
	Logger        logpkg.Logger
	ProbeInterval time.Duration
	// Ready, when set, receives the bound listen address.
	Ready func(addr string)
}

// Run serves the proxy until ctx is cancelled.
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
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	upstream := cfg.Proxy.UpstreamURL
	if !strings.HasSuffix(upstream, "/") {
		upstream += "/"
	}

	m := metrics.New(true)
	p := proxy.New(proxy.Options{
		BaseURL:             upstream,
		SharedSessionKey:    cfg.Proxy.SharedSessionKey,
		LongPollingInterval: cfg.Server.LongPollingInterval(),
		Metrics:             m,
		Logger:              logger,
	})
	defer p.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", p.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	l, err := net.Listen("tcp", cfg.Proxy.ListenAddr)
	if err != nil {
		return err
	}
	logger.Info("Starting pollbus proxy",
		logpkg.Str("listen", l.Addr().String()),
		logpkg.Str("upstream", upstream))
	if opts.Ready != nil {
		opts.Ready(l.Addr().String())
	}

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		probe(gctx, p, upstream, opts.ProbeInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Closing the proxy answers waiting consumers before the listener drains.
		_ = p.Close()
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(cctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	logger.Info("pollbus proxy stopped")
	return nil
}

// probe marks the proxy offline while the upstream cannot be reached. Any
// HTTP answer counts as online.
func probe(ctx context.Context, p *proxy.Proxy, upstream string, every time.Duration, logger logpkg.Logger) {
	client := &http.Client{Timeout: every}
	online := true
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream+"v1/healthz", nil)
		if err != nil {
			return
		}
		ok := false
		if resp, err := client.Do(req); err == nil {
			_ = resp.Body.Close()
			ok = true
		}
		if ok != online {
			online = ok
			logger.Info("upstream reachability changed", logpkg.Bool("online", ok))
			p.SetOnline(ok)
		}
	}
}
