package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/pollbus/internal/backlog"
	"github.com/rzbill/pollbus/internal/bus"
	cfgpkg "github.com/rzbill/pollbus/internal/config"
	"github.com/rzbill/pollbus/internal/connmgr"
	"github.com/rzbill/pollbus/internal/filter"
	"github.com/rzbill/pollbus/internal/metrics"
	pebblestore "github.com/rzbill/pollbus/internal/storage/pebble"
	"github.com/rzbill/pollbus/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Hooks are combined with message targeting and the configured channel
	// filters. Allowed, when set, must also pass.
	Hooks connmgr.Hooks
}

// Runtime wires the backlog, the bus and the connection manager for a
// single-node server.
type Runtime struct {
	db      *pebblestore.DB
	store   backlog.Store
	bus     *bus.Bus
	conns   *connmgr.Manager
	filters *filter.Set
	config  cfgpkg.Config
	logger  log.Logger
}

// Open builds the store selected by the config and starts the bus.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	filters, err := filter.Compile(cfg.Server.ChannelFilters)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{config: cfg, logger: logger, filters: filters}
	storeOpts := backlog.Options{
		Retention: backlog.Retention{MaxEntries: cfg.Server.MaxBacklogSize, MaxAge: cfg.Server.MaxBacklogAge()},
		Logger:    logger,
	}
	switch cfg.Server.Store {
	case cfgpkg.StorePebble:
		fsync, _ := pebblestore.ParseFsyncMode(cfg.Server.Fsync)
		pOpts := pebblestore.Options{DataDir: cfg.Server.BacklogDir(), Fsync: fsync}
		if opts.Metrics != nil {
			pOpts.Metrics = opts.Metrics
		}
		db, err := pebblestore.Open(pOpts)
		if err != nil {
			return nil, err
		}
		store, err := backlog.OpenPebbleStore(db, storeOpts)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		rt.db, rt.store = db, store
	default:
		rt.store = backlog.NewMemoryStore(storeOpts)
	}

	busOpts := bus.Options{Logger: logger}
	mgrOpts := connmgr.Options{
		LongPollingEnabled:  cfg.Server.LongPollingEnabled,
		LongPollingInterval: cfg.Server.LongPollingInterval(),
		MaxActive:           cfg.Server.MaxActiveClients,
		Hooks:               rt.hooks(opts.Hooks),
		Logger:              logger,
	}
	if opts.Metrics != nil {
		busOpts.Metrics = opts.Metrics
		mgrOpts.Metrics = opts.Metrics
	}
	rt.bus = bus.New(rt.store, busOpts)
	rt.conns = connmgr.New(rt.store, mgrOpts)
	rt.bus.OnMessage(rt.conns.Notify)
	rt.bus.OnFlush(rt.conns.FlushPartition)

	logger.Info("runtime opened",
		log.Str("store", cfg.Server.Store),
		log.Int("channel_filters", filters.Len()),
		log.Bool("long_polling", cfg.Server.LongPollingEnabled))
	return rt, nil
}

func (r *Runtime) hooks(extra connmgr.Hooks) connmgr.Hooks {
	h := extra
	h.Allowed = func(ident connmgr.Identity, msg backlog.Message) bool {
		if !connmgr.DefaultAllowed(ident, msg) || !r.filters.Allowed(ident, msg) {
			return false
		}
		return extra.Allowed == nil || extra.Allowed(ident, msg)
	}
	return h
}

// Close answers waiting connections, drains the bus and closes storage.
func (r *Runtime) Close() error {
	var errs []error
	if r.conns != nil {
		errs = append(errs, r.conns.Close())
	}
	if r.bus != nil {
		errs = append(errs, r.bus.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db != nil {
		it, err := r.db.NewIter(nil)
		if err != nil {
			return err
		}
		_ = it.Close()
	}
	if _, err := r.store.Last(ctx, "", "/__health"); err != nil {
		return fmt.Errorf("backlog: %w", err)
	}
	return nil
}

// Bus returns the publisher.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Connections returns the connection manager.
func (r *Runtime) Connections() *connmgr.Manager { return r.conns }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
