// Package serverrun exposes a shared Run entrypoint used by the CLI to start
// the pollbus server over HTTP, handling lifecycle and shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Server.Store = config.StorePebble
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
