// Package log provides pollbus's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that feeds our formatter and
// outputs pipeline.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("connmgr"), log.Str("partition", "default"))
//	l.Info("connection registered", log.Str("client_id", id))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config, supporting JSON
// or text formatting, key redaction and per-message sampling.
//
// # Interop
//
// Pebble logs through the standard library logger; RedirectStdLog routes it
// into a Logger. ToStdLogger adapts a Logger for http.Server.ErrorLog.
package log
