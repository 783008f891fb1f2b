// Package config provides loading and environment overlay for pollbus
// configuration. It exposes a Default() baseline that a JSON file and then
// POLLBUS_* variables refine.
//
// Example:
//
//	cfg := config.Default()
//	if fileCfg, err := config.Load("/etc/pollbus.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
