package config

import (
	"encoding/json"
	"os"
	"strconv"
)

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// FromEnv overlays POLLBUS_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	envString("POLLBUS_HTTP_ADDR", &cfg.Server.HTTPAddr)
	envString("POLLBUS_STORE", &cfg.Server.Store)
	envString("POLLBUS_DATA_DIR", &cfg.Server.DataDir)
	envString("POLLBUS_FSYNC", &cfg.Server.Fsync)
	envBool("POLLBUS_LONG_POLLING_ENABLED", &cfg.Server.LongPollingEnabled)
	envInt("POLLBUS_LONG_POLLING_INTERVAL_MS", &cfg.Server.LongPollingIntervalMs)
	envInt("POLLBUS_MAX_ACTIVE_CLIENTS", &cfg.Server.MaxActiveClients)
	envInt("POLLBUS_MAX_BACKLOG_SIZE", &cfg.Server.MaxBacklogSize)
	if v := os.Getenv("POLLBUS_MAX_BACKLOG_AGE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxBacklogAgeMs = n
		}
	}
	// POLLBUS_CHANNEL_FILTERS holds a JSON object of channel to expression.
	if v := os.Getenv("POLLBUS_CHANNEL_FILTERS"); v != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			cfg.Server.ChannelFilters = m
		}
	}

	envString("POLLBUS_PROXY_ADDR", &cfg.Proxy.ListenAddr)
	envString("POLLBUS_UPSTREAM_URL", &cfg.Proxy.UpstreamURL)
	envString("POLLBUS_SHARED_SESSION_KEY", &cfg.Proxy.SharedSessionKey)

	envString("POLLBUS_BASE_URL", &cfg.Client.BaseURL)
	envInt("POLLBUS_CALLBACK_INTERVAL_MS", &cfg.Client.CallbackIntervalMs)
	envInt("POLLBUS_BACKGROUND_CALLBACK_INTERVAL_MS", &cfg.Client.BackgroundCallbackIntervalMs)
	envInt("POLLBUS_MAX_POLL_INTERVAL_MS", &cfg.Client.MaxPollIntervalMs)
	envBool("POLLBUS_ALWAYS_LONG_POLL", &cfg.Client.AlwaysLongPoll)
	envBool("POLLBUS_ENABLE_LONG_POLLING", &cfg.Client.EnableLongPolling)

	envString("POLLBUS_LOG_LEVEL", &cfg.Log.Level)
	envString("POLLBUS_LOG_FORMAT", &cfg.Log.Format)
}
