package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	pebblestore "github.com/rzbill/pollbus/internal/storage/pebble"
	"github.com/rzbill/pollbus/pkg/log"
)

// Store backends.
const (
	StoreMemory = "memory"
	StorePebble = "pebble"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Server ServerConfig `json:"server"`
	Proxy  ProxyConfig  `json:"proxy"`
	Client ClientConfig `json:"client"`
	Log    log.Config   `json:"log"`
}

// ServerConfig configures `pollbus server start`.
type ServerConfig struct {
	HTTPAddr              string `json:"httpAddr"`
	Store                 string `json:"store"`
	DataDir               string `json:"dataDir"`
	Fsync                 string `json:"fsync"`
	LongPollingEnabled    bool   `json:"longPollingEnabled"`
	LongPollingIntervalMs int    `json:"longPollingIntervalMs"`
	MaxActiveClients      int    `json:"maxActiveClients"`
	MaxBacklogSize        int    `json:"maxBacklogSize"`
	MaxBacklogAgeMs       int64  `json:"maxBacklogAgeMs"`
	// ChannelFilters maps a channel to a CEL visibility expression.
	ChannelFilters map[string]string `json:"channelFilters,omitempty"`
}

// ProxyConfig configures `pollbus proxy start`.
type ProxyConfig struct {
	ListenAddr       string `json:"listenAddr"`
	UpstreamURL      string `json:"upstreamUrl"`
	SharedSessionKey string `json:"sharedSessionKey,omitempty"`
}

// ClientConfig configures the poll scheduler used by `pollbus subscribe`.
type ClientConfig struct {
	BaseURL                      string `json:"baseUrl"`
	CallbackIntervalMs           int    `json:"callbackIntervalMs"`
	BackgroundCallbackIntervalMs int    `json:"backgroundCallbackIntervalMs"`
	MaxPollIntervalMs            int    `json:"maxPollIntervalMs"`
	AlwaysLongPoll               bool   `json:"alwaysLongPoll"`
	EnableLongPolling            bool   `json:"enableLongPolling"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:              ":8080",
			Store:                 StoreMemory,
			Fsync:                 "interval",
			LongPollingEnabled:    true,
			LongPollingIntervalMs: 25_000,
			MaxActiveClients:      1000,
			MaxBacklogSize:        1000,
			MaxBacklogAgeMs:       int64(7 * 24 * time.Hour / time.Millisecond),
		},
		Proxy: ProxyConfig{
			ListenAddr:  ":8081",
			UpstreamURL: "http://localhost:8080/",
		},
		Client: ClientConfig{
			BaseURL:                      "http://localhost:8080/",
			CallbackIntervalMs:           15_000,
			BackgroundCallbackIntervalMs: 60_000,
			MaxPollIntervalMs:            180_000,
			EnableLongPolling:            true,
		},
		Log: log.Config{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported; use JSON")
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Server.Store {
	case StoreMemory, StorePebble:
	default:
		return fmt.Errorf("config: store must be %s or %s, got %q", StoreMemory, StorePebble, c.Server.Store)
	}
	if _, err := pebblestore.ParseFsyncMode(c.Server.Fsync); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Server.LongPollingIntervalMs <= 0 {
		return errors.New("config: longPollingIntervalMs must be positive")
	}
	if c.Client.CallbackIntervalMs <= 0 || c.Client.BackgroundCallbackIntervalMs <= 0 || c.Client.MaxPollIntervalMs <= 0 {
		return errors.New("config: client intervals must be positive")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func ms(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

func (s ServerConfig) LongPollingInterval() time.Duration { return ms(int64(s.LongPollingIntervalMs)) }
func (s ServerConfig) MaxBacklogAge() time.Duration       { return ms(s.MaxBacklogAgeMs) }

func (c ClientConfig) CallbackInterval() time.Duration { return ms(int64(c.CallbackIntervalMs)) }
func (c ClientConfig) BackgroundCallbackInterval() time.Duration {
	return ms(int64(c.BackgroundCallbackIntervalMs))
}
func (c ClientConfig) MaxPollInterval() time.Duration { return ms(int64(c.MaxPollIntervalMs)) }
