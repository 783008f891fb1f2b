package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/pollbus/internal/cmd/client"
	proxyrun "github.com/rzbill/pollbus/internal/cmd/proxy"
	serverrun "github.com/rzbill/pollbus/internal/cmd/server"
	cfgpkg "github.com/rzbill/pollbus/internal/config"
	logpkg "github.com/rzbill/pollbus/pkg/log"
)

func main() {
	_ = godotenv.Load(".env")

	// initialize logger for CLI
	level := os.Getenv("POLLBUS_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "pollbus",
		Short: "pollbus long-polling message bus",
		Long:  "pollbus is a long-polling pub/sub bus. This CLI runs the server and the shared proxy and talks to a running bus.",
	}
	rootCmd.PersistentFlags().String("config", os.Getenv("POLLBUS_CONFIG"), "Path to a JSON config file")

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the pollbus HTTP server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.Server.HTTPAddr, _ = cmd.Flags().GetString("http")
			}
			if cmd.Flags().Changed("store") {
				cfg.Server.Store, _ = cmd.Flags().GetString("store")
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Server.DataDir, _ = cmd.Flags().GetString("data-dir")
			}
			if cmd.Flags().Changed("fsync") {
				cfg.Server.Fsync, _ = cmd.Flags().GetString("fsync")
			}
			if cmd.Flags().Changed("long-polling-interval-ms") {
				cfg.Server.LongPollingIntervalMs, _ = cmd.Flags().GetInt("long-polling-interval-ms")
			}
			if cmd.Flags().Changed("max-active-clients") {
				cfg.Server.MaxActiveClients, _ = cmd.Flags().GetInt("max-active-clients")
			}
			if cmd.Flags().Changed("no-long-polling") {
				off, _ := cmd.Flags().GetBool("no-long-polling")
				cfg.Server.LongPollingEnabled = !off
			}
			applyLogFlags(cmd, &cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("http", ":8080", "HTTP listen address")
	serverStartCmd.Flags().String("store", cfgpkg.StoreMemory, "Backlog store: memory|pebble")
	serverStartCmd.Flags().String("data-dir", "", "Data directory for the pebble store (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("fsync", "interval", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Int("long-polling-interval-ms", 25000, "How long a poll is held open without data")
	serverStartCmd.Flags().Int("max-active-clients", 1000, "Waiting polls held open before new ones are answered immediately")
	serverStartCmd.Flags().Bool("no-long-polling", false, "Answer every poll immediately")
	addLogFlags(serverStartCmd)
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// proxy start
	proxyCmd := &cobra.Command{Use: "proxy", Short: "Shared poll proxy commands"}
	proxyStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a proxy that shares one upstream poll between local consumers",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Proxy.ListenAddr, _ = cmd.Flags().GetString("listen")
			}
			if cmd.Flags().Changed("upstream") {
				cfg.Proxy.UpstreamURL, _ = cmd.Flags().GetString("upstream")
			}
			if cmd.Flags().Changed("shared-session-key") {
				cfg.Proxy.SharedSessionKey, _ = cmd.Flags().GetString("shared-session-key")
			}
			applyLogFlags(cmd, &cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := proxyrun.Run(ctx, proxyrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("proxy error: %w", err)
			}
			return nil
		},
	}
	proxyStartCmd.Flags().String("listen", ":8081", "Proxy listen address")
	proxyStartCmd.Flags().String("upstream", "http://localhost:8080/", "pollbus server base URL")
	proxyStartCmd.Flags().String("shared-session-key", "", "Value sent as X-Shared-Session-Key upstream")
	addLogFlags(proxyStartCmd)
	proxyCmd.AddCommand(proxyStartCmd)
	rootCmd.AddCommand(proxyCmd)

	clientcmd.AddCommands(rootCmd, baseURL)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config, then overlays POLLBUS_* variables.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	return cfg, nil
}

func addLogFlags(cmd *cobra.Command) {
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	cmd.Flags().String("log-format", "", "Log format: text|json (default text)")
}

func applyLogFlags(cmd *cobra.Command, cfg *cfgpkg.Config) {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
}

func baseURL() string {
	if v := os.Getenv("POLLBUS_BASE_URL"); v != "" {
		return v
	}
	return "http://localhost:8080/"
}
