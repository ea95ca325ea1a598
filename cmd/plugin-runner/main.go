// Package main is the entry point for the plugin-runner binary.
// It hosts plugin modules for a local workspace and serves the IPC protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/plugin-runner/pkg/config"
	"github.com/polisai/plugin-runner/pkg/logging"
	"github.com/polisai/plugin-runner/pkg/protocol"
	"github.com/polisai/plugin-runner/pkg/runner"
	"github.com/polisai/plugin-runner/pkg/telemetry"
	"github.com/polisai/plugin-runner/pkg/tracelog"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// flagOverrides holds the serve flags that take precedence over the file.
type flagOverrides struct {
	Address         string
	ModuleRoot      string
	LogLevel        string
	Pretty          bool
	AllowLiveWrites bool
	NoMetrics       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for plugin-runner
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "plugin-runner",
		Short:         "Local runner for data platform plugins",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runner and protocol version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "plugin-runner %s (protocol v%d)\n", version, protocol.Version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		overrides  flagOverrides
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the runner and accept host connections",
		Long: `Start the plugin runner.

The runner listens on a Unix domain socket or TCP address for framed IPC
commands from the host, loads plugin modules from the module root and
executes them against the offline overlay or the live Web API.

Example:
  plugin-runner serve --config runner.yaml
  plugin-runner serve --address tcp://127.0.0.1:7412 --module-root ./bin`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, overrides, cmd.Flags().Changed("allow-live-writes"))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringVarP(&overrides.Address, "address", "a", "", "Listen address (unix:///path or tcp://host:port)")
	cmd.Flags().StringVar(&overrides.ModuleRoot, "module-root", "", "Directory relative module paths resolve against")
	cmd.Flags().StringVarP(&overrides.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&overrides.Pretty, "pretty", false, "Enable pretty console logging")
	cmd.Flags().BoolVar(&overrides.AllowLiveWrites, "allow-live-writes", false, "Permit writes to reach the live backend")
	cmd.Flags().BoolVar(&overrides.NoMetrics, "no-metrics", false, "Disable the Prometheus endpoint")
	return cmd
}

// buildConfig loads the file and applies flag overrides. liveSet reports
// whether --allow-live-writes was given explicitly.
func buildConfig(path string, o flagOverrides, liveSet bool) (*config.RunnerConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if o.Address != "" {
		cfg.Server.Address = o.Address
	}
	if o.ModuleRoot != "" {
		cfg.Modules.Root = o.ModuleRoot
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.Pretty {
		cfg.Logging.Pretty = true
	}
	if liveSet {
		cfg.Writes.AllowLive = o.AllowLiveWrites
	}
	if o.NoMetrics {
		cfg.Metrics.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, configPath string, o flagOverrides, liveSet bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := buildConfig(configPath, o, liveSet)
	if err != nil {
		return err
	}

	ring := tracelog.NewBuffer(cfg.Trace.Capacity)
	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Pretty: cfg.Logging.Pretty,
		Buffer: ring,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger.Logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRatio:    cfg.Tracing.SampleRatio,
			Headers:        cfg.Tracing.Headers,
		})
		if err != nil {
			logger.Error("Failed to initialize tracing", "error", err)
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("Tracer shutdown failed", "error", err)
			}
		}()
	}

	metrics := runner.NewMetrics()
	session, err := runner.NewSession(ctx, runner.SessionOptions{
		Config:  cfg,
		Ring:    ring,
		Metrics: metrics,
		Logger:  logger.Logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Session close failed", "error", err)
		}
	}()
	session.Start(ctx)

	logger.Info("Starting plugin-runner",
		"version", version,
		"address", cfg.Server.Address,
		"module_root", cfg.Modules.Root,
		"allow_live_writes", cfg.Writes.AllowLive,
	)

	if err := session.Bootstrap(ctx); err != nil {
		logger.Error("Startup workspace rejected", "error", err)
		return err
	}

	if configPath != "" {
		reloader, err := config.NewReloader(configPath, cfg, onConfigChange(session, logger), logger.Logger)
		if err != nil {
			return err
		}
		reloader.SetObserver(metrics.RecordConfigReload)
		if err := reloader.Start(ctx); err != nil {
			logger.Warn("Configuration watch disabled", "error", err)
		}
		defer func() { _ = reloader.Close() }()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer, err = startMetricsServer(cfg.Metrics, metrics, session, logger.Logger)
		if err != nil {
			return err
		}
	}

	server := runner.NewServer(session, logger.Logger)
	err = server.ListenAndServe(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			logger.Error("Metrics server shutdown error", "error", serr)
		}
	}
	if err != nil {
		logger.Error("Runner stopped with error", "error", err)
		return err
	}
	logger.Info("Runner stopped")
	return nil
}

// onConfigChange applies the runtime-safe part of a reloaded configuration.
func onConfigChange(session *runner.Session, logger *logging.Logger) config.ChangeFunc {
	return func(prev, next *config.RunnerConfig) {
		changes := config.RuntimeChanges(prev, next)
		if slices.Contains(changes, "logging.level") {
			if err := logger.SetLevel(next.Logging.Level); err != nil {
				logger.Warn("Log level not applied", "level", next.Logging.Level, "error", err)
			} else {
				logger.Info("Configuration change applied", "field", "logging.level", "level", next.Logging.Level)
			}
		}
		session.ApplyConfig(prev, next)
	}
}

// newMetricsMux serves the Prometheus registry and a liveness probe.
func newMetricsMux(cfg config.MetricsConfig, metrics *runner.Metrics, session *runner.Session) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := session.Health()
		if health.Status != protocol.StatusReady {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(health.Status))
	})
	return mux
}

func startMetricsServer(cfg config.MetricsConfig, metrics *runner.Metrics, session *runner.Session, logger *slog.Logger) (*http.Server, error) {
	server := &http.Server{
		Handler:           newMetricsMux(cfg, metrics, session),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to bind metrics listener %s: %w", cfg.Address, err)
	}
	logger.Info("Metrics listening", "addr", listener.Addr().String(), "path", cfg.Path)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return server, nil
}
