// Package config provides configuration structures and loading logic for the
// plugin runner.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/plugin-runner/internal/governance"
	"github.com/polisai/plugin-runner/pkg/domain"
	"github.com/polisai/plugin-runner/pkg/execmode"
	"github.com/polisai/plugin-runner/pkg/protocol"
)

// RunnerConfig holds the configuration for one runner process.
type RunnerConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Modules  ModulesConfig  `yaml:"modules"`
	Metadata MetadataConfig `yaml:"metadata"`
	Trace    TraceConfig    `yaml:"trace"`
	Writes   WritesConfig   `yaml:"writes"`
	Live     LiveConfig     `yaml:"live"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Workspace, when it names an org URL, is initialized at startup.
	Workspace WorkspaceConfig `yaml:"workspace"`
}

// ServerConfig holds the IPC listener settings.
type ServerConfig struct {
	// Address is "unix:///path" or "tcp://host:port".
	Address string `yaml:"address"`
	// IdleTimeout closes a connection that sends nothing for this long. Zero
	// keeps connections open indefinitely.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// ModulesConfig controls module resolution and shadow copies.
type ModulesConfig struct {
	Root      string        `yaml:"root"`
	ShadowDir string        `yaml:"shadow_dir"`
	Watch     bool          `yaml:"watch"`
	Debounce  time.Duration `yaml:"debounce"`
}

// MetadataConfig controls the per-organization metadata disk cache.
type MetadataConfig struct {
	CacheDir string        `yaml:"cache_dir"`
	TTL      time.Duration `yaml:"ttl"`
	Preload  bool          `yaml:"preload"`
}

// TraceConfig sizes the runner log ring and trace delta batching.
type TraceConfig struct {
	Capacity       int           `yaml:"capacity"`
	DeltaBatchSize int           `yaml:"delta_batch_size"`
	DeltaInterval  time.Duration `yaml:"delta_interval"`
}

// WritesConfig gates live writes.
type WritesConfig struct {
	AllowLive bool `yaml:"allow_live"`
	// PolicyFile is a Rego module replacing the built-in write guard.
	PolicyFile string `yaml:"policy_file"`
}

// LiveConfig tunes the Web API client.
type LiveConfig struct {
	Timeout  time.Duration             `yaml:"timeout"`
	Retry    governance.RetryConfig    `yaml:"retry"`
	Breaker  governance.BreakerConfig  `yaml:"breaker"`
	Throttle governance.ThrottleConfig `yaml:"throttle"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OTLP span export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	Insecure    bool              `yaml:"insecure"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Headers     map[string]string `yaml:"headers"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Pretty bool   `yaml:"pretty"`
}

// WorkspaceConfig is an environment and manifest activated at startup.
type WorkspaceConfig struct {
	Environment domain.Environment `yaml:"environment"`
	Manifest    domain.Manifest    `yaml:"manifest"`
}

// Enabled reports whether a startup workspace is configured.
func (w WorkspaceConfig) Enabled() bool {
	return strings.TrimSpace(w.Environment.OrgURL) != ""
}

// DefaultRunnerConfig returns the configuration used when no file is given.
func DefaultRunnerConfig() *RunnerConfig {
	base := filepath.Join(os.TempDir(), "plugin-runner")
	return &RunnerConfig{
		Server: ServerConfig{Address: protocol.DefaultAddress},
		Modules: ModulesConfig{
			ShadowDir: filepath.Join(base, "shadow"),
			Watch:     true,
			Debounce:  500 * time.Millisecond,
		},
		Metadata: MetadataConfig{
			CacheDir: filepath.Join(base, "metadata"),
			TTL:      168 * time.Hour,
			Preload:  true,
		},
		Trace: TraceConfig{
			Capacity:       5000,
			DeltaBatchSize: 20,
			DeltaInterval:  250 * time.Millisecond,
		},
		Live: LiveConfig{
			Timeout: 100 * time.Second,
			Retry:   governance.DefaultRetryConfig(),
			Breaker: governance.DefaultBreakerConfig(),
		},
		Metrics: MetricsConfig{Address: "127.0.0.1:9464", Path: "/metrics"},
		Tracing: TracingConfig{ServiceName: "plugin-runner", Insecure: true},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from a file over the defaults, expands ${VAR}
// references and applies environment variable overrides. An empty path
// yields the defaults with overrides applied.
func Load(path string) (*RunnerConfig, error) {
	cfg := DefaultRunnerConfig()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg after expanding ${VAR} and $VAR references.
// Unset variables expand to the empty string.
func Parse(data []byte, cfg *RunnerConfig) error {
	expanded := os.Expand(string(data), func(name string) string {
		if name == "$" {
			return "$"
		}
		return os.Getenv(name)
	})
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *RunnerConfig) {
	if val := os.Getenv("RUNNER_ADDRESS"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("RUNNER_MODULE_ROOT"); val != "" {
		cfg.Modules.Root = val
	}
	if val := os.Getenv("RUNNER_SHADOW_DIR"); val != "" {
		cfg.Modules.ShadowDir = val
	}
	if val := os.Getenv("RUNNER_METADATA_DIR"); val != "" {
		cfg.Metadata.CacheDir = val
	}
	if val := os.Getenv("RUNNER_ALLOW_LIVE_WRITES"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Writes.AllowLive = b
		}
	}
	if val := os.Getenv("RUNNER_OTLP_ENDPOINT"); val != "" {
		cfg.Tracing.Endpoint = val
		cfg.Tracing.Enabled = true
	}
	if val := os.Getenv("RUNNER_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate performs validation of the entire configuration, normalizing
// values where a default applies.
func (c *RunnerConfig) Validate() error {
	if _, _, err := protocol.ParseAddress(c.Server.Address); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if c.Server.IdleTimeout < 0 {
		return fmt.Errorf("server configuration: idle_timeout cannot be negative")
	}
	if strings.TrimSpace(c.Modules.ShadowDir) == "" {
		return fmt.Errorf("modules configuration: shadow_dir cannot be empty")
	}
	if c.Metadata.TTL <= 0 {
		return fmt.Errorf("metadata configuration: ttl must be positive")
	}
	if c.Trace.Capacity <= 0 {
		return fmt.Errorf("trace configuration: capacity must be positive")
	}
	if c.Trace.DeltaBatchSize < 0 || c.Trace.DeltaInterval < 0 {
		return fmt.Errorf("trace configuration: delta settings cannot be negative")
	}
	if c.Live.Timeout <= 0 {
		return fmt.Errorf("live configuration: timeout must be positive")
	}
	if c.Live.Retry.MaxRetries < 0 {
		return fmt.Errorf("live configuration: retry.max_retries cannot be negative")
	}
	if c.Metrics.Enabled {
		if strings.TrimSpace(c.Metrics.Address) == "" {
			return fmt.Errorf("metrics configuration: address is required when enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics configuration: path must start with /")
		}
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return fmt.Errorf("tracing configuration: endpoint is required when enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing configuration: sample_ratio must be between 0 and 1")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if c.Workspace.Enabled() {
		if _, err := execmode.Resolve(c.Workspace.Environment.ExecutionMode, c.Workspace.Environment.WriteMode, c.Writes.AllowLive); err != nil {
			return fmt.Errorf("workspace configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.Format)) {
	case "", "json":
		c.Format = "json"
	case "text":
		c.Format = "text"
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}
