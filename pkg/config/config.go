// Package config loads loom's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the orchestrator's tunables, read from <work>/config.toml.
// Every field has a sane zero-value default applied by Load.
type Config struct {
	// Scheduling
	MaxParallel         int           `toml:"max_parallel"`
	PollInterval        time.Duration `toml:"poll_interval"`
	StatusUpdateInterval time.Duration `toml:"status_update_interval"`
	DefaultBaseBranch   string        `toml:"default_base_branch"`

	// Heartbeat / monitor
	HeartbeatFreshness time.Duration `toml:"heartbeat_freshness"`
	VerificationTimeout time.Duration `toml:"verification_timeout"`
	OutputDrainTimeout  time.Duration `toml:"output_drain_timeout"`

	// Retry / failure
	RetryBaseSeconds   int `toml:"retry_base_seconds"`
	RetryMaxSeconds    int `toml:"retry_max_seconds"`
	MaxRetries         int `toml:"max_retries"`
	EscalationThreshold int `toml:"escalation_threshold"`

	// Context budget
	DefaultContextLimit int `toml:"default_context_limit"`

	// Terminal backend
	Backend string `toml:"backend"` // "direct" | "tmux"

	// Daemon
	SocketPath  string `toml:"socket_path"`
	MetricsAddr string `toml:"metrics_addr"`

	// Logging
	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`
}

// Default returns the configuration with every documented default applied.
func Default() Config {
	return Config{
		MaxParallel:          4,
		PollInterval:         2 * time.Second,
		StatusUpdateInterval: 10 * time.Second,
		DefaultBaseBranch:    "main",
		HeartbeatFreshness:   5 * time.Minute,
		VerificationTimeout:  30 * time.Second,
		OutputDrainTimeout:   10 * time.Second,
		RetryBaseSeconds:     30,
		RetryMaxSeconds:      300,
		MaxRetries:           3,
		EscalationThreshold:  3,
		DefaultContextLimit:  200_000,
		Backend:              "direct",
		SocketPath:           "orchestrator.sock",
		LogLevel:             "info",
		LogJSON:              false,
	}
}

// Load reads and merges a TOML config file at path over the defaults. A
// missing file is not an error: Default() is returned unmodified.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// WorkDirConfigPath joins the standard config.toml filename onto a work
// directory.
func WorkDirConfigPath(workDir string) string {
	return filepath.Join(workDir, "config.toml")
}
