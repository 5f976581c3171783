// Package config loads the daemon configuration from YAML, applying
// defaults for anything unset. The file is read once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the full daemon configuration.
type Config struct {
	// DataDir holds the SQLite database. MEDIAFLOW_DATA overrides it.
	DataDir string `yaml:"data_dir"`

	TickInterval Duration `yaml:"tick_interval"`
	Workers      int      `yaml:"workers"`
	StaleAfter   Duration `yaml:"stale_after"`

	Retry   RetryConfig `yaml:"retry"`
	Log     LogConfig   `yaml:"log"`
	API     APIConfig   `yaml:"api"`
	Webhook Webhook     `yaml:"webhook"`

	// Executors maps a task type to the external tool invocation that
	// handles it, e.g. transcribe: ["whisper", "--model", "base"].
	Executors map[string][]string `yaml:"executors"`

	// ExecutorTimeout bounds a single execution unless the payload says
	// otherwise.
	ExecutorTimeout Duration `yaml:"executor_timeout"`
}

// RetryConfig bounds the retry subsystem.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Port int `yaml:"port"`
}

// Webhook configures the terminal-status notifier; empty URL disables it.
type Webhook struct {
	URL string `yaml:"url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:         defaultDataDir(),
		TickInterval:    Duration(5 * time.Second),
		Workers:         4,
		StaleAfter:      Duration(2 * time.Hour),
		ExecutorTimeout: Duration(30 * time.Minute),
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  Duration(30 * time.Second),
			MaxDelay:   Duration(10 * time.Minute),
		},
		Log: LogConfig{Level: "info", Console: true},
		API: APIConfig{Port: 8080},
	}
}

// Load reads the YAML file at path over the defaults. A missing path is not
// an error: defaults apply. The MEDIAFLOW_DATA environment variable wins
// over both.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if env := os.Getenv("MEDIAFLOW_DATA"); env != "" {
		cfg.DataDir = env
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = Duration(5 * time.Second)
	}
	return cfg, nil
}

// DBPath returns the SQLite file location under the data directory.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "mediaflow.db")
}

// PIDPath returns the daemon PID file location.
func (c Config) PIDPath() string {
	return filepath.Join(c.DataDir, "daemon.pid")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mediaflow"
	}
	return filepath.Join(home, ".mediaflow")
}
