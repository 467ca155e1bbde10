// Package config loads orchestrator configuration.
// Priority: env vars > config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all orchestrator configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	Slurm      SlurmConfig      `yaml:"slurm"`
	Controller ControllerConfig `yaml:"controller"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// SlurmConfig configures the slurmrestd client.
type SlurmConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIVersion string `yaml:"api_version"`
	User       string `yaml:"user"`
	Token      string `yaml:"token"`
	WorkDir    string `yaml:"work_dir"`
}

// ControllerConfig configures run execution.
type ControllerConfig struct {
	PreSubmitDelay   time.Duration `yaml:"pre_submit_delay"`
	QueueLimit       int           `yaml:"queue_limit"`
	SubmitRetryDelay time.Duration `yaml:"submit_retry_delay"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxChecks        int           `yaml:"max_checks"`
	MaxQueryFailures int           `yaml:"max_query_failures"`
	Concurrency      int           `yaml:"concurrency"`
}

// SchedulerConfig configures the resumption loop and reconciliation.
type SchedulerConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	ReconcileCron      string        `yaml:"reconcile_cron"`
	ReconcileTolerance time.Duration `yaml:"reconcile_tolerance"`
	Concurrency        int           `yaml:"concurrency"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(orchestratorDir(), "emgorc.db"),
		LogLevel:   "info",
		Slurm: SlurmConfig{
			APIVersion: "v0.0.40",
		},
		Controller: ControllerConfig{
			SubmitRetryDelay: time.Minute,
			BaseDelay:        time.Minute,
			MaxDelay:         time.Hour,
			MaxChecks:        1000,
			MaxQueryFailures: 5,
			Concurrency:      8,
			QueueLimit:       100,
		},
		Scheduler: SchedulerConfig{
			TickInterval:       15 * time.Second,
			ReconcileCron:      "*/10 * * * *",
			ReconcileTolerance: 2 * time.Hour,
			Concurrency:        4,
		},
	}
}

func orchestratorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".emgorc"
	}
	return filepath.Join(home, ".emgorc")
}

// Load reads configuration, layering the YAML file at path (ignored if
// missing and path is the default) and env vars over the defaults.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if path == "" {
		path = filepath.Join(orchestratorDir(), "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case explicit:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EMGORC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("EMGORC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("EMGORC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EMGORC_SLURM_URL"); v != "" {
		cfg.Slurm.BaseURL = v
	}
	if v := os.Getenv("EMGORC_SLURM_USER"); v != "" {
		cfg.Slurm.User = v
	}
	if v := os.Getenv("EMGORC_SLURM_TOKEN"); v != "" {
		cfg.Slurm.Token = v
	}
	if v := os.Getenv("EMGORC_QUEUE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Controller.QueueLimit = n
		}
	}
	if v := os.Getenv("EMGORC_MAX_CHECKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Controller.MaxChecks = n
		}
	}
	if v := os.Getenv("EMGORC_RECONCILE_CRON"); v != "" {
		cfg.Scheduler.ReconcileCron = v
	}
}
