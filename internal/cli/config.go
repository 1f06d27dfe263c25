package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/delegate-agent/internal/upgrade"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration
// Maps config file fields through YAML tags
type Config struct {
	Manager struct {
		Address       string `yaml:"address"`
		AccountID     string `yaml:"account_id"`
		AccountSecret string `yaml:"account_secret"`
		TLS           struct {
			Enabled            bool   `yaml:"enabled"`
			CAFile             string `yaml:"ca_file"`
			CertFile           string `yaml:"cert_file"`
			KeyFile            string `yaml:"key_file"`
			InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		} `yaml:"tls"`
	} `yaml:"manager"`

	Agent struct {
		Name              string        `yaml:"name"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		WorkerCount       int           `yaml:"worker_count"`
		QueueSize         int           `yaml:"queue_size"`
		ReportTimeout     time.Duration `yaml:"report_timeout"`
		ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
		ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
		ReconnectMax      time.Duration `yaml:"reconnect_max"`
	} `yaml:"agent"`

	Upgrade struct {
		Enabled          bool          `yaml:"enabled"`
		CheckInterval    time.Duration `yaml:"check_interval"`
		MaxUpgradeWait   time.Duration `yaml:"max_upgrade_wait"`
		LaunchTimeout    time.Duration `yaml:"launch_timeout"`
		ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
		TakeoverTimeout  time.Duration `yaml:"takeover_timeout"`
		KillGrace        time.Duration `yaml:"kill_grace"`
		RestartSettle    time.Duration `yaml:"restart_settle"`
		MarkerPath       string        `yaml:"marker_path"`
		ArtifactDir      string        `yaml:"artifact_dir"`
		Command          []string      `yaml:"command"`
		RestartCommand   []string      `yaml:"restart_command"`
	} `yaml:"upgrade"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Environment variables applied on top of the config file
const (
	EnvManagerAddress    = "DELEGATE_MANAGER_ADDRESS"
	EnvAccountID         = "DELEGATE_ACCOUNT_ID"
	EnvAccountSecret     = "DELEGATE_ACCOUNT_SECRET"
	EnvHeartbeatInterval = "DELEGATE_HEARTBEAT_INTERVAL"
	EnvMaxUpgradeWait    = "DELEGATE_MAX_UPGRADE_WAIT"
	EnvLogLevel          = "DELEGATE_LOG_LEVEL"
)

func defaultConfig() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	up := upgrade.DefaultConfig()

	setDuration(&c.Agent.HeartbeatInterval, time.Minute)
	setInt(&c.Agent.WorkerCount, 4)
	setInt(&c.Agent.QueueSize, 100)
	setDuration(&c.Agent.ReportTimeout, 30*time.Second)
	setDuration(&c.Agent.ShutdownGrace, time.Minute)
	setDuration(&c.Agent.ReconnectInitial, time.Second)
	setDuration(&c.Agent.ReconnectMax, time.Minute)

	setDuration(&c.Upgrade.CheckInterval, up.CheckInterval)
	setDuration(&c.Upgrade.MaxUpgradeWait, up.MaxDrainWait)
	setDuration(&c.Upgrade.LaunchTimeout, up.LaunchTimeout)
	setDuration(&c.Upgrade.ReadinessTimeout, up.ReadinessTimeout)
	setDuration(&c.Upgrade.TakeoverTimeout, up.TakeoverTimeout)
	setDuration(&c.Upgrade.KillGrace, up.KillGrace)
	setDuration(&c.Upgrade.RestartSettle, up.RestartSettle)
	if c.Upgrade.MarkerPath == "" {
		c.Upgrade.MarkerPath = "run/delegate-upgrade.marker"
	}
	if c.Upgrade.ArtifactDir == "" {
		c.Upgrade.ArtifactDir = "run/artifacts"
	}

	setInt(&c.Metrics.Port, 9090)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func setDuration(v *time.Duration, d time.Duration) {
	if *v <= 0 {
		*v = d
	}
}

func setInt(v *int, d int) {
	if *v <= 0 {
		*v = d
	}
}

// loadConfig reads path, then applies defaults and environment overrides. A missing
// file is only an error when required is set.
func loadConfig(path string, required bool, getenv func(string) string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvManagerAddress); v != "" {
		c.Manager.Address = v
	}
	if v := getenv(EnvAccountID); v != "" {
		c.Manager.AccountID = v
	}
	if v := getenv(EnvAccountSecret); v != "" {
		c.Manager.AccountSecret = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := getenv(EnvHeartbeatInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeartbeatInterval, err)
		}
		c.Agent.HeartbeatInterval = d
	}
	if v := getenv(EnvMaxUpgradeWait); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxUpgradeWait, err)
		}
		c.Upgrade.MaxUpgradeWait = d
	}
	return nil
}

// Validate checks the settings the agent cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.Manager.Address == "" {
		errs = append(errs, errors.New("manager.address is required"))
	}
	if c.Manager.AccountID == "" {
		errs = append(errs, errors.New("manager.account_id is required"))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port %d is out of range", c.Metrics.Port))
	}
	return errors.Join(errs...)
}

func (c *Config) upgradeConfig(version string) upgrade.Config {
	return upgrade.Config{
		Version:          version,
		CheckInterval:    c.Upgrade.CheckInterval,
		LaunchTimeout:    c.Upgrade.LaunchTimeout,
		ReadinessTimeout: c.Upgrade.ReadinessTimeout,
		TakeoverTimeout:  c.Upgrade.TakeoverTimeout,
		MaxDrainWait:     c.Upgrade.MaxUpgradeWait,
		KillGrace:        c.Upgrade.KillGrace,
		RestartSettle:    c.Upgrade.RestartSettle,
		MarkerPath:       c.Upgrade.MarkerPath,
		Command:          c.Upgrade.Command,
		RestartCommand:   c.Upgrade.RestartCommand,
		ArtifactDir:      c.Upgrade.ArtifactDir,
	}
}
