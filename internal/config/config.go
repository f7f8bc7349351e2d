// Package config loads kioskd configuration from a YAML file with
// KIOSKD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/kioskd/internal/daemon"
	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
	"github.com/eliteGoblin/focusd/kioskd/internal/usecase"
)

// EnvPrefix is the prefix for environment overrides, e.g. KIOSKD_TARGET_APP_ID.
const EnvPrefix = "KIOSKD"

// FileName is the config file looked up in the data directory.
const FileName = "kioskd.yaml"

// Store backends.
const (
	BackendSQLCipher = "sqlcipher"
	BackendFile      = "file"
)

// Config is the full daemon configuration.
type Config struct {
	Target  TargetConfig  `yaml:"target" envconfig:"TARGET"`
	Timing  TimingConfig  `yaml:"timing" envconfig:"TIMING"`
	Host    HostConfig    `yaml:"host" envconfig:"HOST"`
	Store   StoreConfig   `yaml:"store" envconfig:"STORE"`
	Metrics MetricsConfig `yaml:"metrics" envconfig:"METRICS"`
	Log     LogConfig     `yaml:"log" envconfig:"LOG"`
}

// TargetConfig describes the locked-down application.
type TargetConfig struct {
	AppID          string        `yaml:"app_id" envconfig:"APP_ID"`
	LaunchCommand  []string      `yaml:"launch_command,omitempty" envconfig:"LAUNCH_COMMAND"`
	ProcessNames   []string      `yaml:"process_names,omitempty" envconfig:"PROCESS_NAMES"`
	ActivityWindow time.Duration `yaml:"activity_window" envconfig:"ACTIVITY_WINDOW"`
}

// TimingConfig holds every supervisor, loop and boot delay.
type TimingConfig struct {
	SettleDelay          time.Duration `yaml:"settle_delay" envconfig:"SETTLE_DELAY"`
	ReevaluateDelay      time.Duration `yaml:"reevaluate_delay" envconfig:"REEVALUATE_DELAY"`
	OverlayRetryDelay    time.Duration `yaml:"overlay_retry_delay" envconfig:"OVERLAY_RETRY_DELAY"`
	EntryStepDelay       time.Duration `yaml:"entry_step_delay" envconfig:"ENTRY_STEP_DELAY"`
	ExitConfirmWindow    time.Duration `yaml:"exit_confirm_window" envconfig:"EXIT_CONFIRM_WINDOW"`
	WatchdogInitialDelay time.Duration `yaml:"initial_delay" envconfig:"INITIAL_DELAY"`
	PollInterval         time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	MissThreshold        uint32        `yaml:"miss_threshold" envconfig:"MISS_THRESHOLD"`
	RelaunchCooldown     time.Duration `yaml:"relaunch_cooldown" envconfig:"RELAUNCH_COOLDOWN"`
	EnforcementInterval  time.Duration `yaml:"enforcement_interval" envconfig:"ENFORCEMENT_INTERVAL"`
	StabilizationDelay   time.Duration `yaml:"stabilization_delay" envconfig:"STABILIZATION_DELAY"`
}

// EdgeHeights are the system bar heights in pixels. Zero means no bar.
type EdgeHeights struct {
	Top    int `yaml:"top" envconfig:"TOP"`
	Bottom int `yaml:"bottom" envconfig:"BOTTOM"`
}

// HostConfig binds the daemon to host commands. Commands are argv lists.
type HostConfig struct {
	GrantsDir       string        `yaml:"grants_dir" envconfig:"GRANTS_DIR"`
	GrantHelper     []string      `yaml:"grant_helper,omitempty" envconfig:"GRANT_HELPER"`
	PinCommand      []string      `yaml:"pin_command,omitempty" envconfig:"PIN_COMMAND"`
	UnpinCommand    []string      `yaml:"unpin_command,omitempty" envconfig:"UNPIN_COMMAND"`
	SuppressCommand []string      `yaml:"suppress_command,omitempty" envconfig:"SUPPRESS_COMMAND"`
	OverlayHelper   []string      `yaml:"overlay_helper,omitempty" envconfig:"OVERLAY_HELPER"`
	OverlayHeight   int           `yaml:"overlay_height" envconfig:"OVERLAY_HEIGHT"`
	EdgeHeights     EdgeHeights   `yaml:"edge_heights" envconfig:"EDGE_HEIGHTS"`
	CommandTimeout  time.Duration `yaml:"command_timeout" envconfig:"COMMAND_TIMEOUT"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Backend string `yaml:"backend" envconfig:"BACKEND"`
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`
}

// MetricsConfig configures the prometheus endpoint. Empty ListenAddr disables it.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	Dir   string `yaml:"dir" envconfig:"DIR"`
	Level string `yaml:"level" envconfig:"LEVEL"`
}

// Default returns the built-in configuration. The target and directories are
// left empty; directories are filled by ResolveDirs.
func Default() *Config {
	sup := usecase.DefaultSupervisorConfig(domain.TargetApp{})
	return &Config{
		Target: TargetConfig{
			ActivityWindow: 20 * time.Second,
		},
		Timing: TimingConfig{
			SettleDelay:          sup.SettleDelay,
			ReevaluateDelay:      sup.ReevaluateDelay,
			OverlayRetryDelay:    sup.OverlayRetryDelay,
			EntryStepDelay:       sup.EntryStepDelay,
			ExitConfirmWindow:    sup.ExitConfirmWindow,
			WatchdogInitialDelay: sup.Watchdog.InitialDelay,
			PollInterval:         sup.Watchdog.PollInterval,
			MissThreshold:        sup.Watchdog.MissThreshold,
			RelaunchCooldown:     sup.Watchdog.RelaunchCooldown,
			EnforcementInterval:  sup.Enforcement.Interval,
			StabilizationDelay:   10 * time.Second,
		},
		Host: HostConfig{
			EdgeHeights:    EdgeHeights{Top: 24, Bottom: 48},
			CommandTimeout: 5 * time.Second,
		},
		Store: StoreConfig{Backend: BackendSQLCipher},
		Log:   LogConfig{Level: "info"},
	}
}

// Load returns Default overlaid with the YAML file at path and then with
// environment overrides. A missing file is not an error; an empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ResolveDirs fills any unset directory from the execution mode defaults.
func (c *Config) ResolveDirs(dataDir, logDir string) {
	if c.Store.DataDir == "" {
		c.Store.DataDir = dataDir
	}
	if c.Log.Dir == "" {
		c.Log.Dir = logDir
	}
	if c.Host.GrantsDir == "" && c.Store.DataDir != "" {
		c.Host.GrantsDir = filepath.Join(c.Store.DataDir, "grants")
	}
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if c.Target.AppID == "" {
		return errors.New("target.app_id is required")
	}
	if len(c.Target.LaunchCommand) == 0 {
		return errors.New("target.launch_command is required")
	}
	if c.Target.ActivityWindow < 0 {
		return errors.New("target.activity_window must not be negative")
	}

	positive := map[string]time.Duration{
		"timing.exit_confirm_window":  c.Timing.ExitConfirmWindow,
		"timing.poll_interval":        c.Timing.PollInterval,
		"timing.enforcement_interval": c.Timing.EnforcementInterval,
		"host.command_timeout":        c.Host.CommandTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	nonNegative := map[string]time.Duration{
		"timing.settle_delay":        c.Timing.SettleDelay,
		"timing.reevaluate_delay":    c.Timing.ReevaluateDelay,
		"timing.overlay_retry_delay": c.Timing.OverlayRetryDelay,
		"timing.entry_step_delay":    c.Timing.EntryStepDelay,
		"timing.initial_delay":       c.Timing.WatchdogInitialDelay,
		"timing.relaunch_cooldown":   c.Timing.RelaunchCooldown,
		"timing.stabilization_delay": c.Timing.StabilizationDelay,
	}
	for name, d := range nonNegative {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}

	if c.Timing.MissThreshold == 0 {
		return errors.New("timing.miss_threshold must be at least 1")
	}
	if c.Host.EdgeHeights.Top < 0 || c.Host.EdgeHeights.Bottom < 0 || c.Host.OverlayHeight < 0 {
		return errors.New("host heights must not be negative")
	}

	switch c.Store.Backend {
	case BackendSQLCipher, BackendFile:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// TargetApp returns the configured target.
func (c *Config) TargetApp() domain.TargetApp {
	return domain.TargetApp{
		ID:            c.Target.AppID,
		LaunchCommand: c.Target.LaunchCommand,
		ProcessNames:  c.Target.ProcessNames,
	}
}

// EdgeHeightMap returns the system bar heights keyed by edge.
func (c *Config) EdgeHeightMap() map[domain.Edge]int {
	return map[domain.Edge]int{
		domain.EdgeTop:    c.Host.EdgeHeights.Top,
		domain.EdgeBottom: c.Host.EdgeHeights.Bottom,
	}
}

// WatchdogConfig returns the target watchdog settings.
func (c *Config) WatchdogConfig() daemon.WatchdogConfig {
	return daemon.WatchdogConfig{
		InitialDelay:     c.Timing.WatchdogInitialDelay,
		PollInterval:     c.Timing.PollInterval,
		MissThreshold:    c.Timing.MissThreshold,
		RelaunchCooldown: c.Timing.RelaunchCooldown,
	}
}

// EnforcementConfig returns the enforcement loop settings.
func (c *Config) EnforcementConfig() daemon.EnforcementConfig {
	return daemon.EnforcementConfig{Interval: c.Timing.EnforcementInterval}
}

// SupervisorConfig returns the supervisor settings.
func (c *Config) SupervisorConfig() usecase.SupervisorConfig {
	return usecase.SupervisorConfig{
		Target:            c.TargetApp(),
		SettleDelay:       c.Timing.SettleDelay,
		ReevaluateDelay:   c.Timing.ReevaluateDelay,
		OverlayRetryDelay: c.Timing.OverlayRetryDelay,
		EntryStepDelay:    c.Timing.EntryStepDelay,
		ExitConfirmWindow: c.Timing.ExitConfirmWindow,
		Watchdog:          c.WatchdogConfig(),
		Enforcement:       c.EnforcementConfig(),
	}
}
