// Package config loads and validates finder configuration via Viper.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/appointment-finder/internal/logging"
	"github.com/JakeFAU/appointment-finder/internal/orchestrator"
	"github.com/JakeFAU/appointment-finder/internal/probe"
	"github.com/JakeFAU/appointment-finder/internal/probe/headless"
	"github.com/JakeFAU/appointment-finder/internal/probe/static"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/reporter"
	"github.com/JakeFAU/appointment-finder/internal/vault"
)

// Probe modes.
const (
	ModeStatic   = "static"
	ModeHeadless = "headless"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig                  `mapstructure:"server"`
	Logging  logging.Config                `mapstructure:"logging"`
	Vault    vault.Config                  `mapstructure:"vault"`
	Scratch  ScratchConfig                 `mapstructure:"scratch"`
	Reporter ReporterConfig                `mapstructure:"reporter"`
	EventLog EventLogConfig                `mapstructure:"eventlog"`
	Search   SearchConfig                  `mapstructure:"search"`
	Probe    ProbeConfig                   `mapstructure:"probe"`
	Targets  map[string]probe.TargetConfig `mapstructure:"targets"`
}

// ServerConfig controls the local control API.
type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// ScratchConfig locates per-worker scratch space.
type ScratchConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// ReporterConfig tunes the status loop.
type ReporterConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
	Window     int `mapstructure:"window"`
}

// EventLogConfig bounds the user-facing log.
type EventLogConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// SearchConfig holds run defaults.
type SearchConfig struct {
	// Autobook is the global toggle targets with the "follow" policy inherit.
	Autobook bool `mapstructure:"autobook"`
}

// ProbeConfig configures the reference worker.
type ProbeConfig struct {
	Mode                   string `mapstructure:"mode"`
	PollIntervalSeconds    int    `mapstructure:"poll_interval_seconds"`
	TokenPollMs            int    `mapstructure:"token_poll_ms"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures"`
	UserAgent              string `mapstructure:"user_agent"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds"`
	Headless               bool   `mapstructure:"headless"`
	NavTimeoutSeconds      int    `mapstructure:"nav_timeout_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("vault.key_path", "secret.key")
	v.SetDefault("vault.config_path", "config.json")
	v.SetDefault("scratch.base_dir", "browser_data")
	v.SetDefault("reporter.interval_ms", 500)
	v.SetDefault("reporter.window", 10)
	v.SetDefault("eventlog.capacity", 500)
	v.SetDefault("search.autobook", true)
	v.SetDefault("probe.mode", ModeHeadless)
	v.SetDefault("probe.poll_interval_seconds", 30)
	v.SetDefault("probe.token_poll_ms", 250)
	v.SetDefault("probe.max_consecutive_failures", 5)
	v.SetDefault("probe.user_agent", "")
	v.SetDefault("probe.timeout_seconds", 15)
	v.SetDefault("probe.headless", false)
	v.SetDefault("probe.nav_timeout_seconds", 45)

	v.SetDefault("targets.rvsq.url", "https://www.rvsq.gouv.qc.ca/prendrerendezvous/Principale.aspx")
	v.SetDefault("targets.rvsq.available_selector", ".h-SelectAppointment")
	v.SetDefault("targets.rvsq.keyword", "")
	v.SetDefault("targets.rvsq.submit_selector", "button.h-SearchButton")
	v.SetDefault("targets.rvsq.reason_selector", "#consultingReason")
	v.SetDefault("targets.rvsq.book_selector", "")
	v.SetDefault("targets.rvsq.autobook", "never")
	v.SetDefault("targets.rvsq.fields", map[string]string{
		"first_name":      "#FirstName",
		"last_name":       "#LastName",
		"nam":             "#NAM",
		"card_seq_number": "#CardSeqNumber",
		"birth_day":       "#DOBDay",
		"birth_month":     "#DOBMonth",
		"birth_year":      "#DOBYear",
		"postal_code":     "#PostalCode",
		"cellphone":       "#CellNumber",
		"email":           "#Email",
	})

	v.SetDefault("targets.bonjoursante.url", "https://bonjour-sante.ca/prendre-rendez-vous")
	v.SetDefault("targets.bonjoursante.available_selector", ".availability-slot")
	v.SetDefault("targets.bonjoursante.keyword", "")
	v.SetDefault("targets.bonjoursante.submit_selector", "button[type=submit]")
	v.SetDefault("targets.bonjoursante.reason_selector", "")
	v.SetDefault("targets.bonjoursante.book_selector", "button.confirm-appointment")
	v.SetDefault("targets.bonjoursante.autobook", "follow")
	v.SetDefault("targets.bonjoursante.fields", map[string]string{
		"postal_code": "input[name=postalCode]",
	})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be > 0")
	}
	if c.Vault.KeyPath == "" || c.Vault.ConfigPath == "" {
		return fmt.Errorf("vault.key_path and vault.config_path must be set")
	}
	if c.Scratch.BaseDir == "" {
		return fmt.Errorf("scratch.base_dir must be set")
	}
	if c.Reporter.IntervalMs <= 0 {
		return fmt.Errorf("reporter.interval_ms must be > 0")
	}
	if c.Reporter.Window <= 0 {
		return fmt.Errorf("reporter.window must be > 0")
	}
	if c.EventLog.Capacity < c.Reporter.Window {
		return fmt.Errorf("eventlog.capacity must be >= reporter.window")
	}
	switch c.Probe.Mode {
	case ModeStatic, ModeHeadless:
	default:
		return fmt.Errorf("probe.mode must be %q or %q", ModeStatic, ModeHeadless)
	}
	if c.Probe.PollIntervalSeconds <= 0 {
		return fmt.Errorf("probe.poll_interval_seconds must be > 0")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target must be configured")
	}
	if _, _, err := c.TargetSettings(); err != nil {
		return err
	}
	return nil
}

// Addr is the API listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// ReporterSettings converts the reporter section.
func (c Config) ReporterSettings() reporter.Config {
	return reporter.Config{
		Interval: time.Duration(c.Reporter.IntervalMs) * time.Millisecond,
		Window:   c.Reporter.Window,
	}
}

// ProbeSettings converts the polling knobs.
func (c Config) ProbeSettings() probe.Config {
	return probe.Config{
		PollInterval:           time.Duration(c.Probe.PollIntervalSeconds) * time.Second,
		TokenPoll:              time.Duration(c.Probe.TokenPollMs) * time.Millisecond,
		MaxConsecutiveFailures: c.Probe.MaxConsecutiveFailures,
	}
}

// StaticSettings converts the colly checker knobs.
func (c Config) StaticSettings() static.Config {
	return static.Config{
		UserAgent: c.Probe.UserAgent,
		Timeout:   time.Duration(c.Probe.TimeoutSeconds) * time.Second,
	}
}

// HeadlessSettings converts the browser knobs.
func (c Config) HeadlessSettings() headless.Config {
	return headless.Config{
		UserAgent:         c.Probe.UserAgent,
		NavigationTimeout: time.Duration(c.Probe.NavTimeoutSeconds) * time.Second,
		Headless:          c.Probe.Headless,
	}
}

// TargetSettings parses the targets section into per-target probe settings
// and autobook policies.
func (c Config) TargetSettings() (map[profile.Target]probe.TargetConfig, map[profile.Target]orchestrator.AutobookPolicy, error) {
	settings := make(map[profile.Target]probe.TargetConfig, len(c.Targets))
	policies := make(map[profile.Target]orchestrator.AutobookPolicy, len(c.Targets))
	defaults := orchestrator.DefaultPolicies()
	for name, tc := range c.Targets {
		target, err := profile.ParseTarget(name)
		if err != nil {
			return nil, nil, fmt.Errorf("targets.%s: %w", name, err)
		}
		if err := tc.Validate(); err != nil {
			return nil, nil, fmt.Errorf("targets.%s: %w", name, err)
		}
		policy := defaults[target]
		if tc.Autobook != "" {
			if policy, err = orchestrator.ParseAutobookPolicy(tc.Autobook); err != nil {
				return nil, nil, fmt.Errorf("targets.%s: %w", name, err)
			}
		}
		// RVSQ never books on its own, whatever the file says.
		if target == profile.TargetRVSQ {
			policy = orchestrator.AutobookNever
		}
		settings[target] = tc
		policies[target] = policy
	}
	return settings, policies, nil
}
