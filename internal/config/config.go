// Package config loads tabrelay settings from defaults, a YAML file, the
// environment and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. TABRELAY_CONTROLLER_URL.
const EnvPrefix = "TABRELAY"

// Config is the global tabrelay configuration
type Config struct {
	// tabrelay home directory
	Home string `yaml:"-" mapstructure:"-"`

	// Controller socket settings
	Controller ControllerConfig `yaml:"controller" mapstructure:"controller"`

	// Browser connection settings
	Browser BrowserConfig `yaml:"browser" mapstructure:"browser"`

	// Command relay timings
	Relay RelayConfig `yaml:"relay" mapstructure:"relay"`

	// Network capture settings
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"`

	// Local control surface
	Control ControlConfig `yaml:"control" mapstructure:"control"`

	State   StateConfig   `yaml:"state" mapstructure:"state"`
	History HistoryConfig `yaml:"history" mapstructure:"history"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

type ControllerConfig struct {
	URL              string `yaml:"url" mapstructure:"url"`
	ReconnectDelay   string `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
	LivenessInterval string `yaml:"liveness_interval" mapstructure:"liveness_interval"`
	HandshakeTimeout string `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	HandshakeID      string `yaml:"handshake_id" mapstructure:"handshake_id"`
}

type BrowserConfig struct {
	// CDPURL connects to a running Chrome; empty launches one
	CDPURL     string `yaml:"cdp_url" mapstructure:"cdp_url"`
	Headless   bool   `yaml:"headless" mapstructure:"headless"`
	ProfileDir string `yaml:"profile_dir" mapstructure:"profile_dir"`
}

type RelayConfig struct {
	CommandTimeout    string `yaml:"command_timeout" mapstructure:"command_timeout"`
	NavigationTimeout string `yaml:"navigation_timeout" mapstructure:"navigation_timeout"`
	RouterTimeout     string `yaml:"router_timeout" mapstructure:"router_timeout"`
	NavigateGrace     string `yaml:"navigate_grace" mapstructure:"navigate_grace"`
	ScrollSettle      string `yaml:"scroll_settle" mapstructure:"scroll_settle"`
	SweepInterval     string `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

type CaptureConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// MaxValueBytes truncates long string values in event payloads
	MaxValueBytes int `yaml:"max_value_bytes" mapstructure:"max_value_bytes"`
}

type ControlConfig struct {
	// Addr is the listen address; empty disables the control surface
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type StateConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

type HistoryConfig struct {
	// Path of the sqlite database; empty disables history
	Path    string `yaml:"path" mapstructure:"path"`
	MaxRows int    `yaml:"max_rows" mapstructure:"max_rows"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Home returns the tabrelay home directory
func Home() string {
	if home := os.Getenv("TABRELAY_HOME"); home != "" {
		return home
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tabrelay")
}

// Path returns the config file location
func Path() string {
	if p := os.Getenv("TABRELAY_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(Home(), "config.yaml")
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"controller-url": "controller.url",
	"cdp-url":        "browser.cdp_url",
	"headless":       "browser.headless",
	"profile-dir":    "browser.profile_dir",
	"control-addr":   "control.addr",
	"capture":        "capture.enabled",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

// Load layers defaults, the config file, TABRELAY_* variables and any flags
// in flags that were set. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	path := Path()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if os.Getenv("TABRELAY_CONFIG") != "" {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg = expandConfigPaths(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("controller.url", d.Controller.URL)
	v.SetDefault("controller.reconnect_delay", d.Controller.ReconnectDelay)
	v.SetDefault("controller.liveness_interval", d.Controller.LivenessInterval)
	v.SetDefault("controller.handshake_timeout", d.Controller.HandshakeTimeout)
	v.SetDefault("controller.handshake_id", d.Controller.HandshakeID)
	v.SetDefault("browser.cdp_url", d.Browser.CDPURL)
	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.profile_dir", d.Browser.ProfileDir)
	v.SetDefault("relay.command_timeout", d.Relay.CommandTimeout)
	v.SetDefault("relay.navigation_timeout", d.Relay.NavigationTimeout)
	v.SetDefault("relay.router_timeout", d.Relay.RouterTimeout)
	v.SetDefault("relay.navigate_grace", d.Relay.NavigateGrace)
	v.SetDefault("relay.scroll_settle", d.Relay.ScrollSettle)
	v.SetDefault("relay.sweep_interval", d.Relay.SweepInterval)
	v.SetDefault("capture.enabled", d.Capture.Enabled)
	v.SetDefault("capture.max_value_bytes", d.Capture.MaxValueBytes)
	v.SetDefault("control.addr", d.Control.Addr)
	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("history.max_rows", d.History.MaxRows)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// expandConfigPaths expands all path fields in the config
func expandConfigPaths(cfg *Config) *Config {
	cfg.Home = Home()
	cfg.Browser.ProfileDir = expandPath(cfg.Browser.ProfileDir)
	cfg.State.Path = expandPath(cfg.State.Path)
	cfg.History.Path = expandPath(cfg.History.Path)
	return cfg
}

func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Duration parses a duration-valued setting. Validate rejects values that
// do not parse, so a validated config never yields zero here by accident.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []string

	u, err := url.Parse(c.Controller.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("controller.url must be a ws:// or wss:// URL, got %q", c.Controller.URL))
	}
	if c.Controller.HandshakeID == "" {
		errs = append(errs, "controller.handshake_id must not be empty")
	}

	durations := []struct {
		key   string
		value string
	}{
		{"controller.reconnect_delay", c.Controller.ReconnectDelay},
		{"controller.liveness_interval", c.Controller.LivenessInterval},
		{"controller.handshake_timeout", c.Controller.HandshakeTimeout},
		{"relay.command_timeout", c.Relay.CommandTimeout},
		{"relay.navigation_timeout", c.Relay.NavigationTimeout},
		{"relay.router_timeout", c.Relay.RouterTimeout},
		{"relay.sweep_interval", c.Relay.SweepInterval},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be a positive duration, got %q", d.key, d.value))
		}
	}
	for _, d := range []struct{ key, value string }{
		{"relay.navigate_grace", c.Relay.NavigateGrace},
		{"relay.scroll_settle", c.Relay.ScrollSettle},
	} {
		if v, err := time.ParseDuration(d.value); err != nil || v < 0 {
			errs = append(errs, fmt.Sprintf("%s must be a duration, got %q", d.key, d.value))
		}
	}
	if Duration(c.Relay.RouterTimeout) > 0 && Duration(c.Relay.RouterTimeout) < Duration(c.Relay.CommandTimeout) {
		errs = append(errs, "relay.router_timeout must not be shorter than relay.command_timeout")
	}

	if c.Browser.CDPURL != "" {
		u, err := url.Parse(c.Browser.CDPURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "http") {
			errs = append(errs, fmt.Sprintf("browser.cdp_url must be a ws:// or http:// URL, got %q", c.Browser.CDPURL))
		}
	}
	if c.Capture.MaxValueBytes < 0 {
		errs = append(errs, "capture.max_value_bytes must not be negative")
	}
	if c.Control.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Control.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("control.addr is not host:port: %v", err))
		}
	}
	if c.State.Path == "" {
		errs = append(errs, "state.path must not be empty")
	}
	if c.History.MaxRows < 0 {
		errs = append(errs, "history.max_rows must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// YAML renders the configuration as a config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ErrExists is returned by WriteDefault when the file is already there.
var ErrExists = errors.New("config file already exists")

// WriteDefault writes the default configuration to path. An existing file
// is kept unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := DefaultConfig().YAML()
	if err != nil {
		return err
	}
	header := []byte("# tabrelay configuration. Environment variables TABRELAY_<SECTION>_<KEY> override these values.\n")
	return os.WriteFile(path, append(header, data...), 0o644)
}
