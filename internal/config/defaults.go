package config

import "path/filepath"

// Default controller settings
const (
	DefaultControllerURL    = "ws://localhost:8000/ws/automation/"
	DefaultReconnectDelay   = "5s"
	DefaultLivenessInterval = "30s"
	DefaultHandshakeTimeout = "10s"
	DefaultHandshakeID      = "tabrelay"
)

// Default relay timings
const (
	DefaultCommandTimeout    = "30s"
	DefaultNavigationTimeout = "30s"
	DefaultRouterTimeout     = "35s"
	DefaultNavigateGrace     = "100ms"
	DefaultScrollSettle      = "300ms"
	DefaultSweepInterval     = "10s"
)

// Default local settings
const (
	DefaultControlAddr     = "127.0.0.1:18810"
	DefaultMaxValueBytes   = 4096
	DefaultHistoryMaxRows  = 10000
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultProfileDirName  = "chrome-profile"
	DefaultStateFileName   = "state.json"
	DefaultHistoryFileName = "history.db"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home := Home()

	return &Config{
		Home: home,

		Controller: ControllerConfig{
			URL:              DefaultControllerURL,
			ReconnectDelay:   DefaultReconnectDelay,
			LivenessInterval: DefaultLivenessInterval,
			HandshakeTimeout: DefaultHandshakeTimeout,
			HandshakeID:      DefaultHandshakeID,
		},

		Browser: BrowserConfig{
			Headless:   false,
			ProfileDir: filepath.Join(home, DefaultProfileDirName),
		},

		Relay: RelayConfig{
			CommandTimeout:    DefaultCommandTimeout,
			NavigationTimeout: DefaultNavigationTimeout,
			RouterTimeout:     DefaultRouterTimeout,
			NavigateGrace:     DefaultNavigateGrace,
			ScrollSettle:      DefaultScrollSettle,
			SweepInterval:     DefaultSweepInterval,
		},

		Capture: CaptureConfig{
			Enabled:       false,
			MaxValueBytes: DefaultMaxValueBytes,
		},

		Control: ControlConfig{
			Addr: DefaultControlAddr,
		},

		State: StateConfig{
			Path: filepath.Join(home, DefaultStateFileName),
		},

		History: HistoryConfig{
			Path:    filepath.Join(home, DefaultHistoryFileName),
			MaxRows: DefaultHistoryMaxRows,
		},

		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
