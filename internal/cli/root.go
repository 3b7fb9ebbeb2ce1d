// Package cli implements the tabrelay command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/manaflow-ai/tabrelay/internal/config"
)

var (
	// Global flags
	flagJSON    bool
	flagVerbose bool
	flagConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "tabrelay",
	Short: "tabrelay - remote-control a browser tab from an automation controller",
	Long: `tabrelay connects a Chrome tab to an automation controller over a
websocket and relays the controller's commands into the page.

Quick start:
  tabrelay config init            # Write ~/.tabrelay/config.yaml
  tabrelay run                    # Launch Chrome and connect to the controller
  tabrelay status                 # Show connection state and the active tab
  tabrelay toggle off             # Disconnect and stay disconnected
  tabrelay parse 'send_keys|#q|hi' # Show how a wire command is parsed`,
	// Silence usage and errors - we handle our own error output
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagConfig != "" {
			os.Setenv("TABRELAY_CONFIG", flagConfig)
		}
	},
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.tabrelay/config.yaml)")

	rootCmd.AddCommand(versionCmd)

	// Daemon
	rootCmd.AddCommand(runCmd)

	// Control surface clients
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(toggleCmd)
	rootCmd.AddCommand(reconnectCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(historyCmd)

	// Offline tools
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

var (
	versionStr   = "dev"
	commitStr    = "unknown"
	buildTimeStr = "unknown"
)

func SetVersionInfo(version, commit, buildTime string) {
	versionStr = version
	commitStr = commit
	buildTimeStr = buildTime
	rootCmd.Version = version
	rootCmd.SetVersionTemplate("tabrelay version {{.Version}}\n")
}

// loadConfig loads configuration, letting flags that were set override it.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(flags)
	if err != nil {
		return nil, err
	}
	if flagVerbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Helper to check if output is a terminal
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// wantJSON reports whether output should be JSON: asked for, or piped.
func wantJSON(cmd *cobra.Command) bool {
	if flagJSON {
		return true
	}
	f, ok := cmd.OutOrStdout().(*os.File)
	return ok && !isTerminal(f)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
