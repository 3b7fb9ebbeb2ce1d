package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manaflow-ai/tabrelay/internal/browser"
	"github.com/manaflow-ai/tabrelay/internal/config"
	"github.com/manaflow-ai/tabrelay/internal/conn"
	"github.com/manaflow-ai/tabrelay/internal/dispatch"
	"github.com/manaflow-ai/tabrelay/internal/executor"
	"github.com/manaflow-ai/tabrelay/internal/history"
	"github.com/manaflow-ai/tabrelay/internal/netcapture"
	"github.com/manaflow-ai/tabrelay/internal/orchestrator"
	"github.com/manaflow-ai/tabrelay/internal/router"
	"github.com/manaflow-ai/tabrelay/internal/state"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay",
	Long: `Start the relay: launch (or attach to) Chrome, connect to the controller
and relay its commands into the active tab until interrupted.

Examples:
  tabrelay run
  tabrelay run --cdp-url http://localhost:9222
  tabrelay run --controller-url wss://controller.example/ws/automation/ --headless`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRelay(ctx, cfg)
	},
}

func init() {
	f := runCmd.Flags()
	f.String("controller-url", "", "Controller websocket URL")
	f.String("cdp-url", "", "Attach to a running Chrome (ws:// or http://) instead of launching one")
	f.Bool("headless", false, "Launch Chrome headless")
	f.String("profile-dir", "", "Chrome profile directory for a launched browser")
	f.String("control-addr", "", "Listen address of the local control surface")
	f.Bool("capture", false, "Start network capture immediately")
	f.String("log-level", "", "Log level (debug, info, warn, error)")
	f.String("log-format", "", "Log format (text, json)")
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg.Log, os.Stderr)

	st, err := state.Open(cfg.State.Path)
	if err != nil {
		return err
	}

	var hist orchestrator.History
	if cfg.History.Path != "" {
		h, err := history.Open(cfg.History.Path, cfg.History.MaxRows)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer h.Close()
		hist = h
	}

	registry := executor.Default(executor.Options{
		NavigateGrace: config.Duration(cfg.Relay.NavigateGrace),
		ScrollSettle:  config.Duration(cfg.Relay.ScrollSettle),
		Logger:        log,
	})

	transport := conn.New(conn.Options{
		URL:              cfg.Controller.URL,
		ReconnectDelay:   config.Duration(cfg.Controller.ReconnectDelay),
		LivenessInterval: config.Duration(cfg.Controller.LivenessInterval),
		HandshakeTimeout: config.Duration(cfg.Controller.HandshakeTimeout),
		ClientID:         cfg.Controller.HandshakeID,
		Version:          versionStr,
		Logger:           log,
	})

	chrome := browser.NewManager(browser.Options{
		CDPURL:     cfg.Browser.CDPURL,
		Headless:   cfg.Browser.Headless,
		ProfileDir: cfg.Browser.ProfileDir,
		Logger:     log,
	})
	defer chrome.Close()

	capture := netcapture.New(chrome, orchestrator.NetworkSink(transport), netcapture.Options{
		MaxValueBytes: cfg.Capture.MaxValueBytes,
		Logger:        log,
	})

	rt := router.New(chrome, registry, router.Options{
		Timeout: config.Duration(cfg.Relay.RouterTimeout),
		Dispatch: dispatch.Options{
			CommandTimeout:    config.Duration(cfg.Relay.CommandTimeout),
			NavigationTimeout: config.Duration(cfg.Relay.NavigationTimeout),
			Capture:           capture,
			Logger:            log,
		},
		Logger: log,
	})

	if err := chrome.Start(ctx, rt); err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Transport: transport,
		Router:    rt,
		Registry:  registry,
		State:     st,
		Capture:   capture,
		Activator: chrome,
		History:   hist,
	}, orchestrator.Options{
		ControlAddr:    cfg.Control.Addr,
		SweepInterval:  config.Duration(cfg.Relay.SweepInterval),
		CaptureOnStart: cfg.Capture.Enabled,
		Version:        versionStr,
		Logger:         log,
	})

	log.Info("relay starting", "controller", cfg.Controller.URL, "enabled", st.Enabled(), "version", versionStr)
	return orch.Run(ctx)
}
