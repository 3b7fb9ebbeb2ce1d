package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manaflow-ai/tabrelay/internal/orchestrator"
)

// controlClient returns a client for the running relay's control surface.
func controlClient(cmd *cobra.Command) (*orchestrator.Client, error) {
	cfg, err := loadConfig(nil)
	if err != nil {
		return nil, err
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Control.Addr
	}
	if addr == "" {
		return nil, fmt.Errorf("control surface is disabled (control.addr is empty)")
	}
	return orchestrator.NewClient(addr), nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient(cmd)
		if err != nil {
			return err
		}
		st, err := client.State()
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), st)
		}

		w := cmd.OutOrStdout()
		enabled := "disabled"
		if st.Enabled {
			enabled = "enabled"
		}
		fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Connection:"), stateStyle(string(st.ConnectionState)).Render(string(st.ConnectionState)))
		fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Relay:     "), stateStyle(enabled).Render(enabled))
		if st.ActiveTarget != nil {
			fmt.Fprintf(w, "%s %s %s\n", headerStyle.Render("Active tab:"), st.ActiveTarget.ID, dimStyle.Render(st.ActiveTarget.URL))
		} else {
			fmt.Fprintf(w, "%s %s\n", headerStyle.Render("Active tab:"), dimStyle.Render("none"))
		}
		if st.Capture != nil {
			fmt.Fprintf(w, "%s enabled=%v sent=%d dropped=%d\n", headerStyle.Render("Capture:   "), st.Capture.Enabled, st.Capture.Sent, st.Capture.Dropped)
		}
		fmt.Fprintf(w, "%s %d\n", headerStyle.Render("Pending:   "), len(st.Pending))
		for _, p := range st.Pending {
			fmt.Fprintf(w, "  %s %s %s\n", p.ID, p.Name, dimStyle.Render("since "+p.StartedAt.Format("15:04:05")))
		}
		return nil
	},
}

var toggleCmd = &cobra.Command{
	Use:       "toggle on|off",
	Short:     "Enable or disable the relay",
	Long:      "Enable or disable the relay. The setting survives restarts.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled bool
		switch strings.ToLower(args[0]) {
		case "on", "enable", "true":
			enabled = true
		case "off", "disable", "false":
			enabled = false
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		client, err := controlClient(cmd)
		if err != nil {
			return err
		}
		got, err := client.Toggle(enabled)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), map[string]bool{"enabled": got})
		}
		if got {
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("Relay enabled"))
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), warnStyle.Render("Relay disabled"))
		}
		return nil
	},
}

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Reconnect to the controller now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient(cmd)
		if err != nil {
			return err
		}
		status, err := client.Reconnect()
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), map[string]string{"status": status})
		}
		fmt.Fprintln(cmd.OutOrStdout(), status)
		return nil
	},
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List browser tabs known to the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient(cmd)
		if err != nil {
			return err
		}
		targets, err := client.Targets()
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), targets)
		}
		if len(targets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tabs known yet.")
			return nil
		}
		t := &table{headers: []string{"", "ID", "ARENA", "URL"}}
		for _, tg := range targets {
			mark := ""
			if tg.Active {
				mark = "*"
			}
			t.add(mark, tg.ID, tg.Arena, truncate(tg.URL, 60))
		}
		t.render(cmd.OutOrStdout())
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <target-id>",
	Short: "Make a tab the active target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient(cmd)
		if err != nil {
			return err
		}
		if err := client.Activate(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Active tab: %s\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, toggleCmd, reconnectCmd, targetsCmd, activateCmd, historyCmd} {
		c.Flags().String("addr", "", "Control surface address (default from control.addr)")
	}
}
