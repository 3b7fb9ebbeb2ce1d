package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/history"
)

var (
	historyCommand string
	historyStatus  string
	historyLimit   int
	historyStats   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently relayed commands",
	Long: `Show commands the running relay has executed, newest first.

Examples:
  tabrelay history
  tabrelay history --command navigate --limit 10
  tabrelay history --status error
  tabrelay history --stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient(cmd)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()

		if historyStats {
			stats, err := client.HistoryStats()
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(w, stats)
			}
			t := &table{headers: []string{"COMMAND", "RUNS", "OK", "FAILED", "AVG", "LAST RUN"}}
			for _, s := range stats {
				t.add(s.Name,
					strconv.Itoa(s.Attempted),
					strconv.Itoa(s.Succeeded),
					strconv.Itoa(s.Failed),
					s.AvgDuration.Round(time.Millisecond).String(),
					s.LastRun.Local().Format("2006-01-02 15:04:05"))
			}
			t.render(w)
			return nil
		}

		status := command.Status(historyStatus)
		if status != "" && status != command.StatusSuccess && status != command.StatusError {
			return fmt.Errorf("--status must be %q or %q", command.StatusSuccess, command.StatusError)
		}
		entries, err := client.History(history.Filter{
			Name:   command.Normalize(historyCommand),
			Status: status,
			Limit:  historyLimit,
		})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(w, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(w, "No commands recorded.")
			return nil
		}
		t := &table{
			headers: []string{"TIME", "COMMAND", "STATUS", "DURATION", "ERROR"},
			style: func(row []string) (int, lipgloss.Style) {
				return 2, stateStyle(row[2])
			},
		}
		for _, e := range entries {
			errText := ""
			if e.ErrorCode != "" {
				errText = e.ErrorCode + ": " + truncate(e.ErrorMessage, 50)
			}
			t.add(e.CreatedAt.Local().Format("15:04:05"),
				e.Name,
				string(e.Status),
				e.Duration.Round(time.Millisecond).String(),
				errText)
		}
		t.render(w)
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyCommand, "command", "", "Only show this command (aliases accepted)")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only show success or error")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum entries to show")
	historyCmd.Flags().BoolVar(&historyStats, "stats", false, "Show per-command statistics instead")
}
