package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manaflow-ai/tabrelay/internal/command"
	"github.com/manaflow-ai/tabrelay/internal/executor"
)

var commandsAliases bool

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the commands the relay understands",
	RunE: func(cmd *cobra.Command, args []string) error {
		list := executor.Default(executor.Options{}).List()
		w := cmd.OutOrStdout()

		if wantJSON(cmd) {
			type entry struct {
				executor.CommandInfo
				Aliases []string `json:"aliases,omitempty"`
			}
			out := make([]entry, 0, len(list))
			for _, c := range list {
				out = append(out, entry{CommandInfo: c, Aliases: sortedAliases(c.Name)})
			}
			return printJSON(w, out)
		}

		headers := []string{"COMMAND", "CATEGORY", "NAVIGATES"}
		if commandsAliases {
			headers = append(headers, "ALIASES")
		}
		t := &table{headers: headers}
		for _, c := range list {
			nav := ""
			if c.Navigation {
				nav = "yes"
			}
			row := []string{c.Name, string(c.Category), nav}
			if commandsAliases {
				row = append(row, strings.Join(sortedAliases(c.Name), ", "))
			}
			t.add(row...)
		}
		t.render(w)
		fmt.Fprintf(w, "\n%s\n", dimStyle.Render(fmt.Sprintf("%d commands", len(list))))
		return nil
	},
}

func sortedAliases(name string) []string {
	a := command.Aliases(name)
	slices.Sort(a)
	return a
}

func init() {
	commandsCmd.Flags().BoolVar(&commandsAliases, "aliases", false, "Show accepted alternate spellings")
}
