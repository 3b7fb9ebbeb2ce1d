package cli

import (
	"github.com/spf13/cobra"

	"github.com/manaflow-ai/tabrelay/internal/command"
)

var parseCmd = &cobra.Command{
	Use:   "parse <wire-command>",
	Short: "Show how a wire command is parsed",
	Long: `Parse a pipe-delimited wire command and print the resulting command as JSON.
Quote the argument so the shell does not interpret the pipes.

Examples:
  tabrelay parse 'navigate|https://example.com'
  tabrelay parse "send_keys|//input[@id='q']|hello"
  tabrelay parse 'clickElement|{"selector":"#go"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := command.ParseWire(args[0])
		if err != nil {
			return err
		}
		params := c.Params
		if params == nil {
			params = command.Params{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"name":   c.Name,
			"params": params,
		})
	},
}
