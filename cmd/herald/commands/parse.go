package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/herald/internal/command"
	"github.com/dyluth/herald/internal/printer"
	"github.com/spf13/cobra"
)

func newParseCmd() *cobra.Command {
	var botName string

	cmd := &cobra.Command{
		Use:   "parse COMMENT...",
		Short: "Show how a comment body is recognized",
		Long: `Parse a comment body the way the bot does and print the result.

The arguments are joined with spaces to form the comment body.

Examples:
  herald parse "@herald /publish https://github.com/ucb/lib.git v1.0.0"
  herald parse --bot my-bot "@my-bot /publish https://example.com/x.git"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.Join(args, " ")

			publish, err := command.Parse(body, botName)
			switch {
			case errors.Is(err, command.ErrMalformed):
				return printer.Error(
					"malformed command",
					fmt.Sprintf("The comment mentions @%s but does not carry a valid command.", botName),
					[]string{fmt.Sprintf("Use: @%s /publish <source-url> [<ref>]", botName)},
				)
			case err != nil:
				return err
			case publish == nil:
				printer.Info("no command\n")
				return nil
			}

			printer.Info("publish\n")
			printer.Info("  source: %s\n", publish.SourceURL)
			if publish.Ref != "" {
				printer.Info("  ref:    %s\n", publish.Ref)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&botName, "bot", envOr("HERALD_BOT_NAME", "herald"), "Bot name to look for in mentions")
	return cmd
}
