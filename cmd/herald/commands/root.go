package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var versionString = "dev"

// NewRootCmd builds the herald command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "herald",
		Short: "herald - chat-operated package registry bot",
		Long: `herald publishes packages to a git-backed registry on request.

Collaborators mention the bot on the registry's tracking issue with
"/publish <source-url> [<ref>]". herald builds the package, stores the
tarball in the store repository, records it in the index repository, and
reports progress by editing the comment.`,
		Version: versionString,
		// Show help instead of silently succeeding without a subcommand
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}

	root.AddCommand(newRunCmd(), newPackagesCmd(), newParseCmd())
	return root
}

// Execute runs the CLI with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version reported by --version.
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
