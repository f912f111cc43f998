package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/herald/internal/ledger"
	"github.com/dyluth/herald/internal/listing"
	"github.com/dyluth/herald/internal/manifest"
	"github.com/dyluth/herald/internal/printer"
	"github.com/spf13/cobra"
)

func newPackagesCmd() *cobra.Command {
	var (
		group  string
		output string
		opts   ledger.Options
	)

	cmd := &cobra.Command{
		Use:   "packages",
		Short: "List published packages recorded in the ledger",
		Long: `List published packages recorded in the ledger.

Output Formats:
  table - Human-readable table with package, version, owner and description
  jsonl - Line-delimited JSON, one package version per line

Examples:
  # All packages in the local SQLite ledger
  herald packages

  # One group as JSONL from a shared Redis ledger
  herald packages --group ucb --output jsonl --ledger redis --instance prod`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "jsonl" {
				return printer.Error(
					"invalid output format",
					fmt.Sprintf("Unknown format: %s", output),
					[]string{"Valid formats: table, jsonl"},
				)
			}

			ctx := context.Background()
			l, err := ledger.Open(ctx, opts)
			if err != nil {
				return printer.ErrorWithContext(
					"failed to open ledger",
					err.Error(),
					map[string]string{"backend": opts.Backend, "path": opts.Path, "instance": opts.Instance},
					[]string{"Check HERALD_LEDGER, HERALD_DB_PATH and REDIS_URL"},
				)
			}
			defer l.Close()

			packages, err := l.QueryPackages(ctx, manifest.Normalize(group))
			if err != nil {
				return fmt.Errorf("failed to query packages: %w", err)
			}
			listing.Sort(packages)

			rows, err := listing.Rows(ctx, l, packages)
			if err != nil {
				return fmt.Errorf("failed to resolve owners: %w", err)
			}

			if output == "jsonl" {
				return listing.FormatJSONL(cmd.OutOrStdout(), rows)
			}
			if len(rows) == 0 {
				printer.Warning("No packages found\n")
				return nil
			}
			_, err = listing.FormatTable(cmd.OutOrStdout(), rows)
			return err
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "Only list packages of this group")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or jsonl")
	cmd.Flags().StringVar(&opts.Backend, "ledger", envOr("HERALD_LEDGER", ledger.BackendSQLite), "Ledger backend: sqlite or redis")
	cmd.Flags().StringVar(&opts.Path, "db", envOr("HERALD_DB_PATH", "herald.db"), "SQLite database file")
	cmd.Flags().StringVar(&opts.RedisURL, "redis-url", envOr("REDIS_URL", ""), "Redis connection URL")
	cmd.Flags().StringVar(&opts.Instance, "instance", envOr("HERALD_INSTANCE", ""), "Redis key namespace")
	return cmd
}
