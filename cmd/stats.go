package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spiffcs/stalebot/internal/output"
	"github.com/spiffcs/stalebot/internal/stats"
)

// NewCmdStats creates the stats command.
func NewCmdStats(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show statistics from recent runs",
		Long:  `Show per-run counts and timing percentiles recorded after each run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Limit <= 0 {
				return fmt.Errorf("-n must be positive, got %d", opts.Limit)
			}
			format, err := output.ParseFormat(opts.Format)
			if err != nil {
				return err
			}
			store, err := stats.NewStore()
			if err != nil {
				return err
			}
			return output.NewFormatter(format).FormatStats(store.Recent(opts.Limit), cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "n", "n", 10, "Number of recent runs to show")
	cmd.Flags().StringVarP(&opts.Format, "output", "o", "table", "Output format (table, json)")
	return cmd
}
