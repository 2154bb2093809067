package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spiffcs/stalebot/config"
	"github.com/spiffcs/stalebot/internal/duration"
	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/output"
)

// NewCmdHistory creates the history command with its listing subcommands.
func NewCmdHistory(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the notification, comment and archive history",
		Long: `Inspect what stalebot has already done. Each subcommand reads the
history database named by database_path.`,
	}

	cmd.AddCommand(newHistoryCmd(opts, "notifications", "List recorded email notifications",
		func(ctx context.Context, s *history.Store, since time.Time, f output.Formatter, c *cobra.Command) error {
			recs, err := s.ListNotifications(ctx, since)
			if err != nil {
				return err
			}
			return f.FormatNotifications(recs, c.OutOrStdout())
		}))
	cmd.AddCommand(newHistoryCmd(opts, "comments", "List recorded reminder comments",
		func(ctx context.Context, s *history.Store, since time.Time, f output.Formatter, c *cobra.Command) error {
			recs, err := s.ListComments(ctx, since)
			if err != nil {
				return err
			}
			return f.FormatComments(recs, c.OutOrStdout())
		}))
	cmd.AddCommand(newHistoryCmd(opts, "archives", "List branch archive records",
		func(ctx context.Context, s *history.Store, since time.Time, f output.Formatter, c *cobra.Command) error {
			recs, err := s.ListArchives(ctx, since)
			if err != nil {
				return err
			}
			return f.FormatArchives(recs, c.OutOrStdout())
		}))

	return cmd
}

type historyLister func(ctx context.Context, s *history.Store, since time.Time, f output.Formatter, c *cobra.Command) error

func newHistoryCmd(opts *Options, use, short string, list historyLister) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(c *cobra.Command, _ []string) error {
			format, err := output.ParseFormat(opts.Format)
			if err != nil {
				return err
			}
			since, err := duration.Since(opts.Since, time.Now())
			if err != nil {
				return err
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := history.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open history store: %w", err)
			}
			defer store.Close()
			return list(c.Context(), store, since, output.NewFormatter(format), c)
		},
	}
	cmd.Flags().StringVarP(&opts.Since, "since", "s", "", "Only show entries newer than this (e.g. 1w, 30d, 6mo)")
	cmd.Flags().StringVarP(&opts.Format, "output", "o", "table", "Output format (table, json)")
	return cmd
}
