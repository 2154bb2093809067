package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/spiffcs/stalebot/config"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/platform/github"
)

// NewCmdRateLimit creates the ratelimit command.
func NewCmdRateLimit(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Check GitHub API rate limit status",
		Long:  `Display current GitHub API rate limit status including remaining quota and reset time.`,
	}
	cmd.AddCommand(NewCmdRateLimitStatus(opts))
	return cmd
}

// NewCmdRateLimitStatus creates the ratelimit status subcommand.
func NewCmdRateLimitStatus(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current rate limit status",
		Long:  `Display the current GitHub API rate limit status for core, search and GraphQL APIs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			kind, err := cfg.Kind()
			if err != nil {
				return err
			}
			if kind != model.KindGitHub {
				return fmt.Errorf("rate limit status is only available on GitHub (platform is %s)", kind)
			}

			client, err := github.NewClient(github.Config{Token: cfg.GitHub.Token, BaseURL: cfg.GitHub.BaseURL})
			if err != nil {
				return err
			}
			quotas, err := client.Quotas(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get rate limits: %w", err)
			}
			printQuotas(cmd.OutOrStdout(), quotas, time.Now())
			return nil
		},
	}
}

func printQuotas(w io.Writer, quotas []github.Quota, now time.Time) {
	_, _ = fmt.Fprintln(w, "GitHub API Rate Limits:")
	_, _ = fmt.Fprintln(w)
	for _, q := range quotas {
		resetIn := q.ResetAt.Sub(now).Round(time.Second)
		if resetIn < 0 {
			resetIn = 0
		}
		_, _ = fmt.Fprintf(w, "%-11s %d/%d remaining (resets in %s)\n", q.Name+":", q.Remaining, q.Limit, resetIn)
	}
}
