package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/spiffcs/stalebot/internal/log"
)

// New creates the root command with all subcommands registered.
func New() *cobra.Command {
	opts := NewOptions()

	rootCmd := &cobra.Command{
		Use:   "stalebot",
		Short: "Stale branch and merge request notifier",
		Long: `A batch job that finds branches and merge/pull requests without
recent activity on GitLab or GitHub, emails their owners one digest each,
and optionally archives and deletes branches nobody has touched in weeks.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initLogging(opts, os.Stderr)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd.Context(), opts)
		},
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Config file (default: global config merged with ./.stalebot.yaml)")
	rootCmd.PersistentFlags().CountVarP(&opts.Verbosity, "verbose", "v", "Increase verbosity (-v info, -vv debug, -vvv trace)")
	rootCmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "Log format (text, json)")

	// Add run flags to root command so `stalebot` and `stalebot run` work identically
	addRunFlags(rootCmd, opts)

	rootCmd.AddCommand(NewCmdRun(opts))
	rootCmd.AddCommand(NewCmdConfig(opts))
	rootCmd.AddCommand(NewCmdHistory(opts))
	rootCmd.AddCommand(NewCmdStats(opts))
	rootCmd.AddCommand(NewCmdServe(opts))
	rootCmd.AddCommand(NewCmdRateLimit(opts))
	rootCmd.AddCommand(NewCmdVersion())

	return rootCmd
}

// initLogging points the global logger at w using the --log-format and -v
// options, with extra attributes attached to every record.
func initLogging(opts *Options, w io.Writer, attrs ...any) error {
	format, err := log.ParseFormat(opts.LogFormat)
	if err != nil {
		return err
	}
	log.Initialize(opts.Verbosity, w, log.WithFormat(format), log.WithAttrs(attrs...))
	return nil
}
