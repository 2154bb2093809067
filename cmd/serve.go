package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spiffcs/stalebot/config"
	"github.com/spiffcs/stalebot/internal/constants"
	"github.com/spiffcs/stalebot/internal/dashboard"
	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/stats"
)

// NewCmdServe creates the serve command.
func NewCmdServe(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON dashboard of history, run stats and settings",
		Long: `Serve an HTTP API over the history database and the run statistics.
PUT /api/config edits the non-secret settings of the config file. Nothing on
the platform or the mail relay is touched.

Every route except /api/health requires basic auth with dashboard.username
and dashboard.password (or STALEBOT_DASHBOARD_USERNAME and
STALEBOT_DASHBOARD_PASSWORD).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Dashboard.Password == "" {
				return errors.New("dashboard password not set: set dashboard.password or STALEBOT_DASHBOARD_PASSWORD")
			}
			store, err := history.Open(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open history store: %w", err)
			}
			defer store.Close()
			runs, err := stats.NewStore()
			if err != nil {
				return err
			}

			srv := dashboard.New(store, runs,
				dashboard.WithConfigEditor(config.NewEditor(config.EditablePath(opts.ConfigPath), cfg)),
				dashboard.WithBasicAuth(cfg.Dashboard.Username, cfg.Dashboard.Password))
			return srv.Start(ctx, opts.Addr)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", constants.DefaultDashboardAddr, "Listen address (use :8080 to listen on all interfaces)")
	return cmd
}
