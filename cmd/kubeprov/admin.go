package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/kubeprov/internal/observability"
	"github.com/izavyalov-dev/kubeprov/state"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("database_url or DATABASE_URL required")
			}
			logger := observability.NewLogger("migrate")
			db, err := openDB(cmd.Context(), cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := state.NewStore(db).ApplyMigrations(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, id := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", id)
			}
			return nil
		},
	}
}

func newReapCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail requests abandoned in PENDING or RUNNING",
		Long: `Fail requests that stayed PENDING or RUNNING longer than their action
timeout plus the reaper grace period. Only run this while no server is
executing actions against the same database, or rely on serve's own reaper.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("database_url or DATABASE_URL required")
			}
			logger := observability.NewLogger("reap")
			ledger, closeLedger, err := openLedger(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer closeLedger()

			service, err := buildService(cmd.Context(), cfg, ledger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			n, err := service.ReapStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d request(s)\n", n)
			return nil
		},
	}
}
