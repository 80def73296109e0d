package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/izavyalov-dev/kubeprov/internal/config"
	"github.com/izavyalov-dev/kubeprov/internal/observability"
	"github.com/izavyalov-dev/kubeprov/orchestrator"
	"github.com/izavyalov-dev/kubeprov/probe"
	"github.com/izavyalov-dev/kubeprov/runner"
	"github.com/izavyalov-dev/kubeprov/runner/artifacts"
	"github.com/izavyalov-dev/kubeprov/state"
)

// errNoDatabase stops serve from silently keeping requests in memory.
var errNoDatabase = errors.New("database_url or DATABASE_URL required; pass --memory-ledger to keep requests in memory")

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		listen       string
		memoryLedger bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the install API and reap abandoned requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if memoryLedger {
				cfg.MemoryLedger = true
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&memoryLedger, "memory-ledger", false, "keep requests in memory when no database is configured")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger("serve")

	ledger, closeLedger, err := openLedger(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer closeLedger()

	service, err := buildService(ctx, cfg, ledger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	if n, err := service.ReapStale(ctx); err != nil {
		logger.Error("startup reap failed", "event", "reaper_failed", "error", err)
	} else if n > 0 {
		logger.Info("abandoned requests finalized", "event", "reaper_completed", "count", n)
	}

	app := orchestrator.NewHTTPApp(service, observability.NewLogger("orchestrator.http"), nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "event", "server_started", "addr", cfg.Listen, "targets", len(cfg.Targets))
		if err := app.Listen(cfg.Listen); err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
		return nil
	})
	g.Go(func() error {
		service.RunReaper(gctx, cfg.Reaper.Interval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "event", "server_stopping")
		// Running actions are killed and finalized first so their handlers can
		// answer before the listener drains.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("running actions not finalized", "event", "service_shutdown_failed", "error", err)
		}
		return app.ShutdownWithTimeout(cfg.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openLedger returns the Postgres store when a database is configured. The
// in-memory store is only used when cfg.MemoryLedger asks for it.
func openLedger(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) (state.Ledger, func(), error) {
	if cfg.DatabaseURL == "" {
		if !cfg.MemoryLedger {
			return nil, nil, errNoDatabase
		}
		logger.Warn("no database configured; requests are kept in memory", "event", "ledger_in_memory")
		return state.NewMemoryStore(), func() {}, nil
	}

	db, err := openDB(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	store := state.NewStore(db)
	if migrate {
		applied, err := store.ApplyMigrations(ctx)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "event", "migrations_applied", "ids", applied)
		}
	}
	return store, func() { _ = db.Close() }, nil
}

func buildService(ctx context.Context, cfg config.Config, ledger state.Ledger, registerer prometheus.Registerer) (*orchestrator.Service, error) {
	builder := runner.NewAnsibleBuilder(runner.AnsibleConfig{
		Binary:       cfg.Ansible.Binary,
		PlaybookDir:  cfg.Ansible.PlaybookDir,
		KubesprayDir: cfg.Ansible.KubesprayDir,
		User:         cfg.Ansible.User,
		PrivateKey:   cfg.Ansible.PrivateKey,
		Become:       cfg.Ansible.Become,
	})
	run := runner.NewExecRunner(builder, runner.ExecConfig{
		TailLines: cfg.OutputTailLines,
		Logger:    observability.NewLogger("runner"),
	})

	serviceCfg := orchestrator.Config{
		Timeouts:    cfg.TimeoutPolicy(),
		Metrics:     observability.NewMetrics(registerer),
		Logger:      observability.NewLogger("orchestrator"),
		ReaperGrace: cfg.Reaper.Grace,
	}

	if cfg.Probe.Enabled {
		prober, err := probe.NewSSHProber(probe.SSHConfig{
			User:               cfg.Probe.User,
			KeyPath:            cfg.Probe.KeyPath,
			KnownHostsPath:     cfg.Probe.KnownHostsPath,
			Port:               cfg.Probe.Port,
			Timeout:            cfg.Probe.Timeout,
			InsecureSkipVerify: cfg.Probe.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("configure probes: %w", err)
		}
		serviceCfg.Prober = prober
	}

	if cfg.Archive.S3Bucket != "" {
		archiver, err := artifacts.NewS3Archiver(ctx, artifacts.S3Config{
			Bucket: cfg.Archive.S3Bucket,
			Prefix: cfg.Archive.S3Prefix,
			Region: cfg.Archive.S3Region,
		})
		if err != nil {
			return nil, fmt.Errorf("configure archive: %w", err)
		}
		serviceCfg.Archiver = archiver
	}

	fleet := orchestrator.Fleet{
		Targets: cfg.CatalogTargets(),
		Default: cfg.EffectiveDefaultTarget(),
	}
	return orchestrator.NewService(ledger, run, fleet, serviceCfg), nil
}
