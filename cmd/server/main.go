// Command ledgersync mirrors QuickBooks Online accounts into PostgreSQL and serves them over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/ledgersync/internal/config"
	"github.com/and161185/ledgersync/internal/convert"
	"github.com/and161185/ledgersync/internal/logging"
	"github.com/and161185/ledgersync/internal/migrate"
	httpserver "github.com/and161185/ledgersync/internal/server/http"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "ledgersync",
		Short:         "QuickBooks Online accounts mirror",
		Version:       fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")

	load := func(needOAuth bool) (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(envFile)
		if err != nil {
			return nil, nil, err
		}
		if needOAuth {
			err = cfg.Validate()
		} else {
			err = cfg.ValidateDB()
		}
		if err != nil {
			return nil, nil, fmt.Errorf("invalid configuration: %w", err)
		}
		log, err := logging.New(logging.Options{Level: cfg.LogLevel, Development: cfg.LogDevelopment, File: cfg.LogFile})
		if err != nil {
			return nil, nil, err
		}
		return cfg, log, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(true)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return runServe(cmd.Context(), cfg, log)
		},
	}
	root.RunE = serve.RunE

	migrateCmd := &cobra.Command{Use: "migrate", Short: "Apply or roll back schema migrations"}
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load(false)
				if err != nil {
					return err
				}
				defer func() { _ = log.Sync() }()
				if err := migrate.Up(cmd.Context(), cfg.DB.DSN()); err != nil {
					return err
				}
				log.Info("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, log, err := load(false)
				if err != nil {
					return err
				}
				defer func() { _ = log.Sync() }()
				if err := migrate.Down(cmd.Context(), cfg.DB.DSN()); err != nil {
					return err
				}
				log.Info("rolled back one migration")
				return nil
			},
		},
	)

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one account sync pass and print the summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(true)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.accounts.Sync(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(convert.ToSyncResult(res))
		},
	}

	root.AddCommand(serve, migrateCmd, syncCmd)
	return root
}

func runServe(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("environment", cfg.Environment),
	)

	if err := migrate.Up(ctx, cfg.DB.DSN()); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.sweepLimiter(ctx)

	h := httpserver.New(a.tokens, a.accounts, a.db, log.Named("http"), httpserver.Options{TrustProxy: cfg.TrustProxy})
	to := httpserver.DefaultTimeouts
	to.Shutdown = cfg.ShutdownTimeout
	if err := httpserver.Run(ctx, cfg.HTTPAddr, h.Routes(), to, log); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
