package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/cobra"

	"github.com/CIRWEL/discovery-graph/config"
	"github.com/CIRWEL/discovery-graph/internal/lifecycle"
	"github.com/CIRWEL/discovery-graph/internal/server"
	"github.com/CIRWEL/discovery-graph/internal/store/postgres"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops HTTP server and the scheduled lifecycle cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := log.New(log.Writer(), "[SERVE] ", log.LstdFlags)
			if cfg.Storage.Backend == config.BackendPostgres {
				if err := postgres.Migrate(cfg.Storage.Postgres.MigrationsPath, cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
					return err
				}
			}
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			lc := lifecycle.NewManager(st, cfg.Lifecycle.ManagerConfig(), nil)
			if cfg.Lifecycle.Schedule != "" {
				expr, err := cronexpr.Parse(cfg.Lifecycle.Schedule)
				if err != nil {
					return err
				}
				go runCleanupLoop(ctx, lc, expr, logger)
			}

			srv := server.New(st, lc, nil)
			if addr == "" {
				addr = cfg.Server.Address
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// runCleanupLoop fires RunCleanup on the cron schedule until ctx ends.
func runCleanupLoop(ctx context.Context, lc *lifecycle.Manager, expr *cronexpr.Expression, logger *log.Logger) {
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := lc.RunCleanup(ctx, false); err != nil {
			logger.Printf("warn: scheduled cleanup: %v", err)
		}
	}
}
