package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CIRWEL/discovery-graph/config"
	"github.com/CIRWEL/discovery-graph/internal/store/postgres"
)

func migrateCMD() *cobra.Command {
	var cfgPath string
	var dir string
	var direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the relational backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Backend != config.BackendPostgres {
				return fmt.Errorf("migrate applies to the postgres backend, configured backend is %q", cfg.Storage.Backend)
			}
			if dir == "" {
				dir = cfg.Storage.Postgres.MigrationsPath
			}
			return postgres.Migrate(dir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&dir, "dir", "", "migrations source url (default file://migrations)")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations, 0 means all")
	return cmd
}
