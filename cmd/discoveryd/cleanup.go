package main

import (
	"encoding/json"
	"log"

	"github.com/spf13/cobra"

	"github.com/CIRWEL/discovery-graph/internal/lifecycle"
)

func cleanupCMD() *cobra.Command {
	var cfgPath string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run one lifecycle pass: archive stale discoveries, move dormant ones to cold",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[LIFECYCLE] ", log.LstdFlags)
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			lc := lifecycle.NewManager(st, cfg.Lifecycle.ManagerConfig(), logger)
			summary, err := lc.RunCleanup(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	return cmd
}
