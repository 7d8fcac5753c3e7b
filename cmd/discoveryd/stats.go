package main

import (
	"encoding/json"
	"log"

	"github.com/spf13/cobra"
)

func statsCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print corpus statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[STATS] ", log.LstdFlags)
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return cmd
}
