package main

import (
	"encoding/json"
	"log"

	"github.com/spf13/cobra"

	"github.com/CIRWEL/discovery-graph/internal/search"
)

func searchCMD() *cobra.Command {
	var cfgPath string
	var mode string
	var limit int
	var includeCold bool
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search discoveries by text or meaning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			engine := search.NewEngine(st, buildEmbedder(cfg), logger)
			resp, err := engine.Search(cmd.Context(), args[0], search.Options{
				Mode:               search.Mode(mode),
				Limit:              limit,
				MinSimilarity:      cfg.Search.MinSimilarity,
				ConnectivityWeight: cfg.Search.ConnectivityWeight,
				HalfLifeDays:       cfg.Search.HalfLifeDays,
				IncludeCold:        includeCold,
			})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&mode, "mode", string(search.ModeFullText), "full_text or semantic")
	cmd.Flags().IntVar(&limit, "limit", search.DefaultLimit, "maximum results")
	cmd.Flags().BoolVar(&includeCold, "include-cold", false, "admit cold-tier discoveries")
	return cmd
}
