package main

import (
	"encoding/json"
	"log"

	"github.com/spf13/cobra"

	"github.com/CIRWEL/discovery-graph/internal/graph"
)

func chainCMD() *cobra.Command {
	var cfgPath string
	var maxDepth int
	cmd := &cobra.Command{
		Use:   "chain <discovery-id>",
		Short: "Print the response chain from the root discovery down",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[GRAPH] ", log.LstdFlags)
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			mgr := graph.NewManager(st, nil, nil, nil, logger)
			chain, err := mgr.ResponseChain(cmd.Context(), args[0], maxDepth)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(chain, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 10, "maximum hops toward the root")
	return cmd
}
