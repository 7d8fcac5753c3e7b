// discoveryd runs the discovery graph service and its maintenance
// commands.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/CIRWEL/discovery-graph/config"
	"github.com/CIRWEL/discovery-graph/internal/store"
	"github.com/CIRWEL/discovery-graph/internal/store/memory"
	"github.com/CIRWEL/discovery-graph/internal/store/postgres"
	"github.com/CIRWEL/discovery-graph/internal/store/weaviate"
)

func main() {
	root := &cobra.Command{Use: "discoveryd", SilenceUsage: true}
	root.AddCommand(serveCMD(), migrateCMD(), cleanupCMD(), addCMD(), searchCMD(), chainCMD(), statsCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore builds the configured backend. The returned store must be
// closed by the caller.
func openStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.Open(cfg.Storage.Memory.Path, logger)
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.Storage.Postgres.DSN(), logger)
	case config.BackendWeaviate:
		return weaviate.Open(ctx, cfg.Storage.Weaviate.Host, cfg.Storage.Weaviate.Scheme, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
