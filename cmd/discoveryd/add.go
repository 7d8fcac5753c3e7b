package main

import (
	"encoding/json"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/CIRWEL/discovery-graph/config"
	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/embedding"
	"github.com/CIRWEL/discovery-graph/internal/graph"
	"github.com/CIRWEL/discovery-graph/internal/ratelimit"
	"github.com/CIRWEL/discovery-graph/internal/store"
	"github.com/CIRWEL/discovery-graph/internal/store/postgres"
	"github.com/CIRWEL/discovery-graph/internal/worker"
)

// buildLimiter assembles the rate limiter chain: Redis when configured,
// degrading to the SQL limiter on the postgres backend, otherwise the
// in-process one.
func buildLimiter(cfg *config.Config, st store.Store, logger *log.Logger) ratelimit.Limiter {
	var local ratelimit.Limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit)
	if ps, ok := st.(*postgres.Store); ok {
		local = ratelimit.NewSQLLimiter(ps.DB, cfg.RateLimit)
	}
	if cfg.Storage.Redis.Host == "" {
		return local
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	return &ratelimit.Fallback{
		Primary:   ratelimit.NewRedisLimiter(client, cfg.RateLimit),
		Secondary: local,
		Logger:    logger,
	}
}

func buildEmbedder(cfg *config.Config) embedding.Provider {
	if cfg.Embedding.APIKey == "" {
		return nil
	}
	return embedding.NewOpenAI(cfg.Embedding.APIKey, cfg.Embedding.BaseURL, cfg.Embedding.Model)
}

func buildManager(cfg *config.Config, st store.Store, logger *log.Logger) (*graph.Manager, *worker.Pool) {
	pool := worker.NewPool(cfg.Worker.Workers, cfg.Worker.QueueSize, logger, prometheus.DefaultRegisterer)
	mgr := graph.NewManager(st, buildLimiter(cfg, st, logger), buildEmbedder(cfg), pool, logger)
	return mgr, pool
}

func addCMD() *cobra.Command {
	var cfgPath string
	var rec discovery.Discovery
	var agent, typ, severity, responseTo, responseType string
	var tags, related []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a discovery",
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
			mgr, pool := buildManager(cfg, st, logger)
			defer pool.Close()

			rec.AgentID = agent
			rec.Type = discovery.Type(typ)
			rec.Severity = discovery.Severity(severity)
			rec.Tags = tags
			rec.RelatedTo = related
			if responseTo != "" {
				rec.ResponseTo = &discovery.ResponseRef{
					DiscoveryID: responseTo,
					Type:        discovery.ResponseType(responseType),
				}
			}
			stored, err := mgr.Add(cmd.Context(), &rec)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stored, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&agent, "agent", "", "reporting agent id")
	cmd.Flags().StringVar(&typ, "type", string(discovery.TypeNote), "discovery type")
	cmd.Flags().StringVar(&rec.Summary, "summary", "", "one-line summary")
	cmd.Flags().StringVar(&rec.Details, "details", "", "longer description")
	cmd.Flags().StringVar(&severity, "severity", "", "low, medium, high or critical")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag, repeatable")
	cmd.Flags().StringSliceVar(&related, "related", nil, "related discovery id, repeatable")
	cmd.Flags().StringVar(&responseTo, "response-to", "", "parent discovery id")
	cmd.Flags().StringVar(&responseType, "response-type", string(discovery.ResponseExtend), "extend, question, disagree or support")
	return cmd
}
