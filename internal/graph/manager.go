// Package graph is the write path of the knowledge graph: admission,
// validation, persistence, edge wiring and asynchronous embedding for
// discovery records.
package graph

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/embedding"
	"github.com/CIRWEL/discovery-graph/internal/ratelimit"
	"github.com/CIRWEL/discovery-graph/internal/store"
	"github.com/CIRWEL/discovery-graph/internal/worker"
)

// Manager coordinates every discovery write. Edge wiring and embedding are
// best effort: the record is the source of truth, edges and vectors are
// derived state that can be rebuilt.
type Manager struct {
	store    store.Store
	limiter  ratelimit.Limiter
	embedder embedding.Provider
	pool     *worker.Pool
	logger   *log.Logger
	now      func() time.Time

	added  metric.Int64Counter
	denied metric.Int64Counter
}

// NewManager wires the write path. embedder and pool may be nil, which
// disables semantic indexing.
func NewManager(st store.Store, limiter ratelimit.Limiter, embedder embedding.Provider, pool *worker.Pool, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[GRAPH] ", log.LstdFlags)
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	m := &Manager{
		store:    st,
		limiter:  limiter,
		embedder: embedder,
		pool:     pool,
		logger:   logger,
		now:      time.Now,
	}
	meter := otel.Meter("discovery-graph/graph")
	var err error
	if m.added, err = meter.Int64Counter("discoveries_added_total",
		metric.WithDescription("Discoveries accepted by the write path.")); err != nil {
		logger.Printf("warn: init added counter: %v", err)
	}
	if m.denied, err = meter.Int64Counter("discoveries_rate_limited_total",
		metric.WithDescription("Writes denied by the rate limiter.")); err != nil {
		logger.Printf("warn: init denied counter: %v", err)
	}
	return m
}

// Add validates, admits and stores one discovery, then wires its declared
// edges and schedules embedding. Retries with the same id are safe because
// storage is upsert-by-id.
func (m *Manager) Add(ctx context.Context, d *discovery.Discovery) (*discovery.Discovery, error) {
	rec := d.Clone()
	now := m.now()
	if rec.Timestamp == "" {
		rec.Timestamp = discovery.FormatTime(now)
	}
	if rec.Status == "" {
		rec.Status = discovery.StatusOpen
	}
	rec.Tags = discovery.NormalizeTags(rec.Tags)
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = discovery.NewID(now)
	}

	if err := m.limiter.Allow(ctx, rec.AgentID); err != nil {
		if m.denied != nil {
			m.denied.Add(ctx, 1)
		}
		return nil, err
	}

	// A declared parent must exist before the write, so a response never
	// points into the void.
	if rec.ResponseTo != nil {
		if _, err := m.store.Get(ctx, rec.ResponseTo.DiscoveryID); err != nil {
			return nil, err
		}
	}

	if err := m.store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("store discovery: %w", err)
	}
	m.wireEdges(ctx, rec)
	m.scheduleEmbedding(rec)
	if m.added != nil {
		m.added.Add(ctx, 1)
	}
	return rec, nil
}

// wireEdges materializes the record's declared relationships as typed
// edges. Failures are logged, never surfaced: the record fields already
// carry the same information.
func (m *Manager) wireEdges(ctx context.Context, rec *discovery.Discovery) {
	createdAt := discovery.FormatTime(m.now())
	edges := []discovery.Edge{{
		From: rec.AgentID, To: rec.ID, Type: discovery.EdgeAuthored, CreatedAt: createdAt,
	}}
	for _, tag := range rec.Tags {
		edges = append(edges, discovery.Edge{
			From: rec.ID, To: tag, Type: discovery.EdgeTagged, CreatedAt: createdAt,
		})
	}
	if rec.ResponseTo != nil {
		edges = append(edges, discovery.Edge{
			From: rec.ID, To: rec.ResponseTo.DiscoveryID,
			Type: discovery.EdgeRespondsTo, ResponseType: rec.ResponseTo.Type,
			CreatedAt: createdAt,
		})
	}
	for _, rid := range rec.RelatedTo {
		edges = append(edges, discovery.Edge{
			From: rec.ID, To: rid, Type: discovery.EdgeRelatedTo,
			Bidirectional: true, CreatedAt: createdAt,
		})
	}
	for _, e := range edges {
		if err := m.store.AddEdge(ctx, e); err != nil {
			m.logger.Printf("warn: wire %s edge %s -> %s: %v", e.Type, e.From, e.To, err)
		}
	}
}

func (m *Manager) scheduleEmbedding(rec *discovery.Discovery) {
	if m.embedder == nil || m.pool == nil {
		return
	}
	id := rec.ID
	text := rec.Summary
	if rec.Details != "" {
		text += "\n" + rec.Details
	}
	model := m.embedder.Model()
	m.pool.Submit("embed_discovery", func(ctx context.Context) error {
		vec, err := m.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed %s: %w", id, err)
		}
		return m.store.UpsertEmbedding(ctx, id, vec, model)
	})
}

// Update applies a command batch atomically, then refreshes derived state:
// edges for rewired relationships and the embedding when the text changed.
func (m *Manager) Update(ctx context.Context, id string, cmds []discovery.UpdateCommand) (*discovery.Discovery, error) {
	// The pre-update state decides which edges became stale.
	prev, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := m.store.Apply(ctx, id, cmds)
	if err != nil {
		return nil, err
	}

	reembed := false
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case discovery.SetResponseTo:
			// The edge mirrors response_to exactly: the old parent loses
			// its inbound RESPONDS_TO before the new one gains it.
			if prev.ResponseTo != nil && (c.Ref == nil || c.Ref.DiscoveryID != prev.ResponseTo.DiscoveryID) {
				if err := m.store.RemoveEdge(ctx, id, prev.ResponseTo.DiscoveryID, discovery.EdgeRespondsTo); err != nil {
					m.logger.Printf("warn: unwire RESPONDS_TO edge for %s: %v", id, err)
				}
			}
			if c.Ref != nil {
				if err := m.store.AddEdge(ctx, discovery.Edge{
					From: id, To: c.Ref.DiscoveryID,
					Type: discovery.EdgeRespondsTo, ResponseType: c.Ref.Type,
					CreatedAt: discovery.FormatTime(m.now()),
				}); err != nil {
					m.logger.Printf("warn: wire RESPONDS_TO edge for %s: %v", id, err)
				}
			}
		case discovery.AddRelated:
			for _, rid := range c.IDs {
				if err := m.store.AddEdge(ctx, discovery.Edge{
					From: id, To: rid, Type: discovery.EdgeRelatedTo,
					Bidirectional: true, CreatedAt: discovery.FormatTime(m.now()),
				}); err != nil {
					m.logger.Printf("warn: wire RELATED_TO edge for %s: %v", id, err)
				}
			}
		case discovery.SetTags:
			kept := make(map[string]struct{}, len(updated.Tags))
			for _, tag := range updated.Tags {
				kept[tag] = struct{}{}
			}
			for _, tag := range prev.Tags {
				if _, ok := kept[tag]; ok {
					continue
				}
				if err := m.store.RemoveEdge(ctx, id, tag, discovery.EdgeTagged); err != nil {
					m.logger.Printf("warn: unwire TAGGED edge for %s: %v", id, err)
				}
			}
			for _, tag := range updated.Tags {
				if err := m.store.AddEdge(ctx, discovery.Edge{
					From: id, To: tag, Type: discovery.EdgeTagged,
					CreatedAt: discovery.FormatTime(m.now()),
				}); err != nil {
					m.logger.Printf("warn: wire TAGGED edge for %s: %v", id, err)
				}
			}
		case discovery.SetSummary, discovery.SetDetails:
			reembed = true
		}
	}
	if reembed {
		m.scheduleEmbedding(updated)
	}
	return updated, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*discovery.Discovery, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) Query(ctx context.Context, f discovery.Filters) ([]*discovery.Discovery, error) {
	return m.store.Query(ctx, f)
}

func (m *Manager) ByAgent(ctx context.Context, agentID string, limit int) ([]*discovery.Discovery, error) {
	return m.store.ByAgent(ctx, agentID, limit)
}

func (m *Manager) Stats(ctx context.Context) (discovery.Stats, error) {
	return m.store.Stats(ctx)
}
