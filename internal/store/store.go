// Package store defines the backend contract shared by the in-memory,
// relational and graph-native implementations.
package store

import (
	"context"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
)

// Direction selects which side of an edge the queried id sits on.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Similarity is a candidate id with a [0,1] relevance score. Full-text hits
// carry normalized rank scores; vector hits carry cosine similarity.
type Similarity struct {
	ID    string
	Score float64
}

// Store is the contract every backend satisfies. All operations provide
// single-record atomicity: Apply either applies every command and its
// derived backlink updates, or leaves the record and all indexes untouched.
type Store interface {
	// Upsert inserts or merges by id. Re-adding an existing id is merge
	// semantics, not a duplicate insert, which makes retries safe.
	Upsert(ctx context.Context, d *discovery.Discovery) error
	// Get returns the record or a NotFoundError.
	Get(ctx context.Context, id string) (*discovery.Discovery, error)
	// Apply atomically applies update commands to one record, maintaining
	// responses_from backlinks for SetResponseTo.
	Apply(ctx context.Context, id string, cmds []discovery.UpdateCommand) (*discovery.Discovery, error)
	// Query filters and sorts by recency descending. ExcludeArchived is
	// evaluated inside the predicate, before the limit.
	Query(ctx context.Context, f discovery.Filters) ([]*discovery.Discovery, error)
	// ByAgent lists an agent's discoveries, newest first.
	ByAgent(ctx context.Context, agentID string, limit int) ([]*discovery.Discovery, error)
	Stats(ctx context.Context) (discovery.Stats, error)

	// AddEdge stores a typed edge. Endpoint existence is the relationship
	// manager's concern; duplicate identical edges are merged.
	AddEdge(ctx context.Context, e discovery.Edge) error
	// RemoveEdge deletes the edge keyed by (from, to, type). Removing an
	// absent edge is a no-op, so rewires stay retry safe.
	RemoveEdge(ctx context.Context, from, to string, t discovery.EdgeType) error
	Edges(ctx context.Context, id string, dir Direction, types ...discovery.EdgeType) ([]discovery.Edge, error)
	// InboundCounts returns the inbound reference counts feeding
	// connectivity scoring, for each requested id.
	InboundCounts(ctx context.Context, ids []string) (map[string]discovery.EdgeCounts, error)

	// UpsertEmbedding stores the semantic vector for a discovery.
	UpsertEmbedding(ctx context.Context, id string, vec []float32, model string) error
	// SimilarByVector returns ids ranked by cosine similarity descending.
	SimilarByVector(ctx context.Context, vec []float32, topK int) ([]Similarity, error)
	// FullText matches the query against summary, details and tags.
	FullText(ctx context.Context, query string, limit int) ([]Similarity, error)

	Close() error
}
