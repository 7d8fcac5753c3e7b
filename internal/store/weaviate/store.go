// Package weaviate implements the graph-native backend on a Weaviate
// instance. Discoveries and edges are first-class objects with filterable
// properties; similarity rides the native vector index and full-text rides
// BM25.
package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/store"
)

// Store is the graph-native backend. Object ids are derived from the
// application id, so writes are idempotent create-or-merge operations.
type Store struct {
	client *weaviate.Client
	logger *log.Logger
	now    func() time.Time
}

// Open connects to Weaviate and makes sure the schema exists.
func Open(ctx context.Context, host, scheme string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[WVSTORE] ", log.LstdFlags)
	}
	if scheme == "" {
		scheme = "http"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	if err := ensureSchema(ctx, client); err != nil {
		return nil, err
	}
	return &Store{client: client, logger: logger, now: time.Now}, nil
}

// objectID maps an application id to a stable Weaviate uuid.
func objectID(kind, id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(kind+":"+id)).String()
}

func discoveryProps(d *discovery.Discovery) (map[string]interface{}, error) {
	doc, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery doc: %w", err)
	}
	return map[string]interface{}{
		"discovery_id": d.ID,
		"agent_id":     d.AgentID,
		"type":         string(d.Type),
		"status":       string(d.Status),
		"severity":     string(d.Severity),
		"tags":         d.Tags,
		"summary":      d.Summary,
		"details":      d.Details,
		"created_at":   d.Timestamp,
		"doc":          string(doc),
	}, nil
}

func decodeDoc(props map[string]interface{}) (*discovery.Discovery, error) {
	raw, _ := props["doc"].(string)
	if raw == "" {
		return nil, fmt.Errorf("object missing doc property")
	}
	var d discovery.Discovery
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decode discovery doc: %w", err)
	}
	return &d, nil
}

func (s *Store) fetch(ctx context.Context, id string) (*discovery.Discovery, bool, error) {
	objects, err := s.client.Data().ObjectsGetter().
		WithClassName(discoveryClass).
		WithID(objectID(discoveryClass, id)).
		Do(ctx)
	if err != nil || len(objects) == 0 {
		return nil, false, nil
	}
	props, ok := objects[0].Properties.(map[string]interface{})
	if !ok {
		return nil, false, fmt.Errorf("object %s has no property map", id)
	}
	d, err := decodeDoc(props)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (s *Store) writeRecord(ctx context.Context, d *discovery.Discovery, merge bool) error {
	props, err := discoveryProps(d)
	if err != nil {
		return err
	}
	if merge {
		err = s.client.Data().Updater().
			WithClassName(discoveryClass).
			WithID(objectID(discoveryClass, d.ID)).
			WithProperties(props).
			WithMerge().
			Do(ctx)
	} else {
		_, err = s.client.Data().Creator().
			WithClassName(discoveryClass).
			WithID(objectID(discoveryClass, d.ID)).
			WithProperties(props).
			Do(ctx)
	}
	if err != nil {
		return fmt.Errorf("write discovery %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, d *discovery.Discovery) error {
	if d == nil || d.ID == "" {
		return &discovery.ValidationError{Field: "id", Reason: "required"}
	}
	rec := d.Clone()
	rec.Tags = discovery.NormalizeTags(rec.Tags)

	existing, found, err := s.fetch(ctx, rec.ID)
	if err != nil {
		return err
	}
	oldParent := ""
	if found {
		rec.ResponsesFrom = append([]string(nil), existing.ResponsesFrom...)
		if existing.ResponseTo != nil {
			oldParent = existing.ResponseTo.DiscoveryID
		}
	}
	if err := s.writeRecord(ctx, rec, found); err != nil {
		return err
	}

	newParent := ""
	if rec.ResponseTo != nil {
		newParent = rec.ResponseTo.DiscoveryID
	}
	if oldParent != newParent {
		if oldParent != "" {
			if err := s.editBacklinks(ctx, oldParent, rec.ID, false); err != nil {
				s.logger.Printf("warn: drop backlink %s -> %s: %v", oldParent, rec.ID, err)
			}
		}
		if newParent != "" {
			if err := s.editBacklinks(ctx, newParent, rec.ID, true); err != nil {
				s.logger.Printf("warn: add backlink %s -> %s: %v", newParent, rec.ID, err)
			}
		}
	}
	return nil
}

func (s *Store) editBacklinks(ctx context.Context, parentID, childID string, add bool) error {
	parent, found, err := s.fetch(ctx, parentID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	links := parent.ResponsesFrom[:0:0]
	present := false
	for _, id := range parent.ResponsesFrom {
		if id == childID {
			present = true
			if !add {
				continue
			}
		}
		links = append(links, id)
	}
	if add && !present {
		links = append(links, childID)
	}
	parent.ResponsesFrom = links
	return s.writeRecord(ctx, parent, true)
}

func (s *Store) Get(ctx context.Context, id string) (*discovery.Discovery, error) {
	d, found, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &discovery.NotFoundError{ID: id}
	}
	return d, nil
}

// Apply is read-modify-write on one object. Weaviate object writes are
// atomic per object, so the record itself never ends up half-updated; the
// parent backlink merges follow as separate writes.
func (s *Store) Apply(ctx context.Context, id string, cmds []discovery.UpdateCommand) (*discovery.Discovery, error) {
	if err := discovery.ValidateCommands(cmds); err != nil {
		return nil, err
	}
	old, found, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &discovery.NotFoundError{ID: id}
	}

	updated := old.Clone()
	discovery.ApplyTo(updated, cmds, s.now())

	oldParent, newParent := "", ""
	if old.ResponseTo != nil {
		oldParent = old.ResponseTo.DiscoveryID
	}
	if updated.ResponseTo != nil {
		newParent = updated.ResponseTo.DiscoveryID
	}
	if newParent != "" && newParent != oldParent {
		if _, exists, err := s.fetch(ctx, newParent); err != nil {
			return nil, err
		} else if !exists {
			return nil, &discovery.NotFoundError{ID: newParent}
		}
	}

	if err := s.writeRecord(ctx, updated, true); err != nil {
		return nil, err
	}
	if newParent != oldParent {
		if oldParent != "" {
			if err := s.editBacklinks(ctx, oldParent, id, false); err != nil {
				s.logger.Printf("warn: drop backlink %s -> %s: %v", oldParent, id, err)
			}
		}
		if newParent != "" {
			if err := s.editBacklinks(ctx, newParent, id, true); err != nil {
				s.logger.Printf("warn: add backlink %s -> %s: %v", newParent, id, err)
			}
		}
	}
	return updated, nil
}

func queryOperands(f discovery.Filters) []*filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if f.AgentID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"agent_id"}).
			WithOperator(filters.Equal).
			WithValueString(f.AgentID))
	}
	if f.Type != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"type"}).
			WithOperator(filters.Equal).
			WithValueString(string(f.Type)))
	}
	if f.Status != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"status"}).
			WithOperator(filters.Equal).
			WithValueString(string(f.Status)))
	}
	if f.Severity != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"severity"}).
			WithOperator(filters.Equal).
			WithValueString(string(f.Severity)))
	}
	if len(f.Tags) > 0 {
		normalized := make([]string, 0, len(f.Tags))
		for _, t := range f.Tags {
			if n := discovery.NormalizeTag(t); n != "" {
				normalized = append(normalized, n)
			}
		}
		operands = append(operands, filters.Where().
			WithPath([]string{"tags"}).
			WithOperator(filters.ContainsAny).
			WithValueText(normalized...))
	}
	if f.ExcludeArchived {
		for _, status := range []discovery.Status{discovery.StatusArchived, discovery.StatusCold} {
			operands = append(operands, filters.Where().
				WithPath([]string{"status"}).
				WithOperator(filters.NotEqual).
				WithValueString(string(status)))
		}
	}
	return operands
}

func (s *Store) Query(ctx context.Context, f discovery.Filters) ([]*discovery.Discovery, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}
	builder := s.client.GraphQL().Get().
		WithClassName(discoveryClass).
		WithFields(graphql.Field{Name: "doc"}).
		WithSort(graphql.Sort{Path: []string{"created_at"}, Order: graphql.Desc}).
		WithLimit(limit)
	if operands := queryOperands(f); len(operands) > 0 {
		builder = builder.WithWhere(filters.Where().
			WithOperator(filters.And).
			WithOperands(operands))
	}
	result, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query discoveries: %w", err)
	}
	objects, err := graphQLObjects(result, discoveryClass)
	if err != nil {
		return nil, err
	}
	out := make([]*discovery.Discovery, 0, len(objects))
	for _, props := range objects {
		d, err := decodeDoc(props)
		if err != nil {
			s.logger.Printf("warn: skip malformed object: %v", err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) ByAgent(ctx context.Context, agentID string, limit int) ([]*discovery.Discovery, error) {
	return s.Query(ctx, discovery.Filters{AgentID: agentID, Limit: limit})
}

func (s *Store) Stats(ctx context.Context) (discovery.Stats, error) {
	stats := discovery.NewStats()
	records, err := s.Query(ctx, discovery.Filters{})
	if err != nil {
		return stats, err
	}
	for _, rec := range records {
		stats.Count(rec)
	}

	result, err := s.client.GraphQL().Aggregate().
		WithClassName(edgeClass).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return stats, fmt.Errorf("count edges: %w", err)
	}
	if len(result.Errors) > 0 {
		return stats, fmt.Errorf("count edges: %s", result.Errors[0].Message)
	}
	if agg, ok := result.Data["Aggregate"].(map[string]interface{}); ok {
		if rows, ok := agg[edgeClass].([]interface{}); ok && len(rows) > 0 {
			if row, ok := rows[0].(map[string]interface{}); ok {
				if meta, ok := row["meta"].(map[string]interface{}); ok {
					stats.Edges = int(asFloat(meta["count"]))
				}
			}
		}
	}
	return stats, nil
}

func edgeProps(e discovery.Edge) map[string]interface{} {
	return map[string]interface{}{
		"from_id":       e.From,
		"to_id":         e.To,
		"type":          string(e.Type),
		"response_type": string(e.ResponseType),
		"strength":      e.Strength,
		"reason":        e.Reason,
		"bidirectional": e.Bidirectional,
		"created_at":    e.CreatedAt,
	}
}

func (s *Store) AddEdge(ctx context.Context, e discovery.Edge) error {
	if !e.Type.Valid() {
		return &discovery.ValidationError{Field: "edge_type", Reason: "unknown edge type " + string(e.Type)}
	}
	if e.CreatedAt == "" {
		e.CreatedAt = discovery.FormatTime(s.now())
	}
	id := objectID(edgeClass, e.From+"|"+e.To+"|"+string(e.Type))

	existing, err := s.client.Data().ObjectsGetter().
		WithClassName(edgeClass).WithID(id).Do(ctx)
	if err == nil && len(existing) > 0 {
		err = s.client.Data().Updater().
			WithClassName(edgeClass).WithID(id).
			WithProperties(edgeProps(e)).WithMerge().Do(ctx)
		if err != nil {
			return fmt.Errorf("merge edge: %w", err)
		}
		return nil
	}
	if _, err := s.client.Data().Creator().
		WithClassName(edgeClass).WithID(id).
		WithProperties(edgeProps(e)).Do(ctx); err != nil {
		return fmt.Errorf("create edge: %w", err)
	}
	return nil
}

func (s *Store) RemoveEdge(ctx context.Context, from, to string, t discovery.EdgeType) error {
	id := objectID(edgeClass, from+"|"+to+"|"+string(t))
	existing, err := s.client.Data().ObjectsGetter().
		WithClassName(edgeClass).WithID(id).Do(ctx)
	if err != nil || len(existing) == 0 {
		return nil
	}
	if err := s.client.Data().Deleter().
		WithClassName(edgeClass).WithID(id).Do(ctx); err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return nil
}

func (s *Store) queryEdges(ctx context.Context, where *filters.WhereBuilder) ([]discovery.Edge, error) {
	result, err := s.client.GraphQL().Get().
		WithClassName(edgeClass).
		WithFields(
			graphql.Field{Name: "from_id"}, graphql.Field{Name: "to_id"},
			graphql.Field{Name: "type"}, graphql.Field{Name: "response_type"},
			graphql.Field{Name: "strength"}, graphql.Field{Name: "reason"},
			graphql.Field{Name: "bidirectional"}, graphql.Field{Name: "created_at"},
		).
		WithWhere(where).
		WithLimit(10000).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	objects, err := graphQLObjects(result, edgeClass)
	if err != nil {
		return nil, err
	}
	out := make([]discovery.Edge, 0, len(objects))
	for _, props := range objects {
		out = append(out, discovery.Edge{
			From:          asString(props["from_id"]),
			To:            asString(props["to_id"]),
			Type:          discovery.EdgeType(asString(props["type"])),
			ResponseType:  discovery.ResponseType(asString(props["response_type"])),
			Strength:      asFloat(props["strength"]),
			Reason:        asString(props["reason"]),
			Bidirectional: asBool(props["bidirectional"]),
			CreatedAt:     asString(props["created_at"]),
		})
	}
	return out, nil
}

func typeFilter(types []discovery.EdgeType) *filters.WhereBuilder {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return filters.Where().
		WithPath([]string{"type"}).
		WithOperator(filters.ContainsAny).
		WithValueText(names...)
}

func (s *Store) Edges(ctx context.Context, id string, dir store.Direction, types ...discovery.EdgeType) ([]discovery.Edge, error) {
	direct, reverse := "to_id", "from_id"
	if dir == store.Outbound {
		direct, reverse = "from_id", "to_id"
	}

	build := func(path string, bidirectionalOnly bool) *filters.WhereBuilder {
		operands := []*filters.WhereBuilder{
			filters.Where().WithPath([]string{path}).
				WithOperator(filters.Equal).WithValueString(id),
		}
		if bidirectionalOnly {
			operands = append(operands, filters.Where().
				WithPath([]string{"bidirectional"}).
				WithOperator(filters.Equal).WithValueBoolean(true))
		}
		if len(types) > 0 {
			operands = append(operands, typeFilter(types))
		}
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}

	out, err := s.queryEdges(ctx, build(direct, false))
	if err != nil {
		return nil, err
	}
	mirrored, err := s.queryEdges(ctx, build(reverse, true))
	if err != nil {
		return nil, err
	}
	out = append(out, mirrored...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) InboundCounts(ctx context.Context, ids []string) (map[string]discovery.EdgeCounts, error) {
	out := make(map[string]discovery.EdgeCounts, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	inbound, err := s.queryEdges(ctx, filters.Where().
		WithPath([]string{"to_id"}).
		WithOperator(filters.ContainsAny).
		WithValueText(ids...))
	if err != nil {
		return nil, err
	}
	for _, e := range inbound {
		c := out[e.To]
		switch e.Type {
		case discovery.EdgeRelatedTo:
			c.RelatedIn++
		case discovery.EdgeRespondsTo:
			c.RespondsIn++
		case discovery.EdgeSupersedes:
			c.SupersededBy++
		}
		out[e.To] = c
	}

	mirrored, err := s.queryEdges(ctx, filters.Where().WithOperator(filters.And).WithOperands(
		[]*filters.WhereBuilder{
			filters.Where().WithPath([]string{"from_id"}).
				WithOperator(filters.ContainsAny).WithValueText(ids...),
			filters.Where().WithPath([]string{"bidirectional"}).
				WithOperator(filters.Equal).WithValueBoolean(true),
			filters.Where().WithPath([]string{"type"}).
				WithOperator(filters.Equal).WithValueString(string(discovery.EdgeRelatedTo)),
		}))
	if err != nil {
		return nil, err
	}
	for _, e := range mirrored {
		c := out[e.From]
		c.RelatedIn++
		out[e.From] = c
	}
	return out, nil
}

// UpsertEmbedding replaces the object's vector. Weaviate stores vectors on
// the object itself, so this rewrites the object keeping its properties.
func (s *Store) UpsertEmbedding(ctx context.Context, id string, vec []float32, _ string) error {
	if len(vec) == 0 {
		return &discovery.ValidationError{Field: "embedding", Reason: "vector must not be empty"}
	}
	rec, found, err := s.fetch(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return &discovery.NotFoundError{ID: id}
	}
	props, err := discoveryProps(rec)
	if err != nil {
		return err
	}
	oid := objectID(discoveryClass, id)
	if err := s.client.Data().Deleter().
		WithClassName(discoveryClass).WithID(oid).Do(ctx); err != nil {
		return fmt.Errorf("replace object %s: %w", id, err)
	}
	if _, err := s.client.Data().Creator().
		WithClassName(discoveryClass).WithID(oid).
		WithProperties(props).WithVector(vec).Do(ctx); err != nil {
		return fmt.Errorf("recreate object %s with vector: %w", id, err)
	}
	return nil
}

func (s *Store) SimilarByVector(ctx context.Context, vec []float32, topK int) ([]store.Similarity, error) {
	if topK <= 0 {
		topK = 10
	}
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	result, err := s.client.GraphQL().Get().
		WithClassName(discoveryClass).
		WithFields(
			graphql.Field{Name: "discovery_id"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	objects, err := graphQLObjects(result, discoveryClass)
	if err != nil {
		return nil, err
	}
	out := make([]store.Similarity, 0, len(objects))
	for _, props := range objects {
		hit := store.Similarity{ID: asString(props["discovery_id"])}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			hit.Score = asFloat(additional["certainty"])
		}
		out = append(out, hit)
	}
	return out, nil
}

func (s *Store) FullText(ctx context.Context, query string, limit int) ([]store.Similarity, error) {
	if limit <= 0 {
		limit = 10
	}
	bm25 := s.client.GraphQL().Bm25ArgBuilder().
		WithQuery(query).
		WithProperties("summary", "details", "tags")
	result, err := s.client.GraphQL().Get().
		WithClassName(discoveryClass).
		WithFields(
			graphql.Field{Name: "discovery_id"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "score"}}},
		).
		WithBM25(bm25).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	objects, err := graphQLObjects(result, discoveryClass)
	if err != nil {
		return nil, err
	}
	out := make([]store.Similarity, 0, len(objects))
	for _, props := range objects {
		hit := store.Similarity{ID: asString(props["discovery_id"])}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			hit.Score = asFloat(additional["score"])
		}
		out = append(out, hit)
	}
	// BM25 scores are unbounded; normalize by the best hit.
	if len(out) > 0 && out[0].Score > 0 {
		max := out[0].Score
		for i := range out {
			out[i].Score /= max
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

// graphQLObjects unwraps result.Data["Get"][class] into property maps.
func graphQLObjects(result *models.GraphQLResponse, class string) ([]map[string]interface{}, error) {
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("graphql: %s", result.Errors[0].Message)
	}
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rows, ok := data[class].([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		if props, ok := row.(map[string]interface{}); ok {
			out = append(out, props)
		}
	}
	return out, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

var _ store.Store = (*Store)(nil)
