// Package memory implements the in-memory backend: a single-writer record
// map with five reverse indexes, all-or-nothing index updates, a bleve
// full-text index, an in-memory vector scan and debounced persistence to a
// local sqlite file.
package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/store"
)

// DefaultDebounce is how long a flush waits to coalesce write bursts.
const DefaultDebounce = 100 * time.Millisecond

// Store is the in-memory backend. Reads take the read lock and never block
// each other; every mutation runs to completion under the write lock so the
// snapshot/apply/rollback sequence is never observed half-applied.
type Store struct {
	mu      sync.RWMutex
	records map[string]*discovery.Discovery
	idx     *indexSet
	edges   []discovery.Edge
	vectors map[string][]float32
	text    bleve.Index

	persist      *persister
	dirty        bool
	flushPending bool
	debounce     time.Duration

	logger *log.Logger
	now    func() time.Time

	// failpoint, when set, runs before each index delta during Apply.
	// Tests use it to simulate mid-update failures.
	failpoint func(bucket string) error
}

// Open builds the backend. path is the sqlite file used for debounced
// persistence; empty disables durability (useful for tests).
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMSTORE] ", log.LstdFlags)
	}
	text, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("open text index: %w", err)
	}
	s := &Store{
		records:  make(map[string]*discovery.Discovery),
		idx:      newIndexSet(),
		vectors:  make(map[string][]float32),
		text:     text,
		debounce: DefaultDebounce,
		logger:   logger,
		now:      time.Now,
	}
	if path != "" {
		p, err := openPersister(path)
		if err != nil {
			return nil, fmt.Errorf("open persistence: %w", err)
		}
		s.persist = p
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}
	return s, nil
}

// textDoc is the bleve document shape covering summary, details and tags.
type textDoc struct {
	Summary string   `json:"summary"`
	Details string   `json:"details"`
	Tags    []string `json:"tags"`
}

func (s *Store) load() error {
	records, edges, vectors, err := s.persist.load()
	if err != nil {
		return err
	}
	for _, d := range records {
		s.records[d.ID] = d
		s.idx.addAll(d)
		if err := s.indexText(d); err != nil {
			s.logger.Printf("warn: reindex %s: %v", d.ID, err)
		}
	}
	s.edges = edges
	s.vectors = vectors
	return nil
}

func (s *Store) indexText(d *discovery.Discovery) error {
	return s.text.Index(d.ID, textDoc{Summary: d.Summary, Details: d.Details, Tags: d.Tags})
}

// markDirty schedules a debounced flush. Called with the write lock held.
// If a flush is already pending no second one is scheduled.
func (s *Store) markDirty() {
	s.dirty = true
	if s.persist == nil || s.flushPending {
		return
	}
	s.flushPending = true
	time.AfterFunc(s.debounce, s.flush)
}

// flush serializes the snapshot inside the same mutual-exclusion scope used
// to check and clear the dirty flag.
func (s *Store) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushPending = false
	if !s.dirty || s.persist == nil {
		return
	}
	if err := s.persist.save(s.records, s.edges, s.vectors); err != nil {
		s.logger.Printf("warn: persistence flush failed, will retry on next write: %v", err)
		return
	}
	s.dirty = false
}

// Upsert inserts or merges by id. On merge the incoming record wins for
// authored fields while accumulated backlinks survive.
func (s *Store) Upsert(_ context.Context, d *discovery.Discovery) error {
	if d == nil || d.ID == "" {
		return &discovery.ValidationError{Field: "id", Reason: "required"}
	}
	rec := d.Clone()
	rec.Tags = discovery.NormalizeTags(rec.Tags)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.ID]; ok {
		rec.ResponsesFrom = append([]string(nil), existing.ResponsesFrom...)
		if existing.ResponseTo != nil && (rec.ResponseTo == nil || rec.ResponseTo.DiscoveryID != existing.ResponseTo.DiscoveryID) {
			s.dropBacklink(existing.ResponseTo.DiscoveryID, rec.ID)
		}
		s.idx.removeAll(existing)
	}
	s.records[rec.ID] = rec
	s.idx.addAll(rec)
	if rec.ResponseTo != nil {
		s.addBacklink(rec.ResponseTo.DiscoveryID, rec.ID)
	}
	if err := s.indexText(rec); err != nil {
		s.logger.Printf("warn: text index %s: %v", rec.ID, err)
	}
	s.markDirty()
	return nil
}

func (s *Store) addBacklink(parentID, childID string) {
	parent, ok := s.records[parentID]
	if !ok {
		return
	}
	for _, id := range parent.ResponsesFrom {
		if id == childID {
			return
		}
	}
	parent.ResponsesFrom = append(parent.ResponsesFrom, childID)
}

func (s *Store) dropBacklink(parentID, childID string) {
	parent, ok := s.records[parentID]
	if !ok {
		return
	}
	for i, id := range parent.ResponsesFrom {
		if id == childID {
			parent.ResponsesFrom = append(parent.ResponsesFrom[:i:i], parent.ResponsesFrom[i+1:]...)
			return
		}
	}
}

// Get returns a deep copy so callers never alias store-owned state.
func (s *Store) Get(_ context.Context, id string) (*discovery.Discovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, &discovery.NotFoundError{ID: id}
	}
	return rec.Clone(), nil
}

// Apply implements the reversible update algorithm: snapshot every record
// about to change, mutate, apply index deltas one by one, and on any
// failure replay the inverse of the applied deltas in reverse order and
// restore the snapshots, leaving state bit-for-bit identical to before.
func (s *Store) Apply(_ context.Context, id string, cmds []discovery.UpdateCommand) (*discovery.Discovery, error) {
	if err := discovery.ValidateCommands(cmds); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.records[id]
	if !ok {
		return nil, &discovery.NotFoundError{ID: id}
	}

	// Step 1: snapshot everything the batch may touch.
	snapshots := map[string]*discovery.Discovery{id: old.Clone()}
	for _, cmd := range cmds {
		if set, ok := cmd.(discovery.SetResponseTo); ok {
			if old.ResponseTo != nil {
				if p, ok := s.records[old.ResponseTo.DiscoveryID]; ok {
					snapshots[p.ID] = p.Clone()
				}
			}
			if set.Ref != nil {
				if p, ok := s.records[set.Ref.DiscoveryID]; ok {
					snapshots[p.ID] = p.Clone()
				} else {
					return nil, &discovery.NotFoundError{ID: set.Ref.DiscoveryID}
				}
			}
		}
	}

	// Step 2: build the updated record.
	updated := old.Clone()
	discovery.ApplyTo(updated, cmds, s.now())

	restore := func() {
		for rid, snap := range snapshots {
			s.records[rid] = snap
		}
	}

	// Step 3: swap the record in, then apply each index delta.
	s.records[id] = updated
	deltas := updateDeltas(old, updated)
	applied := make([]indexDelta, 0, len(deltas))
	for _, delta := range deltas {
		if s.failpoint != nil {
			if err := s.failpoint(delta.bucket); err != nil {
				// Step 4: inverse replay in reverse order, then restore
				// the record snapshots.
				for i := len(applied) - 1; i >= 0; i-- {
					s.idx.apply(applied[i].inverse())
				}
				restore()
				return nil, err
			}
		}
		s.idx.apply(delta)
		applied = append(applied, delta)
	}

	// Backlink maintenance for parent rewires; the touched parents are
	// already snapshotted so the rollback above covers them.
	for _, cmd := range cmds {
		if set, ok := cmd.(discovery.SetResponseTo); ok {
			if old.ResponseTo != nil {
				s.dropBacklink(old.ResponseTo.DiscoveryID, id)
			}
			if set.Ref != nil {
				s.addBacklink(set.Ref.DiscoveryID, id)
			}
		}
	}

	if err := s.indexText(updated); err != nil {
		s.logger.Printf("warn: text index %s: %v", id, err)
	}
	s.markDirty()
	return updated.Clone(), nil
}

// Query narrows candidates through the most selective reverse index when a
// filter provides one, then applies the full predicate — including
// ExcludeArchived — before sorting and truncating.
func (s *Store) Query(_ context.Context, f discovery.Filters) ([]*discovery.Discovery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.candidateIDs(f)
	matched := make([]*discovery.Discovery, 0, len(candidates))
	for id := range candidates {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		if f.Matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	sortByRecency(matched)
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *Store) candidateIDs(f discovery.Filters) map[string]struct{} {
	switch {
	case f.AgentID != "":
		return s.idx.idsFor(bucketAgent, f.AgentID)
	case len(f.Tags) > 0:
		// OR across tags: union of tag buckets.
		out := make(map[string]struct{})
		for _, tag := range f.Tags {
			for id := range s.idx.idsFor(bucketTag, discovery.NormalizeTag(tag)) {
				out[id] = struct{}{}
			}
		}
		return out
	case f.Type != "":
		return s.idx.idsFor(bucketType, string(f.Type))
	case f.Status != "":
		return s.idx.idsFor(bucketStatus, string(f.Status))
	case f.Severity != "":
		return s.idx.idsFor(bucketSeverity, string(f.Severity))
	}
	all := make(map[string]struct{}, len(s.records))
	for id := range s.records {
		all[id] = struct{}{}
	}
	return all
}

func sortByRecency(recs []*discovery.Discovery) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp != recs[j].Timestamp {
			return recs[i].Timestamp > recs[j].Timestamp
		}
		return recs[i].ID > recs[j].ID
	})
}

func (s *Store) ByAgent(ctx context.Context, agentID string, limit int) ([]*discovery.Discovery, error) {
	return s.Query(ctx, discovery.Filters{AgentID: agentID, Limit: limit})
}

func (s *Store) Stats(_ context.Context) (discovery.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := discovery.NewStats()
	for _, rec := range s.records {
		stats.Count(rec)
	}
	stats.Edges = len(s.edges)
	return stats, nil
}

// AddEdge merges by (from, to, type); repeated links refresh strength and
// reason instead of duplicating rows.
func (s *Store) AddEdge(_ context.Context, e discovery.Edge) error {
	if !e.Type.Valid() {
		return &discovery.ValidationError{Field: "edge_type", Reason: "unknown edge type " + string(e.Type)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt == "" {
		e.CreatedAt = discovery.FormatTime(s.now())
	}
	for i, have := range s.edges {
		if have.From == e.From && have.To == e.To && have.Type == e.Type {
			e.CreatedAt = have.CreatedAt
			s.edges[i] = e
			s.markDirty()
			return nil
		}
	}
	s.edges = append(s.edges, e)
	s.markDirty()
	return nil
}

func (s *Store) RemoveEdge(_ context.Context, from, to string, t discovery.EdgeType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.edges {
		if have.From == from && have.To == to && have.Type == t {
			s.edges = append(s.edges[:i:i], s.edges[i+1:]...)
			s.markDirty()
			return nil
		}
	}
	return nil
}

func (s *Store) Edges(_ context.Context, id string, dir store.Direction, types ...discovery.EdgeType) ([]discovery.Edge, error) {
	want := make(map[discovery.EdgeType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []discovery.Edge
	for _, e := range s.edges {
		if len(want) > 0 {
			if _, ok := want[e.Type]; !ok {
				continue
			}
		}
		switch dir {
		case store.Inbound:
			if e.To == id || (e.Bidirectional && e.From == id) {
				out = append(out, e)
			}
		case store.Outbound:
			if e.From == id || (e.Bidirectional && e.To == id) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (s *Store) InboundCounts(_ context.Context, ids []string) (map[string]discovery.EdgeCounts, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make(map[string]discovery.EdgeCounts, len(ids))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.edges {
		if _, ok := want[e.To]; ok {
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
		// A bidirectional RELATED_TO edge also counts toward its source.
		if e.Bidirectional && e.Type == discovery.EdgeRelatedTo {
			if _, ok := want[e.From]; ok {
				c := out[e.From]
				c.RelatedIn++
				out[e.From] = c
			}
		}
	}
	return out, nil
}

// UpsertEmbedding stores a vector; the map is append/upsert-only and safe
// for concurrent readers holding the read lock.
func (s *Store) UpsertEmbedding(_ context.Context, id string, vec []float32, _ string) error {
	if len(vec) == 0 {
		return &discovery.ValidationError{Field: "embedding", Reason: "vector must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = append([]float32(nil), vec...)
	s.markDirty()
	return nil
}

// SimilarByVector ranks every stored vector by cosine similarity. This is
// the degraded fallback path when no native vector index is available; it
// is exact, just not sublinear.
func (s *Store) SimilarByVector(_ context.Context, vec []float32, topK int) ([]store.Similarity, error) {
	if topK <= 0 {
		topK = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Similarity, 0, len(s.vectors))
	for id, have := range s.vectors {
		out = append(out, store.Similarity{ID: id, Score: cosine(vec, have)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// FullText runs a bleve query-string search and normalizes hit scores by
// the maximum so they land in [0,1].
func (s *Store) FullText(_ context.Context, query string, limit int) ([]store.Similarity, error) {
	if limit <= 0 {
		limit = 10
	}
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := s.text.Search(req)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	out := make([]store.Similarity, 0, len(res.Hits))
	for _, hit := range res.Hits {
		score := hit.Score
		if res.MaxScore > 0 {
			score = hit.Score / res.MaxScore
		}
		out = append(out, store.Similarity{ID: hit.ID, Score: score})
	}
	return out, nil
}

// Close flushes any pending snapshot synchronously and releases resources.
func (s *Store) Close() error {
	s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist != nil {
		if err := s.persist.close(); err != nil {
			return err
		}
		s.persist = nil
	}
	return s.text.Close()
}

var _ store.Store = (*Store)(nil)
