package memory

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkDiscovery(id, agent string, typ discovery.Type, tags ...string) *discovery.Discovery {
	return &discovery.Discovery{
		ID:        id,
		AgentID:   agent,
		Type:      typ,
		Summary:   "summary for " + id,
		Status:    discovery.StatusOpen,
		Tags:      tags,
		Timestamp: discovery.FormatTime(time.Now()),
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := mkDiscovery("d-1", "agent-a", discovery.TypeInsight, "Kafka Consumer", "kafka-consumer")
	if err := s.Upsert(ctx, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary != in.Summary || got.AgentID != "agent-a" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	// Both raw tags normalize to the same value and must be deduplicated.
	if len(got.Tags) != 1 || got.Tags[0] != "kafka-consumer" {
		t.Fatalf("tags not normalized: %v", got.Tags)
	}

	// Returned records must not alias store state.
	got.Summary = "mutated"
	again, _ := s.Get(ctx, "d-1")
	if again.Summary == "mutated" {
		t.Fatal("Get returned aliased record")
	}

	if _, err := s.Get(ctx, "missing"); !discovery.IsNotFound(err) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestUpsertMergePreservesBacklinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := mkDiscovery("d-parent", "agent-a", discovery.TypeQuestion)
	if err := s.Upsert(ctx, parent); err != nil {
		t.Fatal(err)
	}
	child := mkDiscovery("d-child", "agent-b", discovery.TypeAnswer)
	child.ResponseTo = &discovery.ResponseRef{DiscoveryID: "d-parent", Type: discovery.ResponseExtend}
	if err := s.Upsert(ctx, child); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(ctx, "d-parent")
	if len(got.ResponsesFrom) != 1 || got.ResponsesFrom[0] != "d-child" {
		t.Fatalf("backlink not maintained: %v", got.ResponsesFrom)
	}

	// Re-upserting the parent must not wipe its accumulated backlinks.
	parent2 := mkDiscovery("d-parent", "agent-a", discovery.TypeQuestion)
	parent2.Summary = "revised summary"
	if err := s.Upsert(ctx, parent2); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, "d-parent")
	if got.Summary != "revised summary" {
		t.Fatalf("merge did not take incoming fields: %q", got.Summary)
	}
	if len(got.ResponsesFrom) != 1 {
		t.Fatalf("merge dropped backlinks: %v", got.ResponsesFrom)
	}
}

func TestApplyRewiresResponseBacklinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"d-p1", "d-p2"} {
		if err := s.Upsert(ctx, mkDiscovery(id, "agent-a", discovery.TypeQuestion)); err != nil {
			t.Fatal(err)
		}
	}
	child := mkDiscovery("d-c", "agent-b", discovery.TypeAnswer)
	child.ResponseTo = &discovery.ResponseRef{DiscoveryID: "d-p1", Type: discovery.ResponseSupport}
	if err := s.Upsert(ctx, child); err != nil {
		t.Fatal(err)
	}

	_, err := s.Apply(ctx, "d-c", []discovery.UpdateCommand{
		discovery.SetResponseTo{Ref: &discovery.ResponseRef{DiscoveryID: "d-p2", Type: discovery.ResponseDisagree}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	p1, _ := s.Get(ctx, "d-p1")
	p2, _ := s.Get(ctx, "d-p2")
	if len(p1.ResponsesFrom) != 0 {
		t.Fatalf("old parent kept backlink: %v", p1.ResponsesFrom)
	}
	if len(p2.ResponsesFrom) != 1 || p2.ResponsesFrom[0] != "d-c" {
		t.Fatalf("new parent missing backlink: %v", p2.ResponsesFrom)
	}

	// Rewiring to an absent parent fails before any mutation.
	_, err = s.Apply(ctx, "d-c", []discovery.UpdateCommand{
		discovery.SetResponseTo{Ref: &discovery.ResponseRef{DiscoveryID: "d-gone", Type: discovery.ResponseExtend}},
	})
	if !discovery.IsNotFound(err) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
	p2, _ = s.Get(ctx, "d-p2")
	if len(p2.ResponsesFrom) != 1 {
		t.Fatalf("failed rewire mutated backlinks: %v", p2.ResponsesFrom)
	}
}

// rescanIndexes rebuilds index state from the records map so tests can
// verify the incremental deltas never drift from ground truth.
func rescanIndexes(s *Store) *indexSet {
	fresh := newIndexSet()
	for _, rec := range s.records {
		fresh.addAll(rec)
	}
	return fresh
}

func indexesEqual(a, b *indexSet) bool {
	if !reflect.DeepEqual(a.byTag, b.byTag) || !reflect.DeepEqual(a.byType, b.byType) ||
		!reflect.DeepEqual(a.bySeverity, b.bySeverity) || !reflect.DeepEqual(a.byStatus, b.byStatus) {
		return false
	}
	// byAgent ordering may differ between incremental and rescan; compare
	// as sets.
	if len(a.byAgent) != len(b.byAgent) {
		return false
	}
	for agent, ids := range a.byAgent {
		other := b.byAgent[agent]
		if len(ids) != len(other) {
			return false
		}
		have := make(map[string]struct{}, len(other))
		for _, id := range other {
			have[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := have[id]; !ok {
				return false
			}
		}
	}
	return true
}

func TestApplyKeepsIndexesConsistent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := mkDiscovery("d-1", "agent-a", discovery.TypeBugFound, "auth", "login")
	d.Severity = discovery.SeverityHigh
	if err := s.Upsert(ctx, d); err != nil {
		t.Fatal(err)
	}

	_, err := s.Apply(ctx, "d-1", []discovery.UpdateCommand{
		discovery.SetStatus{Status: discovery.StatusResolved},
		discovery.SetTags{Tags: []string{"auth", "session"}},
		discovery.SetSeverity{Severity: discovery.SeverityMedium},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if !indexesEqual(s.idx, rescanIndexes(s)) {
		t.Fatal("incremental indexes drifted from full rescan")
	}
	if _, ok := s.idx.byStatus["open"]; ok {
		t.Fatal("stale open status entry survived")
	}
	if _, ok := s.idx.byTag["login"]; ok {
		t.Fatal("stale tag entry survived")
	}
	got, _ := s.Get(ctx, "d-1")
	if got.ResolvedAt == "" {
		t.Fatal("resolved transition did not stamp resolved_at")
	}
}

func TestApplyRollbackRestoresExactState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := mkDiscovery("d-1", "agent-a", discovery.TypeBugFound, "auth")
	d.Severity = discovery.SeverityHigh
	if err := s.Upsert(ctx, d); err != nil {
		t.Fatal(err)
	}

	before, _ := s.Get(ctx, "d-1")
	beforeIdx := rescanIndexes(s)

	// Fail on the third delta so some deltas are applied before the fault.
	boom := errors.New("index backend fault")
	n := 0
	s.failpoint = func(string) error {
		n++
		if n == 3 {
			return boom
		}
		return nil
	}
	_, err := s.Apply(ctx, "d-1", []discovery.UpdateCommand{
		discovery.SetStatus{Status: discovery.StatusResolved},
		discovery.SetSeverity{Severity: discovery.SeverityLow},
		discovery.SetTags{Tags: []string{"session"}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want injected fault, got %v", err)
	}
	s.failpoint = nil

	after, _ := s.Get(ctx, "d-1")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("record changed after rolled-back update:\nbefore %+v\nafter  %+v", before, after)
	}
	if !indexesEqual(s.idx, beforeIdx) {
		t.Fatal("indexes changed after rolled-back update")
	}

	// A later untainted update must succeed against the restored state.
	if _, err := s.Apply(ctx, "d-1", []discovery.UpdateCommand{
		discovery.SetStatus{Status: discovery.StatusResolved},
	}); err != nil {
		t.Fatalf("post-rollback apply: %v", err)
	}
}

func TestQueryFiltersAndExcludeArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, st := range []discovery.Status{
		discovery.StatusOpen, discovery.StatusArchived, discovery.StatusOpen,
		discovery.StatusCold, discovery.StatusOpen,
	} {
		d := mkDiscovery(discovery.NewID(base.Add(time.Duration(i)*time.Minute)), "agent-a", discovery.TypeNote, "perf")
		d.Status = st
		d.Timestamp = discovery.FormatTime(base.Add(time.Duration(i) * time.Minute))
		if err := s.Upsert(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	// The archived exclusion must apply before the limit, so asking for 3
	// yields the 3 open records, not 3-minus-archived.
	got, err := s.Query(ctx, discovery.Filters{AgentID: "agent-a", ExcludeArchived: true, Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 records, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Timestamp < got[i].Timestamp {
			t.Fatal("results not sorted newest first")
		}
	}

	got, _ = s.Query(ctx, discovery.Filters{Tags: []string{"PERF"}})
	if len(got) != 5 {
		t.Fatalf("tag filter should normalize input, got %d", len(got))
	}
}

func TestEdgesAndInboundCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	edges := []discovery.Edge{
		{From: "d-a", To: "d-t", Type: discovery.EdgeRelatedTo, Bidirectional: true},
		{From: "d-b", To: "d-t", Type: discovery.EdgeRespondsTo, ResponseType: discovery.ResponseExtend},
		{From: "d-c", To: "d-t", Type: discovery.EdgeSupersedes},
		{From: "agent-a", To: "d-t", Type: discovery.EdgeAuthored},
	}
	for _, e := range edges {
		if err := s.AddEdge(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	// Re-adding the same (from, to, type) must merge, not duplicate.
	if err := s.AddEdge(ctx, discovery.Edge{From: "d-b", To: "d-t", Type: discovery.EdgeRespondsTo, Strength: 0.8}); err != nil {
		t.Fatal(err)
	}

	in, err := s.Edges(ctx, "d-t", store.Inbound)
	if err != nil {
		t.Fatal(err)
	}
	if len(in) != 4 {
		t.Fatalf("want 4 inbound edges, got %d", len(in))
	}
	// The bidirectional RELATED_TO edge is visible outbound from d-t too.
	out, _ := s.Edges(ctx, "d-t", store.Outbound, discovery.EdgeRelatedTo)
	if len(out) != 1 {
		t.Fatalf("bidirectional edge not traversable in reverse, got %d", len(out))
	}

	counts, err := s.InboundCounts(ctx, []string{"d-t", "d-a"})
	if err != nil {
		t.Fatal(err)
	}
	want := discovery.EdgeCounts{RelatedIn: 1, RespondsIn: 1, SupersededBy: 1}
	if counts["d-t"] != want {
		t.Fatalf("counts for d-t: %+v", counts["d-t"])
	}
	if counts["d-a"].RelatedIn != 1 {
		t.Fatalf("bidirectional edge should count toward source: %+v", counts["d-a"])
	}

	if err := s.AddEdge(ctx, discovery.Edge{From: "x", To: "y", Type: "FRIENDS_WITH"}); err == nil {
		t.Fatal("unknown edge type accepted")
	}

	// Removing the RESPONDS_TO edge drops it from the counts; removing an
	// absent edge is a no-op.
	if err := s.RemoveEdge(ctx, "d-b", "d-t", discovery.EdgeRespondsTo); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveEdge(ctx, "d-b", "d-t", discovery.EdgeRespondsTo); err != nil {
		t.Fatal(err)
	}
	counts, err = s.InboundCounts(ctx, []string{"d-t"})
	if err != nil {
		t.Fatal(err)
	}
	if counts["d-t"].RespondsIn != 0 {
		t.Fatalf("removed edge still counted: %+v", counts["d-t"])
	}
}

func TestFullTextAndVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mkDiscovery("d-a", "agent-a", discovery.TypeInsight)
	a.Summary = "connection pool exhaustion under load"
	b := mkDiscovery("d-b", "agent-a", discovery.TypeNote)
	b.Summary = "dashboard color tweaks"
	for _, d := range []*discovery.Discovery{a, b} {
		if err := s.Upsert(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.FullText(ctx, "connection pool", 10)
	if err != nil {
		t.Fatalf("full text: %v", err)
	}
	if len(hits) == 0 || hits[0].ID != "d-a" {
		t.Fatalf("want d-a first, got %+v", hits)
	}
	if hits[0].Score < 0 || hits[0].Score > 1 {
		t.Fatalf("score not normalized: %f", hits[0].Score)
	}

	if err := s.UpsertEmbedding(ctx, "d-a", []float32{1, 0, 0}, "test-model"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEmbedding(ctx, "d-b", []float32{0, 1, 0}, "test-model"); err != nil {
		t.Fatal(err)
	}
	sims, err := s.SimilarByVector(ctx, []float32{0.9, 0.1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(sims) != 2 || sims[0].ID != "d-a" {
		t.Fatalf("want d-a ranked first, got %+v", sims)
	}
	if sims[0].Score <= sims[1].Score {
		t.Fatalf("scores not descending: %+v", sims)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d := mkDiscovery("d-1", "agent-a", discovery.TypePattern, "retry")
	if err := s.Upsert(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEdge(ctx, discovery.Edge{From: "agent-a", To: "d-1", Type: discovery.EdgeAuthored}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEmbedding(ctx, "d-1", []float32{0.5, 0.5}, "test-model"); err != nil {
		t.Fatal(err)
	}
	// Close flushes synchronously regardless of the debounce timer.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if got.Summary != d.Summary {
		t.Fatalf("record not restored: %+v", got)
	}
	byTag, _ := s2.Query(ctx, discovery.Filters{Tags: []string{"retry"}})
	if len(byTag) != 1 {
		t.Fatal("indexes not rebuilt on load")
	}
	stats, _ := s2.Stats(ctx)
	if stats.Edges != 1 || stats.Total != 1 {
		t.Fatalf("stats after reload: %+v", stats)
	}
	sims, _ := s2.SimilarByVector(ctx, []float32{0.5, 0.5}, 1)
	if len(sims) != 1 || sims[0].ID != "d-1" {
		t.Fatalf("vectors not restored: %+v", sims)
	}
}
