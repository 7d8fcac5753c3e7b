package search

import (
	"context"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/store"
)

// stubStore serves canned candidates so scoring can be tested in
// isolation from any real backend.
type stubStore struct {
	records    map[string]*discovery.Discovery
	counts     map[string]discovery.EdgeCounts
	vectorHits []store.Similarity
	textHits   map[string][]store.Similarity
}

func (s *stubStore) Upsert(context.Context, *discovery.Discovery) error { return nil }
func (s *stubStore) Get(_ context.Context, id string) (*discovery.Discovery, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, &discovery.NotFoundError{ID: id}
	}
	return rec, nil
}
func (s *stubStore) Apply(context.Context, string, []discovery.UpdateCommand) (*discovery.Discovery, error) {
	return nil, nil
}
func (s *stubStore) Query(context.Context, discovery.Filters) ([]*discovery.Discovery, error) {
	return nil, nil
}
func (s *stubStore) ByAgent(context.Context, string, int) ([]*discovery.Discovery, error) {
	return nil, nil
}
func (s *stubStore) Stats(context.Context) (discovery.Stats, error) {
	return discovery.NewStats(), nil
}
func (s *stubStore) AddEdge(context.Context, discovery.Edge) error { return nil }
func (s *stubStore) RemoveEdge(context.Context, string, string, discovery.EdgeType) error {
	return nil
}
func (s *stubStore) Edges(context.Context, string, store.Direction, ...discovery.EdgeType) ([]discovery.Edge, error) {
	return nil, nil
}
func (s *stubStore) InboundCounts(_ context.Context, ids []string) (map[string]discovery.EdgeCounts, error) {
	out := make(map[string]discovery.EdgeCounts)
	for _, id := range ids {
		out[id] = s.counts[id]
	}
	return out, nil
}
func (s *stubStore) UpsertEmbedding(context.Context, string, []float32, string) error { return nil }
func (s *stubStore) SimilarByVector(context.Context, []float32, int) ([]store.Similarity, error) {
	return s.vectorHits, nil
}
func (s *stubStore) FullText(_ context.Context, query string, _ int) ([]store.Similarity, error) {
	return s.textHits[query], nil
}
func (s *stubStore) Close() error { return nil }

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0}, nil }
func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (stubEmbedder) Model() string { return "stub" }

func openRecord(id string, ts time.Time) *discovery.Discovery {
	return &discovery.Discovery{
		ID: id, AgentID: "agent-a", Type: discovery.TypeInsight,
		Summary: "record " + id, Status: discovery.StatusOpen,
		Timestamp: discovery.FormatTime(ts),
	}
}

func newEngine(st store.Store, withEmbedder bool) *Engine {
	var e *Engine
	if withEmbedder {
		e = NewEngine(st, stubEmbedder{}, log.New(io.Discard, "", 0))
	} else {
		e = NewEngine(st, nil, log.New(io.Discard, "", 0))
	}
	return e
}

func TestConnectivityScore(t *testing.T) {
	if got := connectivityScore(discovery.EdgeCounts{}); got != 0 {
		t.Fatalf("no edges should score 0, got %f", got)
	}

	// 10 inbound responses: raw 20, log1p(20)/log1p(100).
	got := connectivityScore(discovery.EdgeCounts{RespondsIn: 10})
	want := math.Log1p(20) / math.Log1p(100)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("want %f, got %f", want, got)
	}

	// Each supersession halves the raw count.
	halved := connectivityScore(discovery.EdgeCounts{RespondsIn: 10, SupersededBy: 1})
	wantHalved := math.Log1p(10) / math.Log1p(100)
	if math.Abs(halved-wantHalved) > 1e-9 {
		t.Fatalf("supersession penalty: want %f, got %f", wantHalved, halved)
	}

	// Raw caps at 50 so the score never exceeds log1p(50)/log1p(100).
	capped := connectivityScore(discovery.EdgeCounts{RespondsIn: 1000})
	wantCap := math.Log1p(50) / math.Log1p(100)
	if math.Abs(capped-wantCap) > 1e-9 {
		t.Fatalf("cap: want %f, got %f", wantCap, capped)
	}
}

// A highly similar record with no connections must outrank a weakly
// similar record with heavy connectivity.
func TestBlendPrefersTextualRelevance(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	st := &stubStore{
		records: map[string]*discovery.Discovery{
			"d-a": openRecord("d-a", now),
			"d-b": openRecord("d-b", now),
		},
		counts: map[string]discovery.EdgeCounts{
			"d-b": {RespondsIn: 10},
		},
		vectorHits: []store.Similarity{
			{ID: "d-a", Score: 0.9},
			{ID: "d-b", Score: 0.5},
		},
	}
	e := newEngine(st, true)
	e.now = func() time.Time { return now }

	resp, err := e.Search(context.Background(), "anything", Options{Mode: ModeSemantic})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("want 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Discovery.ID != "d-a" {
		t.Fatalf("textual relevance should win: %+v", resp.Results)
	}
	if math.Abs(resp.Results[0].Score-0.63) > 1e-9 {
		t.Fatalf("score for d-a: want 0.63, got %f", resp.Results[0].Score)
	}
	if resp.Results[1].Score >= resp.Results[0].Score {
		t.Fatalf("ordering: %f >= %f", resp.Results[1].Score, resp.Results[0].Score)
	}
}

func TestThresholdFiltersBeforeBlending(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	st := &stubStore{
		records: map[string]*discovery.Discovery{
			"d-weak": openRecord("d-weak", now),
			"d-ok":   openRecord("d-ok", now),
		},
		counts: map[string]discovery.EdgeCounts{
			// Massive connectivity must not rescue a below-threshold hit.
			"d-weak": {RespondsIn: 25},
		},
		vectorHits: []store.Similarity{
			{ID: "d-weak", Score: 0.1},
			{ID: "d-ok", Score: 0.6},
		},
	}
	e := newEngine(st, true)
	e.now = func() time.Time { return now }

	resp, err := e.Search(context.Background(), "q", Options{Mode: ModeSemantic, MinSimilarity: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Discovery.ID != "d-ok" {
		t.Fatalf("threshold not applied before blending: %+v", resp.Results)
	}
}

func TestColdExcludedUnlessRequested(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cold := openRecord("d-cold", now)
	cold.Status = discovery.StatusCold
	st := &stubStore{
		records:    map[string]*discovery.Discovery{"d-cold": cold},
		vectorHits: []store.Similarity{{ID: "d-cold", Score: 0.9}},
	}
	e := newEngine(st, true)
	e.now = func() time.Time { return now }

	resp, err := e.Search(context.Background(), "q", Options{Mode: ModeSemantic})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("cold record surfaced by default: %+v", resp.Results)
	}

	resp, err = e.Search(context.Background(), "q", Options{Mode: ModeSemantic, IncludeCold: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatal("cold record missing when explicitly requested")
	}
}

func TestSemanticDegradesToFullText(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	st := &stubStore{
		records: map[string]*discovery.Discovery{"d-a": openRecord("d-a", now)},
		textHits: map[string][]store.Similarity{
			"pool": {{ID: "d-a", Score: 0.8}},
		},
	}
	e := newEngine(st, false)
	e.now = func() time.Time { return now }

	resp, err := e.Search(context.Background(), "pool", Options{Mode: ModeSemantic})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Degraded {
		t.Fatal("degradation not reported")
	}
	if len(resp.Results) != 1 || resp.Results[0].Discovery.ID != "d-a" {
		t.Fatalf("full-text fallback missed: %+v", resp.Results)
	}
}

func TestRelaxationsReported(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// All hits sit between threshold/2 and threshold, so only the widened
	// pass finds them.
	st := &stubStore{
		records: map[string]*discovery.Discovery{"d-a": openRecord("d-a", now)},
		textHits: map[string][]store.Similarity{
			"pool": {{ID: "d-a", Score: 0.2}},
		},
	}
	e := newEngine(st, false)
	e.now = func() time.Time { return now }

	resp, err := e.Search(context.Background(), "pool", Options{MinSimilarity: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("widened threshold found nothing: %+v", resp)
	}
	if len(resp.Relaxations) != 1 || resp.Relaxations[0] != RelaxedThreshold {
		t.Fatalf("relaxation not reported: %v", resp.Relaxations)
	}

	// Full phrase matches nothing, single terms do: decomposition kicks
	// in as the second relaxation.
	st = &stubStore{
		records: map[string]*discovery.Discovery{"d-b": openRecord("d-b", now)},
		textHits: map[string][]store.Similarity{
			"exhaustion": {{ID: "d-b", Score: 0.7}},
		},
	}
	e = newEngine(st, false)
	e.now = func() time.Time { return now }

	resp, err = e.Search(context.Background(), "exhaustion cascade", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Discovery.ID != "d-b" {
		t.Fatalf("decomposition missed: %+v", resp.Results)
	}
	found := false
	for _, r := range resp.Relaxations {
		if r == RelaxedDecompose {
			found = true
		}
	}
	if !found {
		t.Fatalf("decomposition not reported: %v", resp.Relaxations)
	}
	for _, r := range resp.Relaxations {
		if r == RelaxedThreshold {
			t.Fatalf("threshold reported though never widened: %v", resp.Relaxations)
		}
	}
}

// When decomposed terms only match below the threshold, both the
// decomposition and the widening must be reported.
func TestDecomposeWideningReportsBothRelaxations(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	st := &stubStore{
		records: map[string]*discovery.Discovery{"d-c": openRecord("d-c", now)},
		textHits: map[string][]store.Similarity{
			"exhaustion": {{ID: "d-c", Score: 0.2}},
		},
	}
	e := newEngine(st, false)
	e.now = func() time.Time { return now }

	resp, err := e.Search(context.Background(), "exhaustion cascade", Options{MinSimilarity: 0.3})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Discovery.ID != "d-c" {
		t.Fatalf("widened decomposition missed: %+v", resp.Results)
	}
	got := map[Relaxation]bool{}
	for _, r := range resp.Relaxations {
		got[r] = true
	}
	if !got[RelaxedDecompose] || !got[RelaxedThreshold] {
		t.Fatalf("want both relaxations, got %v", resp.Relaxations)
	}
}

func TestNegativeOptionsMeanExplicitZero(t *testing.T) {
	opts := Options{MinSimilarity: -1, ConnectivityWeight: -1}.withDefaults()
	if opts.MinSimilarity != 0 {
		t.Fatalf("negative MinSimilarity should resolve to zero, got %f", opts.MinSimilarity)
	}
	if opts.ConnectivityWeight != 0 {
		t.Fatalf("negative ConnectivityWeight should resolve to zero, got %f", opts.ConnectivityWeight)
	}
	opts = Options{}.withDefaults()
	if opts.MinSimilarity != DefaultMinSimilarity || opts.ConnectivityWeight != DefaultConnectivityWeight {
		t.Fatalf("zero values should take the defaults: %+v", opts)
	}

	// Zero threshold keeps a hit the default would drop, and zero weight
	// makes the blend pure similarity despite heavy connectivity.
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	st := &stubStore{
		records: map[string]*discovery.Discovery{"d-a": openRecord("d-a", now)},
		counts:  map[string]discovery.EdgeCounts{"d-a": {RespondsIn: 10}},
		textHits: map[string][]store.Similarity{
			"pool": {{ID: "d-a", Score: 0.1}},
		},
	}
	e := newEngine(st, false)
	e.now = func() time.Time { return now }

	resp, err := e.Search(context.Background(), "pool", Options{MinSimilarity: -1, ConnectivityWeight: -1})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Relaxations) != 0 {
		t.Fatalf("no relaxation should be needed: %v", resp.Relaxations)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("zero threshold dropped the hit: %+v", resp.Results)
	}
	if math.Abs(resp.Results[0].Score-0.1) > 1e-9 {
		t.Fatalf("blend not pure similarity: %f", resp.Results[0].Score)
	}
}

func TestStatusMultiplierAndDecay(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	fresh := openRecord("d-fresh", now)
	resolved := openRecord("d-resolved", now)
	resolved.Status = discovery.StatusResolved
	aged := openRecord("d-aged", now.AddDate(0, 0, -90))

	st := &stubStore{
		records: map[string]*discovery.Discovery{
			"d-fresh": fresh, "d-resolved": resolved, "d-aged": aged,
		},
		vectorHits: []store.Similarity{
			{ID: "d-fresh", Score: 0.8},
			{ID: "d-resolved", Score: 0.8},
			{ID: "d-aged", Score: 0.8},
		},
	}
	e := newEngine(st, true)
	e.now = func() time.Time { return now }

	resp, err := e.Search(context.Background(), "q", Options{Mode: ModeSemantic})
	if err != nil {
		t.Fatal(err)
	}
	scores := map[string]float64{}
	for _, r := range resp.Results {
		scores[r.Discovery.ID] = r.Score
	}
	// Same similarity: open fresh > open aged (decay) and > resolved
	// (status multiplier).
	if !(scores["d-fresh"] > scores["d-aged"]) {
		t.Fatalf("decay did not reduce the aged record: %+v", scores)
	}
	if !(scores["d-fresh"] > scores["d-resolved"]) {
		t.Fatalf("status multiplier did not reduce the resolved record: %+v", scores)
	}
	// 90-day-old record at the default half-life scores exactly half the
	// fresh one.
	if math.Abs(scores["d-aged"]-scores["d-fresh"]/2) > 1e-9 {
		t.Fatalf("half-life decay: fresh %f aged %f", scores["d-fresh"], scores["d-aged"])
	}
}
