// Package search ranks discoveries by blending textual or semantic
// relevance with graph connectivity, then applying status and recency
// adjustments.
package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/embedding"
	"github.com/CIRWEL/discovery-graph/internal/store"
)

// Mode selects the candidate retrieval strategy.
type Mode string

const (
	ModeFullText Mode = "full_text"
	ModeSemantic Mode = "semantic"
)

// Relaxation names an automatic query relaxation the engine performed.
// Relaxations are always reported back, never applied silently.
type Relaxation string

const (
	RelaxedThreshold Relaxation = "threshold_widened"
	RelaxedDecompose Relaxation = "query_decomposed"
)

// Options tunes one search call. Zero values take the defaults; pass a
// negative MinSimilarity or ConnectivityWeight to request an explicit
// zero.
type Options struct {
	Mode  Mode
	Limit int
	// MinSimilarity drops candidates before blending; connectivity can
	// never rescue a record below the threshold.
	MinSimilarity      float64
	ConnectivityWeight float64
	HalfLifeDays       float64
	// IncludeCold admits cold-tier records into the ranked set.
	IncludeCold bool
}

const (
	DefaultLimit              = 10
	DefaultMinSimilarity      = 0.25
	DefaultConnectivityWeight = 0.3
	DefaultHalfLifeDays       = 90
)

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeFullText
	}
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.MinSimilarity < 0 {
		o.MinSimilarity = 0
	} else if o.MinSimilarity == 0 {
		o.MinSimilarity = DefaultMinSimilarity
	}
	if o.ConnectivityWeight < 0 {
		o.ConnectivityWeight = 0
	} else if o.ConnectivityWeight == 0 {
		o.ConnectivityWeight = DefaultConnectivityWeight
	}
	if o.HalfLifeDays <= 0 {
		o.HalfLifeDays = DefaultHalfLifeDays
	}
	return o
}

// Result is one ranked hit with its score components exposed for callers
// that want to explain the ranking.
type Result struct {
	Discovery    *discovery.Discovery `json:"discovery"`
	Score        float64              `json:"score"`
	Similarity   float64              `json:"similarity"`
	Connectivity float64              `json:"connectivity"`
}

// Response carries the ranked hits plus what the engine had to do to get
// them.
type Response struct {
	Results     []Result     `json:"results"`
	Relaxations []Relaxation `json:"relaxations,omitempty"`
	// Degraded is set when semantic mode fell back to full-text because
	// no embedding path was available.
	Degraded bool `json:"degraded,omitempty"`
}

// StatusMultipliers is the default rank adjustment per lifecycle status.
// Cold shares the archived multiplier when explicitly included.
var StatusMultipliers = map[discovery.Status]float64{
	discovery.StatusOpen:     1.0,
	discovery.StatusDisputed: 0.5,
	discovery.StatusResolved: 0.6,
	discovery.StatusArchived: 0.3,
	discovery.StatusCold:     0.3,
}

// Engine executes searches against one backend.
type Engine struct {
	store    store.Store
	embedder embedding.Provider
	logger   *log.Logger
	now      func() time.Time

	searches metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewEngine builds a search engine. embedder may be nil: semantic searches
// then degrade to full-text and say so.
func NewEngine(st store.Store, embedder embedding.Provider, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	e := &Engine{store: st, embedder: embedder, logger: logger, now: time.Now}
	meter := otel.Meter("discovery-graph/search")
	var err error
	if e.searches, err = meter.Int64Counter("searches_total",
		metric.WithDescription("Search calls by mode.")); err != nil {
		logger.Printf("warn: init search counter: %v", err)
	}
	if e.latency, err = meter.Float64Histogram("search_duration_seconds",
		metric.WithDescription("End-to-end search latency.")); err != nil {
		logger.Printf("warn: init search histogram: %v", err)
	}
	return e
}

// Search retrieves candidates, filters them by similarity, blends in
// connectivity and returns the ranked set. Empty results for a non-empty
// query trigger at most two reported relaxations.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &discovery.ValidationError{Field: "query", Reason: "required"}
	}
	opts = opts.withDefaults()
	started := e.now()
	defer func() {
		if e.latency != nil {
			e.latency.Record(ctx, e.now().Sub(started).Seconds())
		}
	}()
	if e.searches != nil {
		e.searches.Add(ctx, 1)
	}

	resp := &Response{}
	candidates, err := e.retrieve(ctx, query, opts, resp)
	if err != nil {
		return nil, err
	}

	results, err := e.rank(ctx, candidates, opts)
	if err != nil {
		return nil, err
	}

	// Relaxation (a): widen the similarity threshold.
	if len(results) == 0 {
		relaxed := opts
		relaxed.MinSimilarity = opts.MinSimilarity / 2
		results, err = e.rank(ctx, candidates, relaxed)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			resp.Relaxations = append(resp.Relaxations, RelaxedThreshold)
		}
	}

	// Relaxation (b): decompose a multi-term query into an OR of terms.
	if len(results) == 0 {
		terms := strings.Fields(query)
		if len(terms) > 1 {
			union := make(map[string]float64)
			for _, term := range terms {
				hits, err := e.retrieve(ctx, term, opts, resp)
				if err != nil {
					return nil, err
				}
				for _, hit := range hits {
					if hit.Score > union[hit.ID] {
						union[hit.ID] = hit.Score
					}
				}
			}
			merged := make([]store.Similarity, 0, len(union))
			for id, score := range union {
				merged = append(merged, store.Similarity{ID: id, Score: score})
			}
			results, err = e.rank(ctx, merged, opts)
			if err != nil {
				return nil, err
			}
			if len(results) > 0 {
				resp.Relaxations = append(resp.Relaxations, RelaxedDecompose)
			} else {
				// Widening on top of decomposition reports both steps.
				relaxed := opts
				relaxed.MinSimilarity = opts.MinSimilarity / 2
				results, err = e.rank(ctx, merged, relaxed)
				if err != nil {
					return nil, err
				}
				if len(results) > 0 {
					resp.Relaxations = append(resp.Relaxations, RelaxedDecompose, RelaxedThreshold)
				}
			}
		}
	}

	resp.Results = results
	return resp, nil
}

// retrieve fetches raw candidates. fetch size is a multiple of the limit
// so the later filters have something left to rank.
func (e *Engine) retrieve(ctx context.Context, query string, opts Options, resp *Response) ([]store.Similarity, error) {
	fetch := opts.Limit * 3
	if fetch < 30 {
		fetch = 30
	}
	if opts.Mode == ModeSemantic {
		hits, err := e.semantic(ctx, query, fetch)
		if err == nil {
			return hits, nil
		}
		if !errors.Is(err, discovery.ErrBackendUnavailable) {
			return nil, err
		}
		// Degraded-but-correct: no embedding path, fall back to text.
		resp.Degraded = true
	}
	hits, err := e.store.FullText(ctx, query, fetch)
	if err != nil {
		return nil, fmt.Errorf("full-text retrieval: %w", err)
	}
	return hits, nil
}

func (e *Engine) semantic(ctx context.Context, query string, fetch int) ([]store.Similarity, error) {
	if e.embedder == nil {
		return nil, discovery.ErrBackendUnavailable
	}
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Printf("warn: query embedding failed: %v", err)
		return nil, discovery.ErrBackendUnavailable
	}
	hits, err := e.store.SimilarByVector(ctx, vec, fetch)
	if err != nil {
		if errors.Is(err, discovery.ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("vector retrieval: %w", err)
	}
	return hits, nil
}

// rank applies threshold, connectivity blend, status multiplier and decay,
// then sorts and truncates.
func (e *Engine) rank(ctx context.Context, candidates []store.Similarity, opts Options) ([]Result, error) {
	kept := make([]store.Similarity, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= opts.MinSimilarity {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	ids := make([]string, len(kept))
	for i, c := range kept {
		ids[i] = c.ID
	}
	counts, err := e.store.InboundCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("connectivity counts: %w", err)
	}

	now := e.now()
	results := make([]Result, 0, len(kept))
	for _, c := range kept {
		rec, err := e.store.Get(ctx, c.ID)
		if err != nil {
			if discovery.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if rec.Status == discovery.StatusCold && !opts.IncludeCold {
			continue
		}

		conn := connectivityScore(counts[c.ID])
		score := c.Score*(1-opts.ConnectivityWeight) + conn*opts.ConnectivityWeight
		if mult, ok := StatusMultipliers[rec.Status]; ok {
			score *= mult
		}
		ageDays := now.Sub(rec.Created()).Hours() / 24
		score *= temporalDecay(ageDays, opts.HalfLifeDays)

		results = append(results, Result{
			Discovery:    rec,
			Score:        score,
			Similarity:   c.Score,
			Connectivity: conn,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Discovery.ID < results[j].Discovery.ID
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}
