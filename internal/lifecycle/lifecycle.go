// Package lifecycle implements tiered retention: discoveries age from open
// to archived to cold on fixed windows, classified by how long their kind
// of knowledge stays valuable. Nothing is ever deleted.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/store"
)

// Class is the retention tier of a discovery.
type Class string

const (
	ClassPermanent Class = "permanent"
	ClassStandard  Class = "standard"
	ClassEphemeral Class = "ephemeral"
)

// permanentTypes holds the discovery types whose value does not decay:
// distilled patterns and hard-won insights stay relevant indefinitely.
var permanentTypes = map[discovery.Type]struct{}{
	discovery.TypePattern: {},
	discovery.TypeInsight: {},
}

var permanentTags = map[string]struct{}{
	"permanent":    {},
	"architecture": {},
	"decision":     {},
	"root-cause":   {},
	"migration":    {},
	"reference":    {},
}

var ephemeralTags = map[string]struct{}{
	"ephemeral": {},
	"temporary": {},
	"wip":       {},
	"debug":     {},
	"scratch":   {},
}

// Classify derives the retention tier from type and tags alone. It is a
// pure function: same record, same answer, no clock involved.
func Classify(d *discovery.Discovery) Class {
	if _, ok := permanentTypes[d.Type]; ok {
		return ClassPermanent
	}
	for _, tag := range d.Tags {
		if _, ok := permanentTags[tag]; ok {
			return ClassPermanent
		}
	}
	for _, tag := range d.Tags {
		if _, ok := ephemeralTags[tag]; ok {
			return ClassEphemeral
		}
	}
	return ClassStandard
}

// Config sets the aging windows. Zero values take the defaults.
type Config struct {
	// OpenEphemeralAge is how long an ephemeral open discovery lives
	// before archival.
	OpenEphemeralAge time.Duration `json:"open_ephemeral_age" mapstructure:"open_ephemeral_age"`
	// ResolvedAge is how long a non-permanent resolved discovery keeps
	// its resolved status before archival.
	ResolvedAge time.Duration `json:"resolved_age" mapstructure:"resolved_age"`
	// ColdAge is how long an archived discovery stays warm before the
	// cold tier.
	ColdAge time.Duration `json:"cold_age" mapstructure:"cold_age"`
}

func (c Config) withDefaults() Config {
	if c.OpenEphemeralAge <= 0 {
		c.OpenEphemeralAge = 7 * 24 * time.Hour
	}
	if c.ResolvedAge <= 0 {
		c.ResolvedAge = 30 * 24 * time.Hour
	}
	if c.ColdAge <= 0 {
		c.ColdAge = 90 * 24 * time.Hour
	}
	return c
}

// Summary reports one cleanup run. Deleted exists to make the guarantee
// auditable: it is always zero.
type Summary struct {
	DryRun            bool `json:"dry_run"`
	Examined          int  `json:"examined"`
	EphemeralArchived int  `json:"ephemeral_archived"`
	ResolvedArchived  int  `json:"resolved_archived"`
	MovedToCold       int  `json:"moved_to_cold"`
	Deleted           int  `json:"deleted"`
}

// Manager runs cleanup passes. It keeps no state between runs: every pass
// re-derives its candidates from the store, so overlapping or repeated
// runs are safe.
type Manager struct {
	store  store.Store
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	archived metric.Int64Counter
	cooled   metric.Int64Counter
}

func NewManager(st store.Store, cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[LIFECYCLE] ", log.LstdFlags)
	}
	m := &Manager{store: st, cfg: cfg.withDefaults(), logger: logger, now: time.Now}
	meter := otel.Meter("discovery-graph/lifecycle")
	var err error
	if m.archived, err = meter.Int64Counter("discoveries_archived_total",
		metric.WithDescription("Discoveries moved to the archived tier.")); err != nil {
		logger.Printf("warn: init archived counter: %v", err)
	}
	if m.cooled, err = meter.Int64Counter("discoveries_cooled_total",
		metric.WithDescription("Discoveries moved to the cold tier.")); err != nil {
		logger.Printf("warn: init cooled counter: %v", err)
	}
	return m
}

// RunCleanup ages records through the tiers in order. With dryRun the same
// candidate sets are computed and reported but nothing is written.
func (m *Manager) RunCleanup(ctx context.Context, dryRun bool) (Summary, error) {
	summary := Summary{DryRun: dryRun}
	now := m.now()

	// Rule 1: ephemeral open discoveries past their short window.
	open, err := m.store.Query(ctx, discovery.Filters{Status: discovery.StatusOpen})
	if err != nil {
		return summary, fmt.Errorf("query open: %w", err)
	}
	summary.Examined += len(open)
	for _, rec := range open {
		if Classify(rec) != ClassEphemeral {
			continue
		}
		if now.Sub(rec.Created()) <= m.cfg.OpenEphemeralAge {
			continue
		}
		if err := m.archive(ctx, rec.ID, dryRun); err != nil {
			return summary, err
		}
		summary.EphemeralArchived++
	}

	// Rule 2: resolved, non-permanent, past the resolved window.
	resolved, err := m.store.Query(ctx, discovery.Filters{Status: discovery.StatusResolved})
	if err != nil {
		return summary, fmt.Errorf("query resolved: %w", err)
	}
	summary.Examined += len(resolved)
	for _, rec := range resolved {
		if Classify(rec) == ClassPermanent {
			continue
		}
		resolvedAt := rec.Resolved()
		if resolvedAt.IsZero() || now.Sub(resolvedAt) <= m.cfg.ResolvedAge {
			continue
		}
		if err := m.archive(ctx, rec.ID, dryRun); err != nil {
			return summary, err
		}
		summary.ResolvedArchived++
	}

	// Rule 3: archived long enough to go cold, judged by last update.
	archived, err := m.store.Query(ctx, discovery.Filters{Status: discovery.StatusArchived})
	if err != nil {
		return summary, fmt.Errorf("query archived: %w", err)
	}
	summary.Examined += len(archived)
	for _, rec := range archived {
		if now.Sub(rec.Updated()) <= m.cfg.ColdAge {
			continue
		}
		if !dryRun {
			if _, err := m.store.Apply(ctx, rec.ID, []discovery.UpdateCommand{
				discovery.SetStatus{Status: discovery.StatusCold},
			}); err != nil {
				return summary, fmt.Errorf("move %s to cold: %w", rec.ID, err)
			}
			if m.cooled != nil {
				m.cooled.Add(ctx, 1)
			}
		}
		summary.MovedToCold++
	}

	m.logger.Printf("cleanup done: examined=%d ephemeral_archived=%d resolved_archived=%d cooled=%d dry_run=%t",
		summary.Examined, summary.EphemeralArchived, summary.ResolvedArchived, summary.MovedToCold, dryRun)
	return summary, nil
}

func (m *Manager) archive(ctx context.Context, id string, dryRun bool) error {
	if dryRun {
		return nil
	}
	if _, err := m.store.Apply(ctx, id, []discovery.UpdateCommand{
		discovery.SetStatus{Status: discovery.StatusArchived},
	}); err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}
	if m.archived != nil {
		m.archived.Add(ctx, 1)
	}
	return nil
}
