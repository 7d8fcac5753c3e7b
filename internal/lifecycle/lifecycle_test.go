package lifecycle

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/CIRWEL/discovery-graph/internal/discovery"
	"github.com/CIRWEL/discovery-graph/internal/store/memory"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		rec  discovery.Discovery
		want Class
	}{
		{"pattern type", discovery.Discovery{Type: discovery.TypePattern}, ClassPermanent},
		{"insight type", discovery.Discovery{Type: discovery.TypeInsight}, ClassPermanent},
		{"permanent tag", discovery.Discovery{Type: discovery.TypeNote, Tags: []string{"architecture"}}, ClassPermanent},
		{"ephemeral tag", discovery.Discovery{Type: discovery.TypeNote, Tags: []string{"wip"}}, ClassEphemeral},
		{"permanent tag wins over ephemeral", discovery.Discovery{Type: discovery.TypeNote, Tags: []string{"wip", "decision"}}, ClassPermanent},
		{"plain note", discovery.Discovery{Type: discovery.TypeNote}, ClassStandard},
		{"bug without tags", discovery.Discovery{Type: discovery.TypeBugFound}, ClassStandard},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(&tc.rec); got != tc.want {
				t.Fatalf("Classify() = %s, want %s", got, tc.want)
			}
		})
	}
}

func newTestManager(t *testing.T) (*Manager, *memory.Store, time.Time) {
	t.Helper()
	st, err := memory.Open("", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	m := NewManager(st, Config{}, log.New(io.Discard, "", 0))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, st, now
}

func seed(t *testing.T, st *memory.Store, rec *discovery.Discovery) {
	t.Helper()
	if err := st.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", rec.ID, err)
	}
}

func TestRunCleanupArchivesStaleEphemeral(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	seed(t, st, &discovery.Discovery{
		ID: "d-old-wip", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "scratch notes", Tags: []string{"wip"},
		Status: discovery.StatusOpen, Timestamp: discovery.FormatTime(now.Add(-8 * 24 * time.Hour)),
	})
	seed(t, st, &discovery.Discovery{
		ID: "d-fresh-wip", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "fresh scratch", Tags: []string{"wip"},
		Status: discovery.StatusOpen, Timestamp: discovery.FormatTime(now.Add(-2 * 24 * time.Hour)),
	})
	seed(t, st, &discovery.Discovery{
		ID: "d-old-standard", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "standard open note",
		Status:  discovery.StatusOpen, Timestamp: discovery.FormatTime(now.Add(-400 * 24 * time.Hour)),
	})

	summary, err := m.RunCleanup(ctx, false)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if summary.EphemeralArchived != 1 {
		t.Fatalf("ephemeral archived = %d, want 1", summary.EphemeralArchived)
	}
	if summary.Deleted != 0 {
		t.Fatalf("deleted = %d, want 0", summary.Deleted)
	}

	got, _ := st.Get(ctx, "d-old-wip")
	if got.Status != discovery.StatusArchived {
		t.Fatalf("stale ephemeral status = %s, want archived", got.Status)
	}
	for _, id := range []string{"d-fresh-wip", "d-old-standard"} {
		got, _ := st.Get(ctx, id)
		if got.Status != discovery.StatusOpen {
			t.Fatalf("%s status = %s, want open", id, got.Status)
		}
	}
}

func TestRunCleanupArchivesStaleResolved(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	seed(t, st, &discovery.Discovery{
		ID: "d-resolved-old", AgentID: "agent-a", Type: discovery.TypeBugFound,
		Summary: "fixed long ago", Status: discovery.StatusResolved,
		Timestamp:  discovery.FormatTime(now.Add(-60 * 24 * time.Hour)),
		ResolvedAt: discovery.FormatTime(now.Add(-31 * 24 * time.Hour)),
	})
	seed(t, st, &discovery.Discovery{
		ID: "d-resolved-recent", AgentID: "agent-a", Type: discovery.TypeBugFound,
		Summary: "fixed last week", Status: discovery.StatusResolved,
		Timestamp:  discovery.FormatTime(now.Add(-60 * 24 * time.Hour)),
		ResolvedAt: discovery.FormatTime(now.Add(-7 * 24 * time.Hour)),
	})

	summary, err := m.RunCleanup(ctx, false)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if summary.ResolvedArchived != 1 {
		t.Fatalf("resolved archived = %d, want 1", summary.ResolvedArchived)
	}
	got, _ := st.Get(ctx, "d-resolved-old")
	if got.Status != discovery.StatusArchived {
		t.Fatalf("stale resolved status = %s", got.Status)
	}
	got, _ = st.Get(ctx, "d-resolved-recent")
	if got.Status != discovery.StatusResolved {
		t.Fatalf("recent resolved status = %s", got.Status)
	}
}

func TestRunCleanupNeverArchivesPermanent(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	ancient := discovery.FormatTime(now.Add(-5 * 365 * 24 * time.Hour))
	seed(t, st, &discovery.Discovery{
		ID: "d-pattern", AgentID: "agent-a", Type: discovery.TypePattern,
		Summary: "retry with jitter", Status: discovery.StatusResolved,
		Timestamp: ancient, ResolvedAt: ancient,
	})
	seed(t, st, &discovery.Discovery{
		ID: "d-decision", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "chose event sourcing", Tags: []string{"decision"},
		Status: discovery.StatusResolved, Timestamp: ancient, ResolvedAt: ancient,
	})

	summary, err := m.RunCleanup(ctx, false)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if summary.ResolvedArchived != 0 || summary.EphemeralArchived != 0 {
		t.Fatalf("permanent records archived: %+v", summary)
	}
	for _, id := range []string{"d-pattern", "d-decision"} {
		got, _ := st.Get(ctx, id)
		if got.Status != discovery.StatusResolved {
			t.Fatalf("%s status = %s, want resolved", id, got.Status)
		}
	}
}

func TestRunCleanupMovesArchivedToCold(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	seed(t, st, &discovery.Discovery{
		ID: "d-archived-old", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "long untouched", Status: discovery.StatusArchived,
		Timestamp: discovery.FormatTime(now.Add(-200 * 24 * time.Hour)),
		UpdatedAt: discovery.FormatTime(now.Add(-91 * 24 * time.Hour)),
	})
	seed(t, st, &discovery.Discovery{
		ID: "d-archived-recent", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "recently touched", Status: discovery.StatusArchived,
		Timestamp: discovery.FormatTime(now.Add(-200 * 24 * time.Hour)),
		UpdatedAt: discovery.FormatTime(now.Add(-10 * 24 * time.Hour)),
	})

	summary, err := m.RunCleanup(ctx, false)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if summary.MovedToCold != 1 {
		t.Fatalf("moved to cold = %d, want 1", summary.MovedToCold)
	}
	got, _ := st.Get(ctx, "d-archived-old")
	if got.Status != discovery.StatusCold {
		t.Fatalf("old archived status = %s, want cold", got.Status)
	}
	got, _ = st.Get(ctx, "d-archived-recent")
	if got.Status != discovery.StatusArchived {
		t.Fatalf("recent archived status = %s, want archived", got.Status)
	}
}

func TestRunCleanupFreshlyArchivedWaitsForCold(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	// Archived by rule 1 in this run; its update timestamp is reset by the
	// write, so the cold pass must not pick it up in the same run.
	seed(t, st, &discovery.Discovery{
		ID: "d-wip", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "very old scratch", Tags: []string{"scratch"},
		Status: discovery.StatusOpen, Timestamp: discovery.FormatTime(now.Add(-365 * 24 * time.Hour)),
	})

	summary, err := m.RunCleanup(ctx, false)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if summary.EphemeralArchived != 1 || summary.MovedToCold != 0 {
		t.Fatalf("summary = %+v, want one archive and no cold moves", summary)
	}
	got, _ := st.Get(ctx, "d-wip")
	if got.Status != discovery.StatusArchived {
		t.Fatalf("status = %s, want archived", got.Status)
	}
}

func TestRunCleanupDryRunWritesNothing(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	seed(t, st, &discovery.Discovery{
		ID: "d-wip", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "old scratch", Tags: []string{"temporary"},
		Status: discovery.StatusOpen, Timestamp: discovery.FormatTime(now.Add(-30 * 24 * time.Hour)),
	})
	seed(t, st, &discovery.Discovery{
		ID: "d-archived", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "dormant", Status: discovery.StatusArchived,
		Timestamp: discovery.FormatTime(now.Add(-300 * 24 * time.Hour)),
		UpdatedAt: discovery.FormatTime(now.Add(-120 * 24 * time.Hour)),
	})

	summary, err := m.RunCleanup(ctx, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !summary.DryRun {
		t.Fatal("dry run flag not set")
	}
	if summary.EphemeralArchived != 1 || summary.MovedToCold != 1 {
		t.Fatalf("dry run summary = %+v", summary)
	}

	got, _ := st.Get(ctx, "d-wip")
	if got.Status != discovery.StatusOpen {
		t.Fatalf("dry run mutated status: %s", got.Status)
	}
	got, _ = st.Get(ctx, "d-archived")
	if got.Status != discovery.StatusArchived {
		t.Fatalf("dry run mutated status: %s", got.Status)
	}
}

func TestRunCleanupIsIdempotent(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	seed(t, st, &discovery.Discovery{
		ID: "d-wip", AgentID: "agent-a", Type: discovery.TypeNote,
		Summary: "old scratch", Tags: []string{"debug"},
		Status: discovery.StatusOpen, Timestamp: discovery.FormatTime(now.Add(-30 * 24 * time.Hour)),
	})

	first, err := m.RunCleanup(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.RunCleanup(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if first.EphemeralArchived != 1 || second.EphemeralArchived != 0 {
		t.Fatalf("runs not idempotent: first=%+v second=%+v", first, second)
	}
	if first.Deleted != 0 || second.Deleted != 0 {
		t.Fatal("cleanup deleted records")
	}
}
