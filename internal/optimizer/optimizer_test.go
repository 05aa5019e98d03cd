package optimizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sharestack/share-analyzer/internal/models"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeNarrator struct {
	text  string
	err   error
	calls int
}

func (f *fakeNarrator) Narrate(_ context.Context, _ models.Recommendation) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func issue(kind models.IssueKind, severity models.Severity, lastSeen time.Time) models.Issue {
	return models.Issue{Kind: kind, Severity: severity, LastSeen: lastSeen, Occurrences: 1}
}

func TestUpdateEmitsOneRecommendationPerIssue(t *testing.T) {
	o, err := New(nil, nil, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	open := []models.Issue{issue(models.IssueHighLatency, models.SeverityHigh, base)}

	recs, diags := o.Update(context.Background(), open, nil)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recommendation, got %d", len(recs))
	}
	if recs[0].Priority != models.SeverityHigh {
		t.Errorf("priority should follow severity, got %s", recs[0].Priority)
	}
	if recs[0].Action == "" {
		t.Error("recommendation must carry an action template")
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	o, err := New(nil, nil, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	open := []models.Issue{issue(models.IssueHighLatency, models.SeverityHigh, base)}

	first, _ := o.Update(context.Background(), open, nil)
	second, _ := o.Update(context.Background(), open, nil)

	if len(second) != 1 {
		t.Fatalf("re-running on an unchanged issue must not duplicate, got %d", len(second))
	}
	if first[0].ID != second[0].ID {
		t.Error("the recommendation must be kept, not re-emitted")
	}
	if !first[0].UpdatedAt.Equal(second[0].UpdatedAt) {
		t.Error("unchanged issue must not bump UpdatedAt")
	}
}

func TestUpdateReprioritizesInPlace(t *testing.T) {
	o, err := New(nil, nil, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	first, _ := o.Update(ctx, []models.Issue{issue(models.IssuePacketLoss, models.SeverityHigh, base)}, nil)
	second, _ := o.Update(ctx, []models.Issue{issue(models.IssuePacketLoss, models.SeverityCritical, base.Add(time.Second))}, nil)

	if len(second) != 1 {
		t.Fatalf("expected 1 recommendation, got %d", len(second))
	}
	if second[0].ID != first[0].ID {
		t.Error("escalation must update the existing recommendation")
	}
	if second[0].Priority != models.SeverityCritical {
		t.Errorf("expected critical priority, got %s", second[0].Priority)
	}
}

func TestUpdateDropsClosedIssues(t *testing.T) {
	o, err := New(nil, nil, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	o.Update(ctx, []models.Issue{issue(models.IssueHighLatency, models.SeverityHigh, base)}, nil)
	recs, _ := o.Update(ctx, nil, nil)

	if len(recs) != 0 {
		t.Fatalf("closed issue recommendations must be dropped, got %d", len(recs))
	}
}

func TestUpdatePriorityOrdering(t *testing.T) {
	o, err := New(nil, nil, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	open := []models.Issue{
		issue(models.IssueSmallTCPWindow, models.SeverityMedium, base.Add(2*time.Second)),
		issue(models.IssuePacketLoss, models.SeverityCritical, base),
		issue(models.IssueHighLatency, models.SeverityHigh, base.Add(time.Second)),
		issue(models.IssueLowThroughput, models.SeverityMedium, base.Add(5*time.Second)),
	}

	recs, _ := o.Update(context.Background(), open, nil)
	if len(recs) != 4 {
		t.Fatalf("expected 4 recommendations, got %d", len(recs))
	}

	wantOrder := []models.Severity{
		models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityMedium,
	}
	for i, want := range wantOrder {
		if recs[i].Priority != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, recs[i].Priority)
		}
	}
	// Equal severities order by recency.
	if recs[2].Targets[0] != string(models.IssueLowThroughput) {
		t.Errorf("expected the more recent medium issue first, got %v", recs[2].Targets)
	}
}

func TestAnomalyFlagRecommendation(t *testing.T) {
	o, err := New(nil, nil, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	flags := []models.AnomalyFlag{
		{WindowID: 7, Time: base, Score: 3.0, Threshold: 2.5},
		{WindowID: 8, Time: base.Add(time.Second), Score: 6.0, Threshold: 2.5},
	}

	recs, _ := o.Update(context.Background(), nil, flags)
	if len(recs) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(recs))
	}
	// Score at 2x threshold escalates.
	if recs[0].Priority != models.SeverityHigh {
		t.Errorf("expected high priority for extreme score, got %s", recs[0].Priority)
	}
	if recs[1].Priority != models.SeverityMedium {
		t.Errorf("expected medium priority, got %s", recs[1].Priority)
	}

	// Flags are per window and never re-emitted.
	again, _ := o.Update(context.Background(), nil, flags)
	if len(again) != 2 {
		t.Errorf("repeated flags must not duplicate, got %d", len(again))
	}
}

func TestAnomalyRecommendationsAreBounded(t *testing.T) {
	o, err := New(nil, nil, Config{AnomalyBacklog: 3})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 1; i <= 5; i++ {
		flag := models.AnomalyFlag{
			WindowID:  uint64(i),
			Time:      base.Add(time.Duration(i) * time.Second),
			Score:     3.0,
			Threshold: 2.5,
		}
		o.Update(context.Background(), nil, []models.AnomalyFlag{flag})
	}

	recs := o.Recommendations()
	if len(recs) != 3 {
		t.Fatalf("expected anomaly backlog of 3, got %d recommendations", len(recs))
	}
	for _, rec := range recs {
		if rec.Targets[0] == "anomaly:1" || rec.Targets[0] == "anomaly:2" {
			t.Errorf("oldest flags should have aged out, found %v", rec.Targets)
		}
	}
}

func TestEnrichmentReplacesTemplate(t *testing.T) {
	narrator := &fakeNarrator{text: "tuned prose"}
	o, err := New(nil, narrator, Config{NarrateRatePerMinute: 60})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	recs, diags := o.Update(context.Background(), []models.Issue{issue(models.IssueHighLatency, models.SeverityHigh, base)}, nil)
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %+v", diags)
	}
	if recs[0].Action != "tuned prose" {
		t.Errorf("expected enriched action, got %q", recs[0].Action)
	}
	if narrator.calls != 1 {
		t.Errorf("expected 1 narrator call, got %d", narrator.calls)
	}

	// Kept recommendations are not re-enriched.
	o.Update(context.Background(), []models.Issue{issue(models.IssueHighLatency, models.SeverityHigh, base)}, nil)
	if narrator.calls != 1 {
		t.Errorf("kept recommendation must not call the narrator again, got %d calls", narrator.calls)
	}
}

func TestEnrichmentFailureKeepsTemplate(t *testing.T) {
	narrator := &fakeNarrator{err: errors.New("service down")}
	o, err := New(nil, narrator, Config{NarrateRatePerMinute: 60})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	recs, diags := o.Update(context.Background(), []models.Issue{issue(models.IssueHighLatency, models.SeverityHigh, base)}, nil)
	if len(recs) != 1 {
		t.Fatal("enrichment failure must not suppress the recommendation")
	}
	if recs[0].Action == "" {
		t.Error("template text must survive a failed enrichment")
	}
	if len(diags) != 1 || diags[0].Kind != models.DiagEnrichmentUnavailable {
		t.Fatalf("expected enrichment diagnostic, got %+v", diags)
	}
}

func TestActionPackOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.yaml")
	content := `
actions:
  - kind: high_latency
    text: "custom latency advice"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write action pack: %v", err)
	}

	o, err := New(nil, nil, Config{ActionPackPath: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	recs, _ := o.Update(context.Background(), []models.Issue{issue(models.IssueHighLatency, models.SeverityHigh, base)}, nil)
	if recs[0].Action != "custom latency advice" {
		t.Errorf("expected pack override, got %q", recs[0].Action)
	}

	// Kinds not in the pack keep the built-in text.
	recs2, _ := o.Update(context.Background(), []models.Issue{
		issue(models.IssueHighLatency, models.SeverityHigh, base),
		issue(models.IssuePacketLoss, models.SeverityHigh, base),
	}, nil)
	if len(recs2) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(recs2))
	}
	for _, rec := range recs2 {
		if rec.Targets[0] == string(models.IssuePacketLoss) && rec.Action == "" {
			t.Error("built-in template missing for kind outside the pack")
		}
	}
}

func TestMissingActionPackUsesDefaults(t *testing.T) {
	o, err := New(nil, nil, Config{ActionPackPath: "/nonexistent/actions.yaml"})
	if err != nil {
		t.Fatalf("missing pack must not fail construction: %v", err)
	}
	recs, _ := o.Update(context.Background(), []models.Issue{issue(models.IssueHighLatency, models.SeverityHigh, base)}, nil)
	if recs[0].Action == "" {
		t.Error("expected built-in template")
	}
}
