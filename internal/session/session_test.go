package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sharestack/share-analyzer/internal/aggregator"
	"github.com/sharestack/share-analyzer/internal/anomaly"
	"github.com/sharestack/share-analyzer/internal/capture"
	"github.com/sharestack/share-analyzer/internal/detector"
	"github.com/sharestack/share-analyzer/internal/models"
	"github.com/sharestack/share-analyzer/internal/optimizer"
	"github.com/sharestack/share-analyzer/internal/protocol"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu    sync.Mutex
	saved []models.SessionReport
}

func (s *fakeStore) Save(_ context.Context, report models.SessionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, report)
	return nil
}

func (s *fakeStore) Load(context.Context, string) (models.SessionReport, error) {
	return models.SessionReport{}, errors.New("not implemented")
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) last() (models.SessionReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return models.SessionReport{}, false
	}
	return s.saved[len(s.saved)-1], true
}

type fakePublisher struct {
	mu        sync.Mutex
	opened    []models.Issue
	closed    []models.Issue
	flagged   []models.AnomalyFlag
	finalized int
}

func (p *fakePublisher) IssueOpened(_ string, issue models.Issue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, issue)
}

func (p *fakePublisher) IssueClosed(_ string, issue models.Issue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, issue)
}

func (p *fakePublisher) AnomalyFlagged(_ string, flag models.AnomalyFlag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flagged = append(p.flagged, flag)
}

func (p *fakePublisher) SessionFinalized(models.SessionReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalized++
}

func (p *fakePublisher) Close() {}

type failingSource struct{}

func (failingSource) NextWindow(context.Context) (capture.Window, error) {
	return capture.Window{}, capture.ErrUnavailable
}

func (failingSource) Close() error { return nil }

// slowWindow builds a one second window containing two request/response pairs
// with the given RTT.
func slowWindow(id uint64, rttMS int) capture.Window {
	start := base.Add(time.Duration(id) * time.Second)
	rtt := time.Duration(rttMS) * time.Millisecond
	return capture.Window{
		ID:    id,
		Start: start,
		End:   start.Add(time.Second),
		Packets: []capture.Packet{
			{Timestamp: start, Length: 300, App: &capture.AppMeta{TransactionID: id*10 + 1, IsRequest: true}},
			{Timestamp: start.Add(rtt), Length: 300, App: &capture.AppMeta{TransactionID: id*10 + 1}},
			{Timestamp: start.Add(100 * time.Millisecond), Length: 300, App: &capture.AppMeta{TransactionID: id*10 + 2, IsRequest: true}},
			{Timestamp: start.Add(100*time.Millisecond + rtt), Length: 300, App: &capture.AppMeta{TransactionID: id*10 + 2}},
		},
	}
}

func newTestSession(t *testing.T, source capture.Source, store *fakeStore, publisher *fakePublisher) *Session {
	t.Helper()

	opt, err := optimizer.New(nil, nil, optimizer.Config{})
	if err != nil {
		t.Fatalf("optimizer: %v", err)
	}

	return New(nil, Config{
		HistoryWindow:    50,
		PredictionWindow: 20,
	}, Deps{
		Source:     source,
		Aggregator: aggregator.New(nil, time.Minute),
		Recognizer: protocol.New(nil),
		Detector: detector.New(nil, detector.Config{
			MaxLatencyMS: 100,
			ClearSamples: 2,
		}, 0),
		Scorer:    anomaly.New(nil, anomaly.Config{Threshold: 2.5, MinSamples: 10, RefitEvery: 20, Seed: 1}),
		Optimizer: opt,
		Store:     store,
		Events:    publisher,
	})
}

func TestSessionRunToCompletion(t *testing.T) {
	windows := []capture.Window{
		slowWindow(1, 150),
		slowWindow(2, 150),
		slowWindow(3, 150),
	}
	store := &fakeStore{}
	publisher := &fakePublisher{}
	sess := newTestSession(t, capture.NewReplaySource(windows), store, publisher)

	report, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.State != models.StateClosed {
		t.Errorf("expected closed state, got %s", report.State)
	}
	if len(report.Samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(report.Samples))
	}
	if !report.Samples[0].RTT.Valid {
		t.Error("samples should carry valid RTT stats")
	}

	if len(report.Issues) != 1 || report.Issues[0].Kind != models.IssueHighLatency {
		t.Fatalf("expected an open high_latency issue, got %+v", report.Issues)
	}
	if len(report.Recommendations) != 1 {
		t.Fatalf("expected a recommendation for the open issue, got %d", len(report.Recommendations))
	}
	if report.Trend == nil || report.Trend.Samples != 3 {
		t.Errorf("expected trend over 3 samples, got %+v", report.Trend)
	}

	if saved, ok := store.last(); !ok || saved.SessionID != report.SessionID {
		t.Error("finalized report must be persisted")
	}
	if len(publisher.opened) != 1 {
		t.Errorf("expected 1 issue-opened event, got %d", len(publisher.opened))
	}
	if publisher.finalized != 1 {
		t.Errorf("expected 1 finalized event, got %d", publisher.finalized)
	}
	if sess.State() != models.StateClosed {
		t.Errorf("session state should be closed, got %s", sess.State())
	}
}

func TestSessionIssueCloseLifecycle(t *testing.T) {
	windows := []capture.Window{
		slowWindow(1, 150),
		slowWindow(2, 150),
		slowWindow(3, 20),
		slowWindow(4, 20),
	}
	store := &fakeStore{}
	publisher := &fakePublisher{}
	sess := newTestSession(t, capture.NewReplaySource(windows), store, publisher)

	report, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(report.Issues) != 0 {
		t.Errorf("issue should have closed, got %+v", report.Issues)
	}
	if len(publisher.closed) != 1 {
		t.Errorf("expected 1 issue-closed event, got %d", len(publisher.closed))
	}
	if len(report.Recommendations) != 0 {
		t.Errorf("closed issue recommendations must be dropped, got %d", len(report.Recommendations))
	}
}

func TestSessionFailsOnLostCapture(t *testing.T) {
	store := &fakeStore{}
	publisher := &fakePublisher{}
	sess := newTestSession(t, failingSource{}, store, publisher)

	report, err := sess.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error for a lost capture source")
	}
	if !errors.Is(err, capture.ErrUnavailable) {
		t.Errorf("error should wrap the capture failure, got %v", err)
	}
	if report.State != models.StateFailed {
		t.Errorf("expected failed state, got %s", report.State)
	}
	if report.FailureReason == "" {
		t.Error("failed report must carry a failure reason")
	}
	if saved, ok := store.last(); !ok || saved.State != models.StateFailed {
		t.Error("failed stub report must still be persisted")
	}
}

func TestSessionCancellationFinalizes(t *testing.T) {
	source := capture.NewBufferedSource(4)
	source.Push(slowWindow(1, 50))

	store := &fakeStore{}
	publisher := &fakePublisher{}
	sess := newTestSession(t, source, store, publisher)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	report, err := sess.Run(ctx)
	if err != nil {
		t.Fatalf("cancellation must not fail the session: %v", err)
	}
	if report.State != models.StateClosed {
		t.Errorf("expected closed state after cancellation, got %s", report.State)
	}
	if len(report.Samples) != 1 {
		t.Errorf("the window pushed before cancellation should be analyzed, got %d samples", len(report.Samples))
	}
}

func TestSessionRecordsDiscardedWindows(t *testing.T) {
	degenerate := capture.Window{ID: 1, Start: base, End: base}
	windows := []capture.Window{degenerate, slowWindow(2, 50), slowWindow(3, 50)}

	store := &fakeStore{}
	publisher := &fakePublisher{}
	sess := newTestSession(t, capture.NewReplaySource(windows), store, publisher)

	report, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(report.Samples) != 2 {
		t.Fatalf("discarded window must not produce a sample, got %d", len(report.Samples))
	}
	var found bool
	for _, diag := range report.Diagnostics {
		if diag.Kind == models.DiagWindowDiscarded {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a window-discarded diagnostic, got %+v", report.Diagnostics)
	}
}

func TestSessionDroppedWindowAccounting(t *testing.T) {
	source := capture.NewBufferedSource(1)
	source.Push(slowWindow(1, 50))
	source.Push(slowWindow(2, 50)) // evicts window 1
	source.Push(slowWindow(3, 50)) // evicts window 2
	source.Close()

	store := &fakeStore{}
	publisher := &fakePublisher{}
	sess := newTestSession(t, source, store, publisher)

	report, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.DroppedWindows != 2 {
		t.Errorf("expected 2 dropped windows, got %d", report.DroppedWindows)
	}
	if len(report.Samples) != 1 {
		t.Errorf("only the surviving window should be analyzed, got %d samples", len(report.Samples))
	}
}

func TestSessionSnapshotDuringRun(t *testing.T) {
	source := capture.NewBufferedSource(4)
	store := &fakeStore{}
	publisher := &fakePublisher{}
	sess := newTestSession(t, source, store, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run(ctx)
	}()

	source.Push(slowWindow(1, 50))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if report := sess.Report(); len(report.Samples) == 1 {
			if report.SessionID != sess.ID() {
				t.Errorf("snapshot should carry the session ID")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot never reflected the analyzed window")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}
