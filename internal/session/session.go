package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sharestack/share-analyzer/internal/aggregator"
	"github.com/sharestack/share-analyzer/internal/anomaly"
	"github.com/sharestack/share-analyzer/internal/capture"
	"github.com/sharestack/share-analyzer/internal/detector"
	"github.com/sharestack/share-analyzer/internal/events"
	"github.com/sharestack/share-analyzer/internal/metrics"
	"github.com/sharestack/share-analyzer/internal/models"
	"github.com/sharestack/share-analyzer/internal/optimizer"
	"github.com/sharestack/share-analyzer/internal/protocol"
	"github.com/sharestack/share-analyzer/internal/reportstore"
	"github.com/sharestack/share-analyzer/internal/utils"
)

// Config holds session-level behavior knobs.
type Config struct {
	// HistoryWindow bounds the retained MetricSample history.
	HistoryWindow int
	// PredictionWindow is how many trailing samples feed the trend summary.
	PredictionWindow int
	// CaptureTimeout bounds one NextWindow call; zero disables the bound.
	CaptureTimeout time.Duration
	// Interface is the capture interface description, when known.
	Interface *models.InterfaceInfo
}

// Deps are the session collaborators. Store and Events may be the noop
// implementations but must not be nil.
type Deps struct {
	Source     capture.Source
	Aggregator *aggregator.Aggregator
	Recognizer *protocol.Recognizer
	Detector   *detector.Detector
	Scorer     *anomaly.Scorer
	Optimizer  *optimizer.Optimizer
	Store      reportstore.Store
	Events     events.Publisher
}

// droppedCounter is implemented by sources with a bounded backlog.
type droppedCounter interface {
	Dropped() uint64
}

// Session drives one analysis run through its lifecycle: INIT, CAPTURING,
// ANALYZING per window, FINALIZING, CLOSED. Degradations are recorded as
// diagnostics; only a lost capture source fails the session. Concurrent
// readers get a consistent snapshot of the last completed analysis round.
type Session struct {
	id      string
	logger  *slog.Logger
	cfg     Config
	deps    Deps
	latency *utils.LatencyTracker

	mu              sync.RWMutex
	state           models.SessionState
	startedAt       time.Time
	endedAt         time.Time
	history         []models.MetricSample
	anomalies       []models.AnomalyFlag
	recommendations []models.Recommendation
	diagnostics     []models.Diagnostic
	dropped         uint64
	failure         string
	snapshot        models.SessionReport

	prevSample      *models.MetricSample
	droppedReported uint64
}

// New constructs a Session in the INIT state.
func New(logger *slog.Logger, cfg Config, deps Deps) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryWindow < 2 {
		cfg.HistoryWindow = 120
	}
	if cfg.PredictionWindow < 2 {
		cfg.PredictionWindow = cfg.HistoryWindow
	}
	if deps.Store == nil {
		deps.Store = reportstore.NoopStore{}
	}
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}

	id := uuid.New().String()
	s := &Session{
		id:      id,
		logger:  logger.With(slog.String("session_id", id)),
		cfg:     cfg,
		deps:    deps,
		latency: utils.NewLatencyTracker(512),
		state:   models.StateInit,
	}
	s.rebuildSnapshot()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Report returns the snapshot built after the last completed analysis round.
// An in-flight round never leaks partial results into the snapshot.
func (s *Session) Report() models.SessionReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Run executes the session to completion and returns the final report. The
// returned error is non-nil only when the session failed; a degraded session
// returns its report and a nil error.
func (s *Session) Run(ctx context.Context) (models.SessionReport, error) {
	s.transition(models.StateCapturing, func() {
		s.startedAt = time.Now()
	})
	s.logger.Info("session started")

	for {
		if ctx.Err() != nil {
			break
		}

		w, err := s.nextWindow(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrEndOfCapture) {
				s.logger.Info("capture exhausted")
				break
			}
			if errors.Is(err, capture.ErrUnavailable) {
				return s.fail(ctx, err)
			}
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, context.DeadlineExceeded) {
				s.addDiagnostic("capture", models.DiagCaptureTimeout, "no window within capture timeout")
				continue
			}
			s.logger.Warn("capture error", slog.Any("error", err))
			s.addDiagnostic("capture", models.DiagInsufficientData, err.Error())
			continue
		}

		s.analyze(ctx, w)
	}

	return s.finalize(ctx), nil
}

func (s *Session) nextWindow(ctx context.Context) (capture.Window, error) {
	if s.cfg.CaptureTimeout > 0 {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.CaptureTimeout)
		defer cancel()
		return s.deps.Source.NextWindow(wctx)
	}
	return s.deps.Source.NextWindow(ctx)
}

// analyze runs one window through the pipeline. Cancellation is checked
// between stages; an interrupted round leaves the previous snapshot intact.
func (s *Session) analyze(ctx context.Context, w capture.Window) {
	s.transition(models.StateAnalyzing, nil)
	defer s.transition(models.StateCapturing, nil)
	start := time.Now()

	s.mu.RLock()
	history := s.history
	s.mu.RUnlock()

	sample, err := s.deps.Aggregator.Aggregate(w, s.prevSample)
	if err != nil {
		if errors.Is(err, aggregator.ErrWindowDiscarded) {
			s.addDiagnostic("aggregator", models.DiagWindowDiscarded,
				fmt.Sprintf("window %d below minimum duration", w.ID))
			metrics.ObserveWindow(0, metrics.OutcomeDiscarded)
			return
		}
		s.logger.Warn("aggregation failed", slog.Uint64("window_id", w.ID), slog.Any("error", err))
		metrics.ObserveWindow(0, metrics.OutcomeError)
		return
	}
	if ctx.Err() != nil {
		return
	}

	sample.Protocol = s.deps.Recognizer.Recognize(w)
	if ctx.Err() != nil {
		return
	}

	changes := s.deps.Detector.Evaluate(history, sample)
	if ctx.Err() != nil {
		return
	}

	result := s.deps.Scorer.Score(history, sample)
	var newFlags []models.AnomalyFlag
	if result.Flag != nil {
		newFlags = append(newFlags, *result.Flag)
		metrics.IncAnomaly()
		s.deps.Events.AnomalyFlagged(s.id, *result.Flag)
		s.logger.Info("anomaly flagged",
			slog.Uint64("window_id", result.Flag.WindowID), slog.Float64("score", result.Flag.Score))
	}
	if ctx.Err() != nil {
		return
	}

	recs, diags := s.deps.Optimizer.Update(ctx, changes.Open, newFlags)

	for _, issue := range changes.Opened {
		s.deps.Events.IssueOpened(s.id, issue)
	}
	for _, issue := range changes.Closed {
		s.deps.Events.IssueClosed(s.id, issue)
	}

	elapsed := time.Since(start)
	s.latency.Observe(elapsed)
	metrics.ObserveWindow(elapsed, metrics.OutcomeAnalyzed)
	metrics.SetOpenIssues(s.id, len(changes.Open))
	s.accountDropped()

	s.mu.Lock()
	s.history = append(s.history, sample)
	if len(s.history) > s.cfg.HistoryWindow {
		s.history = s.history[len(s.history)-s.cfg.HistoryWindow:]
	}
	s.anomalies = append(s.anomalies, newFlags...)
	s.recommendations = recs
	s.diagnostics = append(s.diagnostics, changes.Diagnostics...)
	s.diagnostics = append(s.diagnostics, diags...)
	s.rebuildSnapshot()
	s.mu.Unlock()

	s.prevSample = &sample
}

// accountDropped folds the source's backlog eviction counter into the session
// total and the dropped-windows metric.
func (s *Session) accountDropped() {
	counter, ok := s.deps.Source.(droppedCounter)
	if !ok {
		return
	}
	total := counter.Dropped()
	if total <= s.droppedReported {
		return
	}
	delta := total - s.droppedReported
	s.droppedReported = total
	metrics.AddDropped(delta)

	s.mu.Lock()
	s.dropped = total
	s.diagnostics = append(s.diagnostics, models.Diagnostic{
		Time:    time.Now(),
		Stage:   "capture",
		Kind:    models.DiagWindowDropped,
		Message: fmt.Sprintf("%d window(s) evicted from backlog", delta),
	})
	s.mu.Unlock()
}

func (s *Session) finalize(ctx context.Context) models.SessionReport {
	s.transition(models.StateFinalizing, func() {
		s.endedAt = time.Now()
	})

	s.mu.Lock()
	s.snapshot.Trend = s.trend()
	s.mu.Unlock()

	report := func() models.SessionReport {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.state = models.StateClosed
		s.rebuildSnapshot()
		return s.snapshot
	}

	// Persistence and eventing run with a fresh context so a cancelled
	// session still flushes its report.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	final := report()
	if err := s.deps.Store.Save(saveCtx, final); err != nil {
		s.logger.Warn("report persistence failed", slog.Any("error", err))
	}
	s.deps.Events.SessionFinalized(final)

	if err := s.deps.Source.Close(); err != nil {
		s.logger.Warn("capture source close failed", slog.Any("error", err))
	}
	metrics.ClearOpenIssues(s.id)

	s.logger.Info("session closed",
		slog.Int("samples", len(final.Samples)),
		slog.Int("issues", len(final.Issues)),
		slog.Int("anomalies", len(final.Anomalies)),
		slog.Duration("analysis_p95", s.latency.Percentile(95)))
	return final
}

// fail closes the session in the FAILED state and returns a stub report with
// whatever partial history was collected.
func (s *Session) fail(ctx context.Context, cause error) (models.SessionReport, error) {
	s.logger.Error("session failed", slog.Any("error", cause))

	s.mu.Lock()
	s.state = models.StateFailed
	s.endedAt = time.Now()
	s.failure = cause.Error()
	s.rebuildSnapshot()
	stub := s.snapshot
	s.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Store.Save(saveCtx, stub); err != nil {
		s.logger.Warn("report persistence failed", slog.Any("error", err))
	}
	s.deps.Events.SessionFinalized(stub)

	if err := s.deps.Source.Close(); err != nil {
		s.logger.Warn("capture source close failed", slog.Any("error", err))
	}
	metrics.ClearOpenIssues(s.id)

	return stub, utils.NewAppError("session.run", utils.KindCaptureUnavailable, cause)
}

// trend summarises first-versus-last change over the trailing prediction
// window. Called with s.mu held.
func (s *Session) trend() *models.TrendSummary {
	window := s.history
	if len(window) > s.cfg.PredictionWindow {
		window = window[len(window)-s.cfg.PredictionWindow:]
	}
	if len(window) < 2 {
		return nil
	}

	first, last := window[0], window[len(window)-1]
	trend := &models.TrendSummary{
		Samples:             len(window),
		ThroughputChangePct: utils.PercentChange(first.ThroughputBPS, last.ThroughputBPS),
		LossChangePct:       utils.PercentChange(first.PacketLossRatio, last.PacketLossRatio),
	}
	if first.RTT.Valid && last.RTT.Valid {
		trend.RTTChangePct = utils.PercentChange(first.RTT.AvgMS, last.RTT.AvgMS)
	}
	return trend
}

func (s *Session) addDiagnostic(stage, kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnostics = append(s.diagnostics, models.Diagnostic{
		Time:    time.Now(),
		Stage:   stage,
		Kind:    kind,
		Message: message,
	})
	s.rebuildSnapshot()
}

// transition moves the lifecycle state, running mutate (if any) under the lock.
func (s *Session) transition(next models.SessionState, mutate func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
	if mutate != nil {
		mutate()
	}
	s.rebuildSnapshot()
}

// rebuildSnapshot refreshes the reader-visible report. Called with s.mu held.
func (s *Session) rebuildSnapshot() {
	var issues []models.Issue
	if s.deps.Detector != nil {
		issues = s.deps.Detector.OpenIssues()
	}

	trend := s.snapshot.Trend
	s.snapshot = models.SessionReport{
		SessionID:       s.id,
		State:           s.state,
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
		Interface:       s.cfg.Interface,
		Samples:         append([]models.MetricSample(nil), s.history...),
		Issues:          issues,
		Anomalies:       append([]models.AnomalyFlag(nil), s.anomalies...),
		Recommendations: append([]models.Recommendation(nil), s.recommendations...),
		Diagnostics:     append([]models.Diagnostic(nil), s.diagnostics...),
		DroppedWindows:  s.dropped,
		Trend:           trend,
		FailureReason:   s.failure,
	}
}
