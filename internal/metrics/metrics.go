package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Window analysis outcomes.
const (
	OutcomeAnalyzed  = "analyzed"
	OutcomeDiscarded = "discarded"
	OutcomeError     = "error"
)

var (
	windowsAnalyzed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "share_analyzer",
		Name:      "windows_analyzed_total",
		Help:      "Packet windows processed by the analysis loop, by outcome.",
	}, []string{"outcome"})

	analysisSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "share_analyzer",
		Name:      "analysis_seconds",
		Help:      "Per-window analysis latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	windowsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "share_analyzer",
		Name:      "windows_dropped_total",
		Help:      "Windows evicted from the capture backlog before analysis.",
	})

	openIssues = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "share_analyzer",
		Name:      "open_issues",
		Help:      "Currently open issues per analysis session.",
	}, []string{"session_id"})

	anomalyFlags = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "share_analyzer",
		Name:      "anomaly_flags_total",
		Help:      "Samples flagged as anomalous.",
	})
)

// Register installs the collectors on the given registerer. Double
// registration is tolerated so tests can share the default registry.
func Register(reg prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		windowsAnalyzed, analysisSeconds, windowsDropped, openIssues, anomalyFlags,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

// ObserveWindow records one processed window and its analysis latency.
func ObserveWindow(d time.Duration, outcome string) {
	windowsAnalyzed.WithLabelValues(outcome).Inc()
	if outcome == OutcomeAnalyzed {
		analysisSeconds.Observe(d.Seconds())
	}
}

// SetOpenIssues updates the open-issue gauge for one session.
func SetOpenIssues(sessionID string, n int) {
	openIssues.WithLabelValues(sessionID).Set(float64(n))
}

// ClearOpenIssues removes a finished session's gauge series.
func ClearOpenIssues(sessionID string) {
	openIssues.DeleteLabelValues(sessionID)
}

// AddDropped accounts windows evicted by the backlog overflow policy.
func AddDropped(n uint64) {
	windowsDropped.Add(float64(n))
}

// IncAnomaly counts one flagged sample.
func IncAnomaly() {
	anomalyFlags.Inc()
}
