package models

import "time"

// SessionState tracks the analysis session lifecycle.
type SessionState string

const (
	StateInit       SessionState = "init"
	StateCapturing  SessionState = "capturing"
	StateAnalyzing  SessionState = "analyzing"
	StateFinalizing SessionState = "finalizing"
	StateClosed     SessionState = "closed"
	StateFailed     SessionState = "failed"
)

// Diagnostic records a non-fatal degradation observed during analysis, such as
// a rule evaluation error or an unavailable enrichment collaborator.
type Diagnostic struct {
	Time    time.Time `json:"time"`
	Stage   string    `json:"stage"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Diagnostic kinds, matching the error taxonomy.
const (
	DiagInsufficientData         = "insufficient_data"
	DiagRuleEvaluationError      = "rule_evaluation_error"
	DiagEnrichmentUnavailable    = "enrichment_unavailable"
	DiagCaptureTimeout           = "capture_timeout"
	DiagWindowDiscarded          = "window_discarded"
	DiagWindowDropped            = "window_dropped"
	DiagInterfaceInfoUnavailable = "interface_info_unavailable"
)

// TrendSummary reports percent change of headline metrics over the prediction
// window (first vs last retained sample).
type TrendSummary struct {
	Samples             int     `json:"samples"`
	RTTChangePct        float64 `json:"rtt_change_pct"`
	ThroughputChangePct float64 `json:"throughput_change_pct"`
	LossChangePct       float64 `json:"loss_change_pct"`
}

// InterfaceInfo mirrors what the system info collaborator reported at session
// start.
type InterfaceInfo struct {
	Name string `json:"name"`
	MTU  int    `json:"mtu"`
}

// SessionReport is the outward product of one analysis session. A degraded
// session still produces a full report; a failed session produces a stub with
// FailureReason set and whatever partial history was collected.
type SessionReport struct {
	SessionID       string           `json:"session_id"`
	State           SessionState     `json:"state"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         time.Time        `json:"ended_at,omitempty"`
	Interface       *InterfaceInfo   `json:"interface,omitempty"`
	Samples         []MetricSample   `json:"samples"`
	Issues          []Issue          `json:"issues"`
	Anomalies       []AnomalyFlag    `json:"anomalies"`
	Recommendations []Recommendation `json:"recommendations"`
	Diagnostics     []Diagnostic     `json:"diagnostics,omitempty"`
	DroppedWindows  uint64           `json:"dropped_windows"`
	Trend           *TrendSummary    `json:"trend,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
}
