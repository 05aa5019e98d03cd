package models

import "time"

// IssueKind enumerates the detection rule taxonomy.
type IssueKind string

const (
	IssueHighLatency        IssueKind = "high_latency"
	IssuePacketLoss         IssueKind = "packet_loss"
	IssueHighRetransmission IssueKind = "high_retransmission"
	IssueSmallTCPWindow     IssueKind = "small_tcp_window"
	IssueMTUMismatch        IssueKind = "mtu_mismatch"
	IssueProtocolDowngrade  IssueKind = "protocol_downgrade"
	IssueLowThroughput      IssueKind = "low_throughput"
	IssueLegacyDialect      IssueKind = "legacy_dialect"
	IssueNoEncryption       IssueKind = "encryption_disabled"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders severities for sorting; larger is worse.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Issue is a rule-detected condition. Issues of the same kind in adjacent
// windows are merged in place; at most one open Issue per kind exists in a
// session at any time.
type Issue struct {
	Kind        IssueKind `json:"kind"`
	Severity    Severity  `json:"severity"`
	Summary     string    `json:"summary"`
	Evidence    []uint64  `json:"evidence"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Occurrences int       `json:"occurrences"`
}

// AnomalyFlag marks a sample whose anomaly score exceeded the threshold at the
// time of scoring. Flags are per sample and never merged.
type AnomalyFlag struct {
	WindowID  uint64    `json:"window_id"`
	Time      time.Time `json:"time"`
	Score     float64   `json:"score"`
	Threshold float64   `json:"threshold"`
}

// Recommendation is an advisory optimisation action derived from open Issues
// and AnomalyFlags. It is never auto-executed.
type Recommendation struct {
	ID        string    `json:"id"`
	Targets   []string  `json:"targets"`
	Action    string    `json:"action"`
	Priority  Severity  `json:"priority"`
	UpdatedAt time.Time `json:"updated_at"`
	Applied   bool      `json:"applied"`
}
