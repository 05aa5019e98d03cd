package models

import "time"

// ProtocolFamily enumerates the share protocols the analyzer recognises.
type ProtocolFamily string

const (
	ProtocolSMB     ProtocolFamily = "smb"
	ProtocolNFS     ProtocolFamily = "nfs"
	ProtocolUnknown ProtocolFamily = "unknown"
)

// ProtocolRecord captures what the recognizer learned from negotiation frames in
// one window. It is attached 1:1 to a MetricSample and never mutated afterwards.
type ProtocolRecord struct {
	Family   ProtocolFamily `json:"family"`
	Version  string         `json:"version,omitempty"`
	Features []string       `json:"features,omitempty"`
	Backend  string         `json:"backend,omitempty"`
}

// RTTStats summarises request/response round-trip observations for one window.
// Valid is false when fewer than two pairs were observed; the numeric fields are
// meaningless in that case and must not be read as zeroes.
type RTTStats struct {
	Valid bool    `json:"valid"`
	MinMS float64 `json:"min_ms"`
	AvgMS float64 `json:"avg_ms"`
	MaxMS float64 `json:"max_ms"`
	P95MS float64 `json:"p95_ms"`
	Pairs int     `json:"pairs"`
}

// MetricSample is the per-window performance summary produced by the aggregator.
// Immutable once created.
type MetricSample struct {
	WindowID        uint64         `json:"window_id"`
	Start           time.Time      `json:"start"`
	End             time.Time      `json:"end"`
	Monotonic       time.Duration  `json:"monotonic_ns"`
	RTT             RTTStats       `json:"rtt"`
	ThroughputBPS   float64        `json:"throughput_bps"`
	PacketCount     int            `json:"packet_count"`
	ByteCount       int64          `json:"byte_count"`
	RetransmitCount int            `json:"retransmit_count"`
	TCPWindowBytes  float64        `json:"tcp_window_bytes"`
	MTUBytes        int            `json:"mtu_bytes"`
	PacketLossRatio float64        `json:"packet_loss_ratio"`
	Protocol        ProtocolRecord `json:"protocol"`
}

// ThroughputMbps converts the sample throughput to megabits per second.
func (s MetricSample) ThroughputMbps() float64 {
	return s.ThroughputBPS * 8 / 1e6
}
