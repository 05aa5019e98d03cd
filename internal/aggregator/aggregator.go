package aggregator

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/sharestack/share-analyzer/internal/capture"
	"github.com/sharestack/share-analyzer/internal/models"
)

// ErrWindowDiscarded signals a window that cannot produce a meaningful sample
// (zero or near-zero duration). The window is discarded, not summarised.
var ErrWindowDiscarded = errors.New("window discarded")

// Windows shorter than this produce throughput artifacts and are discarded.
const minWindowDuration = time.Millisecond

type connKey struct {
	srcIP   string
	dstIP   string
	srcPort uint16
	dstPort uint16
}

// connState tracks sequence continuity for one connection tuple across
// windows. Stale entries are evicted after the TTL.
type connState struct {
	highestEnd uint32
	seeded     bool
	lastActive time.Time
}

// Aggregator converts packet windows into MetricSamples. It owns the rolling
// per-connection sequence state used for retransmission detection; all other
// computation is window-local.
type Aggregator struct {
	logger  *slog.Logger
	conns   map[connKey]*connState
	connTTL time.Duration
	base    time.Time
}

// New constructs an Aggregator. connTTL bounds how long an idle connection's
// sequence state is retained.
func New(logger *slog.Logger, connTTL time.Duration) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if connTTL <= 0 {
		connTTL = 2 * time.Minute
	}
	return &Aggregator{
		logger:  logger,
		conns:   make(map[connKey]*connState),
		connTTL: connTTL,
	}
}

// Aggregate produces exactly one MetricSample for the window, or
// ErrWindowDiscarded when the window duration is below the minimum. prev is
// the previously emitted sample, used to carry forward the observed MTU when
// the window holds no full-size frames.
func (a *Aggregator) Aggregate(w capture.Window, prev *models.MetricSample) (models.MetricSample, error) {
	duration := w.End.Sub(w.Start)
	if duration < minWindowDuration {
		return models.MetricSample{}, ErrWindowDiscarded
	}
	if a.base.IsZero() {
		a.base = w.Start
	}

	var (
		byteCount   int64
		maxLen      int
		segments    int
		retransmits int
		windowSum   float64
		windowCnt   int
		rtts        []float64
	)

	pending := make(map[uint64]time.Time)

	for _, pkt := range w.Packets {
		byteCount += int64(pkt.Length)
		if pkt.Length > maxLen {
			maxLen = pkt.Length
		}

		if t := pkt.Transport; t != nil && t.Proto == "tcp" {
			segments++
			if t.WindowBytes > 0 {
				windowSum += float64(t.WindowBytes)
				windowCnt++
			}
			if a.isRetransmission(t, pkt.Timestamp) {
				retransmits++
			}
		}

		if app := pkt.App; app != nil && app.TransactionID != 0 {
			if app.IsRequest {
				pending[app.TransactionID] = pkt.Timestamp
			} else if reqTime, ok := pending[app.TransactionID]; ok {
				rtt := pkt.Timestamp.Sub(reqTime)
				if rtt > 0 {
					rtts = append(rtts, float64(rtt)/float64(time.Millisecond))
				}
				delete(pending, app.TransactionID)
			}
		}
	}

	a.evictStale(w.End)

	sample := models.MetricSample{
		WindowID:        w.ID,
		Start:           w.Start,
		End:             w.End,
		Monotonic:       w.End.Sub(a.base),
		ThroughputBPS:   float64(byteCount) / duration.Seconds(),
		PacketCount:     len(w.Packets),
		ByteCount:       byteCount,
		RetransmitCount: retransmits,
		MTUBytes:        maxLen,
		RTT:             rttStats(rtts),
	}
	if windowCnt > 0 {
		sample.TCPWindowBytes = windowSum / float64(windowCnt)
	}
	if segments > 0 {
		sample.PacketLossRatio = float64(retransmits) / float64(segments)
	}
	if maxLen == 0 && prev != nil {
		sample.MTUBytes = prev.MTUBytes
	}

	return sample, nil
}

// isRetransmission reports whether the segment covers already-seen sequence
// space for its connection.
func (a *Aggregator) isRetransmission(t *capture.TransportMeta, ts time.Time) bool {
	if t.PayloadLen <= 0 {
		return false
	}
	key := connKey{srcIP: t.SrcIP, dstIP: t.DstIP, srcPort: t.SrcPort, dstPort: t.DstPort}
	st, ok := a.conns[key]
	if !ok {
		st = &connState{}
		a.conns[key] = st
	}
	st.lastActive = ts

	end := t.Seq + uint32(t.PayloadLen)
	if st.seeded && !seqAfter(end, st.highestEnd) {
		return true
	}
	st.highestEnd = end
	st.seeded = true
	return false
}

// seqAfter compares 32-bit sequence numbers with wraparound semantics.
func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

func (a *Aggregator) evictStale(now time.Time) {
	cutoff := now.Add(-a.connTTL)
	for key, st := range a.conns {
		if st.lastActive.Before(cutoff) {
			delete(a.conns, key)
		}
	}
}

// TrackedConnections reports the current sequence-state cardinality.
func (a *Aggregator) TrackedConnections() int {
	return len(a.conns)
}

// rttStats summarises paired observations. Fewer than two pairs is marked
// insufficient rather than reported as zeroes.
func rttStats(rtts []float64) models.RTTStats {
	if len(rtts) < 2 {
		return models.RTTStats{Valid: false, Pairs: len(rtts)}
	}

	sorted := append([]float64(nil), rtts...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	idx := int(math.Round(0.95 * float64(len(sorted)-1)))
	return models.RTTStats{
		Valid: true,
		MinMS: sorted[0],
		MaxMS: sorted[len(sorted)-1],
		AvgMS: sum / float64(len(sorted)),
		P95MS: sorted[idx],
		Pairs: len(sorted),
	}
}
