package detector

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/sharestack/share-analyzer/internal/models"
	"github.com/sharestack/share-analyzer/internal/protocol"
)

// Config holds the detection thresholds.
type Config struct {
	MaxLatencyMS       float64
	MinBandwidthMbps   float64
	MaxPacketLoss      float64
	MaxRetransmitRatio float64
	MinTCPWindow       int
	MTUDelta           int
	ClearSamples       int
}

// finding is a triggered rule outcome for the newest sample.
type finding struct {
	severity models.Severity
	summary  string
}

// rule inspects the sample history and the newest sample. Rules run in fixed
// order; a rule error is local to that rule and never stops the others.
type rule struct {
	kind models.IssueKind
	eval func(history []models.MetricSample, newest models.MetricSample) (*finding, error)
}

// Changes reports the outcome of one evaluation round.
type Changes struct {
	Open        []models.Issue
	Opened      []models.Issue
	Closed      []models.Issue
	Diagnostics []models.Diagnostic
}

// Detector evaluates detection rules against the rolling sample history and
// maintains the open Issue set with merge and hysteresis semantics: at most
// one open Issue per kind, closed after ClearSamples consecutive
// non-triggering samples.
type Detector struct {
	logger   *slog.Logger
	cfg      Config
	ifaceMTU int

	rules       []rule
	open        map[models.IssueKind]*models.Issue
	clear       map[models.IssueKind]int
	bestVersion map[models.ProtocolFamily]string
}

// maxEvidence bounds per-issue evidence so long-lived issues stay cheap.
const maxEvidence = 16

// New constructs a Detector. ifaceMTU is the interface-reported MTU; zero
// disables the MTU mismatch rule.
func New(logger *slog.Logger, cfg Config, ifaceMTU int) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClearSamples < 1 {
		cfg.ClearSamples = 2
	}
	d := &Detector{
		logger:      logger,
		cfg:         cfg,
		ifaceMTU:    ifaceMTU,
		open:        make(map[models.IssueKind]*models.Issue),
		clear:       make(map[models.IssueKind]int),
		bestVersion: make(map[models.ProtocolFamily]string),
	}
	d.rules = []rule{
		{kind: models.IssueHighLatency, eval: d.evalHighLatency},
		{kind: models.IssuePacketLoss, eval: d.evalPacketLoss},
		{kind: models.IssueHighRetransmission, eval: d.evalRetransmission},
		{kind: models.IssueSmallTCPWindow, eval: d.evalTCPWindow},
		{kind: models.IssueMTUMismatch, eval: d.evalMTU},
		{kind: models.IssueProtocolDowngrade, eval: d.evalDowngrade},
		{kind: models.IssueLowThroughput, eval: d.evalThroughput},
		{kind: models.IssueLegacyDialect, eval: d.evalLegacyDialect},
		{kind: models.IssueNoEncryption, eval: d.evalEncryption},
	}
	return d
}

// Evaluate runs all rules against the newest sample. history is the retained
// sample history excluding newest and is never mutated.
func (d *Detector) Evaluate(history []models.MetricSample, newest models.MetricSample) Changes {
	var changes Changes

	for _, r := range d.rules {
		f, err := r.eval(history, newest)
		if err != nil {
			d.logger.Warn("rule evaluation failed",
				slog.String("rule", string(r.kind)), slog.Any("error", err))
			changes.Diagnostics = append(changes.Diagnostics, models.Diagnostic{
				Time:    newest.End,
				Stage:   "detector",
				Kind:    models.DiagRuleEvaluationError,
				Message: fmt.Sprintf("rule %s: %v", r.kind, err),
			})
			continue
		}

		if f != nil {
			d.trigger(r.kind, *f, newest, &changes)
			continue
		}

		if issue, ok := d.open[r.kind]; ok {
			d.clear[r.kind]++
			if d.clear[r.kind] >= d.cfg.ClearSamples {
				changes.Closed = append(changes.Closed, *issue)
				delete(d.open, r.kind)
				delete(d.clear, r.kind)
				d.logger.Info("issue closed", slog.String("kind", string(r.kind)))
			}
		}
	}

	changes.Open = d.OpenIssues()
	return changes
}

func (d *Detector) trigger(kind models.IssueKind, f finding, newest models.MetricSample, changes *Changes) {
	d.clear[kind] = 0

	if issue, ok := d.open[kind]; ok {
		issue.Occurrences++
		issue.LastSeen = newest.End
		issue.Severity = f.severity
		issue.Summary = f.summary
		issue.Evidence = append(issue.Evidence, newest.WindowID)
		if len(issue.Evidence) > maxEvidence {
			issue.Evidence = issue.Evidence[len(issue.Evidence)-maxEvidence:]
		}
		return
	}

	issue := &models.Issue{
		Kind:        kind,
		Severity:    f.severity,
		Summary:     f.summary,
		Evidence:    []uint64{newest.WindowID},
		FirstSeen:   newest.End,
		LastSeen:    newest.End,
		Occurrences: 1,
	}
	d.open[kind] = issue
	changes.Opened = append(changes.Opened, *issue)
	d.logger.Info("issue opened",
		slog.String("kind", string(kind)), slog.String("severity", string(f.severity)))
}

// OpenIssues returns a sorted copy of the open Issue set.
func (d *Detector) OpenIssues() []models.Issue {
	issues := make([]models.Issue, 0, len(d.open))
	for _, issue := range d.open {
		copied := *issue
		copied.Evidence = append([]uint64(nil), issue.Evidence...)
		issues = append(issues, copied)
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Kind < issues[j].Kind })
	return issues
}

// High latency is debounced: the newest and the preceding sample must both
// exceed the threshold before an issue opens. The debounce gates opening only;
// a single high sample sustains an already-open issue, otherwise alternating
// samples would defeat the close hysteresis.
func (d *Detector) evalHighLatency(history []models.MetricSample, newest models.MetricSample) (*finding, error) {
	if !newest.RTT.Valid || newest.RTT.AvgMS <= d.cfg.MaxLatencyMS {
		return nil, nil
	}
	if _, open := d.open[models.IssueHighLatency]; !open {
		if len(history) == 0 {
			return nil, nil
		}
		prev := history[len(history)-1]
		if !prev.RTT.Valid || prev.RTT.AvgMS <= d.cfg.MaxLatencyMS {
			return nil, nil
		}
	}
	return &finding{
		severity: models.SeverityHigh,
		summary: fmt.Sprintf("average RTT %.1fms exceeds %.1fms for consecutive windows",
			newest.RTT.AvgMS, d.cfg.MaxLatencyMS),
	}, nil
}

func (d *Detector) evalPacketLoss(_ []models.MetricSample, newest models.MetricSample) (*finding, error) {
	if d.cfg.MaxPacketLoss <= 0 || newest.PacketLossRatio <= d.cfg.MaxPacketLoss {
		return nil, nil
	}
	severity := models.SeverityHigh
	if newest.PacketLossRatio > 2*d.cfg.MaxPacketLoss {
		severity = models.SeverityCritical
	}
	return &finding{
		severity: severity,
		summary: fmt.Sprintf("packet loss ratio %.3f exceeds %.3f",
			newest.PacketLossRatio, d.cfg.MaxPacketLoss),
	}, nil
}

func (d *Detector) evalRetransmission(_ []models.MetricSample, newest models.MetricSample) (*finding, error) {
	if d.cfg.MaxRetransmitRatio <= 0 || newest.PacketCount == 0 {
		return nil, nil
	}
	ratio := float64(newest.RetransmitCount) / float64(newest.PacketCount)
	if ratio <= d.cfg.MaxRetransmitRatio {
		return nil, nil
	}
	return &finding{
		severity: models.SeverityMedium,
		summary: fmt.Sprintf("retransmission ratio %.3f exceeds %.3f",
			ratio, d.cfg.MaxRetransmitRatio),
	}, nil
}

func (d *Detector) evalTCPWindow(_ []models.MetricSample, newest models.MetricSample) (*finding, error) {
	if newest.TCPWindowBytes <= 0 || newest.TCPWindowBytes >= float64(d.cfg.MinTCPWindow) {
		return nil, nil
	}
	return &finding{
		severity: models.SeverityMedium,
		summary: fmt.Sprintf("average TCP window %.0f bytes below recommended %d",
			newest.TCPWindowBytes, d.cfg.MinTCPWindow),
	}, nil
}

func (d *Detector) evalMTU(_ []models.MetricSample, newest models.MetricSample) (*finding, error) {
	if d.ifaceMTU <= 0 || newest.MTUBytes <= 0 {
		return nil, nil
	}
	delta := d.ifaceMTU - newest.MTUBytes
	if delta < 0 {
		delta = -delta
	}
	if delta <= d.cfg.MTUDelta {
		return nil, nil
	}
	return &finding{
		severity: models.SeverityMedium,
		summary: fmt.Sprintf("observed MTU %d disagrees with interface MTU %d",
			newest.MTUBytes, d.ifaceMTU),
	}, nil
}

// evalDowngrade compares the newest negotiated version against the highest
// version seen earlier in the session for the same family.
func (d *Detector) evalDowngrade(_ []models.MetricSample, newest models.MetricSample) (*finding, error) {
	p := newest.Protocol
	if p.Family == models.ProtocolUnknown || p.Version == "" {
		return nil, nil
	}

	best, ok := d.bestVersion[p.Family]
	if !ok || protocol.CompareVersions(p.Version, best) > 0 {
		d.bestVersion[p.Family] = p.Version
		return nil, nil
	}
	if protocol.CompareVersions(p.Version, best) < 0 {
		return &finding{
			severity: models.SeverityHigh,
			summary: fmt.Sprintf("%s negotiated %s after previously negotiating %s",
				p.Family, p.Version, best),
		}, nil
	}
	return nil, nil
}

func (d *Detector) evalThroughput(_ []models.MetricSample, newest models.MetricSample) (*finding, error) {
	if d.cfg.MinBandwidthMbps <= 0 || newest.ByteCount == 0 {
		return nil, nil
	}
	mbps := newest.ThroughputMbps()
	if mbps >= d.cfg.MinBandwidthMbps {
		return nil, nil
	}
	return &finding{
		severity: models.SeverityMedium,
		summary: fmt.Sprintf("throughput %.1f Mbps below expected %.1f Mbps",
			mbps, d.cfg.MinBandwidthMbps),
	}, nil
}

func (d *Detector) evalLegacyDialect(_ []models.MetricSample, newest models.MetricSample) (*finding, error) {
	p := newest.Protocol
	if p.Family != models.ProtocolSMB || p.Version == "" {
		return nil, nil
	}
	if protocol.CompareVersions(p.Version, "2.0") >= 0 {
		return nil, nil
	}
	return &finding{
		severity: models.SeverityMedium,
		summary:  fmt.Sprintf("legacy SMB dialect %s negotiated", p.Version),
	}, nil
}

func (d *Detector) evalEncryption(_ []models.MetricSample, newest models.MetricSample) (*finding, error) {
	p := newest.Protocol
	if p.Family != models.ProtocolSMB || p.Version == "" {
		return nil, nil
	}
	if protocol.CompareVersions(p.Version, "3.0") < 0 {
		return nil, nil
	}
	for _, feature := range p.Features {
		if strings.EqualFold(feature, "encryption") {
			return nil, nil
		}
	}
	return &finding{
		severity: models.SeverityLow,
		summary:  fmt.Sprintf("SMB %s session negotiated without encryption capability", p.Version),
	}, nil
}
