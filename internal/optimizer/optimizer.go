package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/sharestack/share-analyzer/internal/models"
	"github.com/sharestack/share-analyzer/internal/narrative"
)

// Config controls recommendation generation.
type Config struct {
	// ActionPackPath optionally points at a YAML pack overriding the built-in
	// action templates.
	ActionPackPath string
	// NarrateRatePerMinute bounds calls to the narrative collaborator.
	NarrateRatePerMinute int
	// AnomalyBacklog bounds retained anomaly-flag recommendations; once a
	// flagged window ages past the bound its recommendation is dropped.
	AnomalyBacklog int
}

// Optimizer maps open Issues and AnomalyFlags to a deduplicated, prioritized
// Recommendation list. Recommendations for a still-open Issue are kept and
// re-prioritized in place, never re-emitted; enrichment failures never
// suppress a recommendation.
type Optimizer struct {
	logger         *slog.Logger
	narrator       narrative.Narrator
	limiter        *rate.Limiter
	actions        map[models.IssueKind]string
	recs           map[string]*models.Recommendation
	anomalyBacklog int
	seq            int
}

// actionPackFile is the YAML root of an action template pack.
type actionPackFile struct {
	Actions []actionOverride `yaml:"actions"`
}

type actionOverride struct {
	Kind string `yaml:"kind"`
	Text string `yaml:"text"`
}

const anomalyAction = "Review the flagged window for unusual traffic: compare against recent configuration or workload changes"

func defaultActions() map[models.IssueKind]string {
	return map[models.IssueKind]string{
		models.IssueHighLatency:        "Reduce network latency: check for congestion, review QoS and routing toward the file server",
		models.IssuePacketLoss:         "Investigate packet loss: check cabling, interference, and network driver settings",
		models.IssueHighRetransmission: "Reduce TCP retransmissions: review duplex settings and congestion along the path",
		models.IssueSmallTCPWindow:     "Increase the TCP window size and enable window scaling",
		models.IssueMTUMismatch:        "Align MTU configuration across host, switch, and server; verify jumbo frame settings end to end",
		models.IssueProtocolDowngrade:  "Investigate the protocol downgrade: verify server dialect configuration and client negotiation policy",
		models.IssueLowThroughput:      "Verify link speed, NIC offload settings, and server-side load for the share",
		models.IssueLegacyDialect:      "Upgrade to SMB3 for better performance and security",
		models.IssueNoEncryption:       "Enable encryption on the share for better security",
	}
}

// New constructs an Optimizer. narrator may be nil to disable enrichment. A
// missing action pack file falls back to the built-in templates.
func New(logger *slog.Logger, narrator narrative.Narrator, cfg Config) (*Optimizer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	actions := defaultActions()
	if cfg.ActionPackPath != "" {
		overrides, err := loadActionPack(cfg.ActionPackPath)
		if err != nil {
			return nil, fmt.Errorf("load action pack: %w", err)
		}
		for kind, text := range overrides {
			actions[kind] = text
		}
	}

	var limiter *rate.Limiter
	if narrator != nil {
		perMinute := cfg.NarrateRatePerMinute
		if perMinute < 1 {
			perMinute = 12
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}

	backlog := cfg.AnomalyBacklog
	if backlog < 1 {
		backlog = 64
	}

	return &Optimizer{
		logger:         logger,
		narrator:       narrator,
		limiter:        limiter,
		actions:        actions,
		recs:           make(map[string]*models.Recommendation),
		anomalyBacklog: backlog,
	}, nil
}

func loadActionPack(path string) (map[models.IssueKind]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var pack actionPackFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, err
	}
	overrides := make(map[models.IssueKind]string, len(pack.Actions))
	for _, action := range pack.Actions {
		if action.Kind == "" || action.Text == "" {
			continue
		}
		overrides[models.IssueKind(action.Kind)] = action.Text
	}
	return overrides, nil
}

// Update reconciles the recommendation set with the current open Issues and
// any flags raised for the newest sample, returning the full prioritized list
// plus diagnostics for failed enrichment.
func (o *Optimizer) Update(ctx context.Context, open []models.Issue, flags []models.AnomalyFlag) ([]models.Recommendation, []models.Diagnostic) {
	var diags []models.Diagnostic

	openKeys := make(map[string]struct{}, len(open))
	for _, issue := range open {
		openKeys[issueKey(issue.Kind)] = struct{}{}
	}
	for key := range o.recs {
		if strings.HasPrefix(key, "issue:") {
			if _, ok := openKeys[key]; !ok {
				delete(o.recs, key)
			}
		}
	}

	for _, issue := range open {
		key := issueKey(issue.Kind)
		if rec, ok := o.recs[key]; ok {
			rec.Priority = issue.Severity
			rec.UpdatedAt = issue.LastSeen
			continue
		}

		rec := o.newRecommendation([]string{string(issue.Kind)}, o.actionFor(issue.Kind), issue.Severity, issue.LastSeen)
		o.enrich(ctx, rec, &diags)
		o.recs[key] = rec
	}

	for _, flag := range flags {
		key := fmt.Sprintf("anomaly:%d", flag.WindowID)
		if _, ok := o.recs[key]; ok {
			continue
		}

		priority := models.SeverityMedium
		if flag.Score >= 2*flag.Threshold {
			priority = models.SeverityHigh
		}
		rec := o.newRecommendation([]string{key}, anomalyAction, priority, flag.Time)
		o.enrich(ctx, rec, &diags)
		o.recs[key] = rec
	}
	o.pruneAnomalies()

	return o.Recommendations(), diags
}

// pruneAnomalies evicts the oldest anomaly-flag recommendations beyond the
// backlog bound. Issue-keyed entries are reconciled against the open set and
// need no aging.
func (o *Optimizer) pruneAnomalies() {
	var keys []string
	for key := range o.recs {
		if strings.HasPrefix(key, "anomaly:") {
			keys = append(keys, key)
		}
	}
	if len(keys) <= o.anomalyBacklog {
		return
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, rj := o.recs[keys[i]], o.recs[keys[j]]
		if !ri.UpdatedAt.Equal(rj.UpdatedAt) {
			return ri.UpdatedAt.Before(rj.UpdatedAt)
		}
		return ri.ID < rj.ID
	})
	for _, key := range keys[:len(keys)-o.anomalyBacklog] {
		delete(o.recs, key)
	}
}

func (o *Optimizer) newRecommendation(targets []string, action string, priority models.Severity, updated time.Time) *models.Recommendation {
	o.seq++
	return &models.Recommendation{
		ID:        fmt.Sprintf("rec-%04d", o.seq),
		Targets:   targets,
		Action:    action,
		Priority:  priority,
		UpdatedAt: updated,
	}
}

func (o *Optimizer) actionFor(kind models.IssueKind) string {
	if text, ok := o.actions[kind]; ok {
		return text
	}
	return fmt.Sprintf("Investigate detected condition: %s", kind)
}

// enrich replaces the template action with collaborator prose when available.
// The collaborator is best-effort: rate-limit exhaustion skips the call and
// failures leave the template text in place.
func (o *Optimizer) enrich(ctx context.Context, rec *models.Recommendation, diags *[]models.Diagnostic) {
	if o.narrator == nil {
		return
	}
	if !o.limiter.Allow() {
		o.logger.Debug("narrative rate limit reached", slog.String("recommendation", rec.ID))
		return
	}

	text, err := o.narrator.Narrate(ctx, *rec)
	if err != nil {
		o.logger.Warn("narrative enrichment failed",
			slog.String("recommendation", rec.ID), slog.Any("error", err))
		*diags = append(*diags, models.Diagnostic{
			Time:    rec.UpdatedAt,
			Stage:   "optimizer",
			Kind:    models.DiagEnrichmentUnavailable,
			Message: err.Error(),
		})
		return
	}
	rec.Action = text
}

// Recommendations returns the current list ordered by severity, then most
// recently updated, then insertion order.
func (o *Optimizer) Recommendations() []models.Recommendation {
	recs := make([]models.Recommendation, 0, len(o.recs))
	for _, rec := range o.recs {
		copied := *rec
		copied.Targets = append([]string(nil), rec.Targets...)
		recs = append(recs, copied)
	}
	sort.Slice(recs, func(i, j int) bool {
		ri, rj := models.SeverityRank(recs[i].Priority), models.SeverityRank(recs[j].Priority)
		if ri != rj {
			return ri > rj
		}
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs
}

func issueKey(kind models.IssueKind) string {
	return "issue:" + string(kind)
}
