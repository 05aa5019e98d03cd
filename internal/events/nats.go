package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/sharestack/share-analyzer/internal/models"
)

// Publisher emits analysis lifecycle events for downstream consumers. All
// publishing is best-effort; failures are logged and never surface to the
// analysis loop.
type Publisher interface {
	IssueOpened(sessionID string, issue models.Issue)
	IssueClosed(sessionID string, issue models.Issue)
	AnomalyFlagged(sessionID string, flag models.AnomalyFlag)
	SessionFinalized(report models.SessionReport)
	Close()
}

// NoopPublisher drops all events; used when eventing is disabled.
type NoopPublisher struct{}

func (NoopPublisher) IssueOpened(string, models.Issue)          {}
func (NoopPublisher) IssueClosed(string, models.Issue)          {}
func (NoopPublisher) AnomalyFlagged(string, models.AnomalyFlag) {}
func (NoopPublisher) SessionFinalized(models.SessionReport)     {}
func (NoopPublisher) Close()                                    {}

// NATSPublisher publishes JSON events to NATS subjects under a configured
// prefix.
type NATSPublisher struct {
	logger *slog.Logger
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(logger *slog.Logger, url, prefix string) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "share_analyzer"
	}
	conn, err := nats.Connect(url, nats.Name("share-analyzer"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{logger: logger, conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) IssueOpened(sessionID string, issue models.Issue) {
	p.publish("issue.opened", map[string]interface{}{"session_id": sessionID, "issue": issue})
}

func (p *NATSPublisher) IssueClosed(sessionID string, issue models.Issue) {
	p.publish("issue.closed", map[string]interface{}{"session_id": sessionID, "issue": issue})
}

func (p *NATSPublisher) AnomalyFlagged(sessionID string, flag models.AnomalyFlag) {
	p.publish("anomaly.flagged", map[string]interface{}{"session_id": sessionID, "flag": flag})
}

func (p *NATSPublisher) SessionFinalized(report models.SessionReport) {
	p.publish("session.finalized", map[string]interface{}{
		"session_id": report.SessionID,
		"state":      report.State,
		"issues":     len(report.Issues),
		"anomalies":  len(report.Anomalies),
	})
}

func (p *NATSPublisher) publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("event encode failed", slog.String("subject", subject), slog.Any("error", err))
		return
	}
	full := p.prefix + "." + subject
	if err := p.conn.Publish(full, data); err != nil {
		p.logger.Warn("event publish failed", slog.String("subject", full), slog.Any("error", err))
	}
}

// Close flushes pending events and drops the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Flush(); err != nil {
		p.logger.Warn("nats flush failed", slog.Any("error", err))
	}
	p.conn.Close()
}
