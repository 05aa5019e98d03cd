package protocol

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/sharestack/share-analyzer/internal/capture"
	"github.com/sharestack/share-analyzer/internal/models"
)

// ONC RPC program numbers observed during NFS session establishment.
const (
	programPortmap = 100000
	programNFS     = 100003
	programMount   = 100005
)

// signature is one recognition rule. Rules are checked in fixed priority
// order and the first match wins; SMB and NFS negotiation frames cannot both
// match the same packet, so the ordering is a deterministic tie-break.
type signature struct {
	name  string
	match func(pkt capture.Packet) (models.ProtocolRecord, bool)
}

// Recognizer infers protocol family, version and capabilities from
// negotiation frames in a packet window. It never blocks and never fails on
// malformed input; unrecognisable windows yield the unknown record.
type Recognizer struct {
	logger *slog.Logger
	rules  []signature
}

// New constructs a Recognizer with the built-in signature table.
func New(logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		logger: logger,
		rules: []signature{
			{name: "smb-negotiate", match: matchSMBNegotiate},
			{name: "nfs-handshake", match: matchNFSHandshake},
		},
	}
}

// Recognize scans the window for negotiation frames and returns the matched
// ProtocolRecord, or the unknown record when no signature matches.
func (r *Recognizer) Recognize(w capture.Window) models.ProtocolRecord {
	malformed := 0
	for _, rule := range r.rules {
		for _, pkt := range w.Packets {
			if pkt.Malformed {
				malformed++
				continue
			}
			if pkt.App == nil {
				continue
			}
			if record, ok := rule.match(pkt); ok {
				sort.Strings(record.Features)
				return record
			}
		}
	}
	if malformed > 0 {
		r.logger.Debug("malformed frames treated as unknown",
			slog.Uint64("window_id", w.ID), slog.Int("count", malformed))
	}
	return models.ProtocolRecord{Family: models.ProtocolUnknown}
}

func matchSMBNegotiate(pkt capture.Packet) (models.ProtocolRecord, bool) {
	app := pkt.App
	if app.Op != "negotiate" || app.Dialect == "" {
		return models.ProtocolRecord{}, false
	}
	return models.ProtocolRecord{
		Family:   models.ProtocolSMB,
		Version:  app.Dialect,
		Features: append([]string(nil), app.Capabilities...),
		Backend:  app.ServerGUID,
	}, true
}

func matchNFSHandshake(pkt capture.Packet) (models.ProtocolRecord, bool) {
	app := pkt.App
	switch app.Program {
	case programPortmap, programMount, programNFS:
	default:
		return models.ProtocolRecord{}, false
	}

	record := models.ProtocolRecord{
		Family:   models.ProtocolNFS,
		Version:  app.Dialect,
		Features: append([]string(nil), app.Capabilities...),
	}
	if pkt.Transport != nil && !app.IsRequest {
		record.Backend = pkt.Transport.SrcIP
	}
	return record, true
}

// CompareVersions orders dotted numeric version strings. It returns a
// negative value when a < b, zero when equal, positive when a > b. Unparsable
// components compare as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}
