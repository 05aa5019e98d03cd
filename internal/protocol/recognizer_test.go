package protocol

import (
	"testing"
	"time"

	"github.com/sharestack/share-analyzer/internal/capture"
	"github.com/sharestack/share-analyzer/internal/models"
)

func window(packets ...capture.Packet) capture.Window {
	return capture.Window{ID: 1, Packets: packets}
}

func TestRecognizeSMBNegotiate(t *testing.T) {
	r := New(nil)

	record := r.Recognize(window(
		capture.Packet{Timestamp: time.Now(), App: &capture.AppMeta{
			Op:           "negotiate",
			Dialect:      "3.1.1",
			Capabilities: []string{"signing", "encryption"},
			ServerGUID:   "a1b2c3",
		}},
	))

	if record.Family != models.ProtocolSMB {
		t.Fatalf("expected smb, got %s", record.Family)
	}
	if record.Version != "3.1.1" {
		t.Errorf("expected version 3.1.1, got %q", record.Version)
	}
	if record.Backend != "a1b2c3" {
		t.Errorf("expected backend from server GUID, got %q", record.Backend)
	}
	if len(record.Features) != 2 || record.Features[0] != "encryption" {
		t.Errorf("features should be sorted, got %v", record.Features)
	}
}

func TestRecognizeNFSHandshake(t *testing.T) {
	r := New(nil)

	record := r.Recognize(window(
		capture.Packet{
			Transport: &capture.TransportMeta{SrcIP: "10.0.0.9"},
			App:       &capture.AppMeta{Program: 100003, Dialect: "4.1"},
		},
	))

	if record.Family != models.ProtocolNFS {
		t.Fatalf("expected nfs, got %s", record.Family)
	}
	if record.Version != "4.1" {
		t.Errorf("expected version 4.1, got %q", record.Version)
	}
	if record.Backend != "10.0.0.9" {
		t.Errorf("expected backend from server address, got %q", record.Backend)
	}
}

func TestRecognizeNFSRequestHasNoBackend(t *testing.T) {
	r := New(nil)

	record := r.Recognize(window(
		capture.Packet{
			Transport: &capture.TransportMeta{SrcIP: "10.0.0.5"},
			App:       &capture.AppMeta{Program: 100005, IsRequest: true},
		},
	))

	if record.Family != models.ProtocolNFS {
		t.Fatalf("expected nfs, got %s", record.Family)
	}
	if record.Backend != "" {
		t.Errorf("request frames must not set the backend, got %q", record.Backend)
	}
}

func TestRecognizeSMBTakesPriority(t *testing.T) {
	r := New(nil)

	record := r.Recognize(window(
		capture.Packet{App: &capture.AppMeta{Program: 100000}},
		capture.Packet{App: &capture.AppMeta{Op: "negotiate", Dialect: "2.1"}},
	))

	if record.Family != models.ProtocolSMB {
		t.Errorf("smb signature has priority, got %s", record.Family)
	}
}

func TestRecognizeUnknown(t *testing.T) {
	r := New(nil)

	record := r.Recognize(window(
		capture.Packet{Transport: &capture.TransportMeta{Proto: "tcp"}},
		capture.Packet{App: &capture.AppMeta{Op: "read"}},
	))

	if record.Family != models.ProtocolUnknown {
		t.Errorf("expected unknown, got %s", record.Family)
	}
}

func TestRecognizeMalformedFramesAreSkipped(t *testing.T) {
	r := New(nil)

	record := r.Recognize(window(
		capture.Packet{Malformed: true, App: &capture.AppMeta{Op: "negotiate", Dialect: "3.0"}},
		capture.Packet{App: &capture.AppMeta{Program: 100000}},
	))

	// The malformed negotiate must not match; the portmap frame should.
	if record.Family != models.ProtocolNFS {
		t.Errorf("expected nfs from the well-formed frame, got %s", record.Family)
	}
}

func TestRecognizeEmptyWindow(t *testing.T) {
	r := New(nil)
	if record := r.Recognize(window()); record.Family != models.ProtocolUnknown {
		t.Errorf("expected unknown for empty window, got %s", record.Family)
	}
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int // sign only
	}{
		{"3.1.1", "3.0", 1},
		{"2.0", "3.0", -1},
		{"3.0", "3.0", 0},
		{"3.0", "3.0.0", 0},
		{"4.1", "4", 1},
		{"10.0", "9.9", 1},
	}
	for _, tc := range cases {
		got := CompareVersions(tc.a, tc.b)
		switch {
		case tc.want > 0 && got <= 0, tc.want < 0 && got >= 0, tc.want == 0 && got != 0:
			t.Errorf("CompareVersions(%q, %q) = %d, want sign %d", tc.a, tc.b, got, tc.want)
		}
	}
}
