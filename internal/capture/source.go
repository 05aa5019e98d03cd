package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable signals that the capture source is permanently lost. It is
// the only capture error that is fatal to a session.
var ErrUnavailable = errors.New("capture source unavailable")

// ErrEndOfCapture signals a finite source has been fully consumed.
var ErrEndOfCapture = errors.New("end of capture")

// TransportMeta carries the transport-layer fields the aggregator needs for
// sequence tracking and window statistics.
type TransportMeta struct {
	SrcIP       string `json:"src_ip"`
	DstIP       string `json:"dst_ip"`
	SrcPort     uint16 `json:"src_port"`
	DstPort     uint16 `json:"dst_port"`
	Proto       string `json:"proto"`
	Seq         uint32 `json:"seq"`
	PayloadLen  int    `json:"payload_len"`
	WindowBytes int    `json:"window_bytes"`
}

// AppMeta carries the protocol-layer fields used for request/response pairing
// and protocol recognition. The capture collaborator performs the decode.
type AppMeta struct {
	TransactionID uint64   `json:"txn_id"`
	IsRequest     bool     `json:"is_request"`
	Op            string   `json:"op,omitempty"`
	Dialect       string   `json:"dialect,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	ServerGUID    string   `json:"server_guid,omitempty"`
	Program       uint32   `json:"program,omitempty"`
}

// Packet is one captured packet descriptor as delivered by the capture
// collaborator, parsed down to the transport layer.
type Packet struct {
	Timestamp time.Time      `json:"timestamp"`
	Length    int            `json:"length"`
	Transport *TransportMeta `json:"transport,omitempty"`
	App       *AppMeta       `json:"app,omitempty"`
	Malformed bool           `json:"malformed,omitempty"`
}

// Window is a bounded slice of captured packets that collapses to one
// MetricSample.
type Window struct {
	ID      uint64
	Start   time.Time
	End     time.Time
	Packets []Packet
}

// Source produces packet windows on demand. The session pulls the next window
// and suspends only at that call; implementations must honour ctx
// cancellation and deadlines.
type Source interface {
	NextWindow(ctx context.Context) (Window, error)
	Close() error
}

// ReplaySource serves a fixed sequence of windows, mainly for tests and
// capture-file replay of pre-cut windows.
type ReplaySource struct {
	mu      sync.Mutex
	windows []Window
	idx     int
}

// NewReplaySource builds a source over the supplied windows.
func NewReplaySource(windows []Window) *ReplaySource {
	return &ReplaySource{windows: windows}
}

// NextWindow returns the next stored window or ErrEndOfCapture.
func (r *ReplaySource) NextWindow(ctx context.Context) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idx >= len(r.windows) {
		return Window{}, ErrEndOfCapture
	}
	w := r.windows[r.idx]
	r.idx++
	return w, nil
}

// Close releases nothing for a replay source.
func (r *ReplaySource) Close() error { return nil }

// BufferedSource adapts a push-style capture feed into the pull model with a
// bounded backlog. When the consumer cannot keep pace, the oldest unanalyzed
// window is dropped and counted, never silently lost.
type BufferedSource struct {
	mu      sync.Mutex
	backlog []Window
	notify  chan struct{}
	dropped uint64
	closed  bool
	limit   int
}

// NewBufferedSource creates a source with the given backlog bound.
func NewBufferedSource(limit int) *BufferedSource {
	if limit < 1 {
		limit = 1
	}
	return &BufferedSource{
		notify: make(chan struct{}, 1),
		limit:  limit,
	}
}

// Push enqueues a window, evicting the oldest when the backlog is full.
func (b *BufferedSource) Push(w Window) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.backlog) >= b.limit {
		copy(b.backlog, b.backlog[1:])
		b.backlog = b.backlog[:len(b.backlog)-1]
		b.dropped++
	}
	b.backlog = append(b.backlog, w)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// NextWindow blocks until a window is available, the source is finished, or
// ctx is done.
func (b *BufferedSource) NextWindow(ctx context.Context) (Window, error) {
	for {
		b.mu.Lock()
		if len(b.backlog) > 0 {
			w := b.backlog[0]
			copy(b.backlog, b.backlog[1:])
			b.backlog = b.backlog[:len(b.backlog)-1]
			b.mu.Unlock()
			return w, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Window{}, ErrEndOfCapture
		}

		select {
		case <-ctx.Done():
			return Window{}, ctx.Err()
		case <-b.notify:
		}
	}
}

// Dropped reports how many windows were evicted by the overflow policy.
func (b *BufferedSource) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close marks the feed finished; buffered windows remain readable.
func (b *BufferedSource) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}
