package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// FileSource reads packet descriptors from a JSON-lines capture file and cuts
// them into windows by packet count or elapsed capture time, whichever bound
// is hit first. A non-positive bound disables that cut.
type FileSource struct {
	file    *os.File
	dec     *json.Decoder
	pending *Packet
	nextID  uint64

	windowPackets  int
	windowDuration time.Duration
}

// NewFileSource opens a JSONL capture file.
func NewFileSource(path string, windowPackets int, windowDuration time.Duration) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &FileSource{
		file:           f,
		dec:            json.NewDecoder(bufio.NewReader(f)),
		nextID:         1,
		windowPackets:  windowPackets,
		windowDuration: windowDuration,
	}, nil
}

// NextWindow reads packets until a window boundary is reached.
func (s *FileSource) NextWindow(ctx context.Context) (Window, error) {
	w := Window{ID: s.nextID}

	for {
		if err := ctx.Err(); err != nil {
			return Window{}, err
		}

		pkt, err := s.nextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Window{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if len(w.Packets) == 0 {
			w.Start = pkt.Timestamp
		} else if s.windowDuration > 0 && pkt.Timestamp.Sub(w.Start) >= s.windowDuration {
			// Boundary crossed; the packet opens the next window.
			s.pending = &pkt
			break
		}

		w.Packets = append(w.Packets, pkt)
		w.End = pkt.Timestamp
		if s.windowPackets > 0 && len(w.Packets) >= s.windowPackets {
			break
		}
	}

	if len(w.Packets) == 0 {
		return Window{}, ErrEndOfCapture
	}
	s.nextID++
	return w, nil
}

func (s *FileSource) nextPacket() (Packet, error) {
	if s.pending != nil {
		pkt := *s.pending
		s.pending = nil
		return pkt, nil
	}
	var pkt Packet
	if err := s.dec.Decode(&pkt); err != nil {
		return Packet{}, err
	}
	return pkt, nil
}

// Close releases the underlying file.
func (s *FileSource) Close() error {
	return s.file.Close()
}
