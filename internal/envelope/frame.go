package envelope

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds any single length-delimited frame on the control
// stream. SoftMaxFrameSize is the threshold above which a frame's body is
// zstd-compressed before framing (small control messages like handshakes
// and pings stay uncompressed to keep handshake latency off the compressor).
const (
	MaxFrameSize     = 1 << 20
	SoftMaxFrameSize = 16 << 10
)

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("envelope: empty frame payload")
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("envelope: frame payload too large (%d bytes)", len(payload))
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	total := 0
	for total < len(payload) {
		n, err := w.Write(payload[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("envelope: short write")
		}
		total += n
	}
	return nil
}

// readFrame reads one length-delimited frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("envelope: invalid frame size %d", n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
