// Package envelope implements the control envelope codec: wrapping and
// unwrapping every control message into a single tagged envelope, framing
// it for the wire, and producing the canonical, signature-stable byte
// rendering of signed payloads.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Kind tags which payload variant an Envelope carries. The set is closed;
// decoders must tolerate unknown kinds by preserving the envelope (caller
// decides whether to drop it) rather than failing the whole frame.
type Kind string

const (
	KindSessionRequest        Kind = "session_request"
	KindSessionAccept         Kind = "session_accept"
	KindSessionReject         Kind = "session_reject"
	KindSessionClose          Kind = "session_close"
	KindCandidateAnnouncement Kind = "candidate_announcement"
	KindPunchSync             Kind = "punch_sync"
	KindPing                  Kind = "ping"
	KindPong                  Kind = "pong"
	KindVideoConfigUpdate     Kind = "video_config_update"
	KindInputEvent            Kind = "input_event"
	KindFileTransferOffer     Kind = "file_transfer_offer"
	KindFileTransferChunk     Kind = "file_transfer_chunk"
	KindFileTransferComplete  Kind = "file_transfer_complete"
	KindClipboardUpdate       Kind = "clipboard_update"
	KindRecordingControl      Kind = "recording_control"
	KindStatsReport           Kind = "stats_report"
	KindErrorFrame            Kind = "error_frame"
	KindPathDecision          Kind = "path_decision"
	KindQualityReport         Kind = "quality_report"
)

// controlKinds are the control-plane kinds; everything else in the Kind set
// rides on top of an established session and is opaque to the core. Of
// these, the session engine acts on session request/accept/reject/close and
// ping/pong; candidate announcements, punch sync, path decisions and error
// frames are not acted on by the engine.
var controlKinds = map[Kind]bool{
	KindSessionRequest:        true,
	KindSessionAccept:         true,
	KindSessionReject:         true,
	KindSessionClose:          true,
	KindCandidateAnnouncement: true,
	KindPunchSync:             true,
	KindPing:                  true,
	KindPong:                  true,
	KindPathDecision:          true,
	KindErrorFrame:            true,
}

// IsControlPlane reports whether k is one of the control-plane kinds, as
// opposed to a kind passed through to outer layers unprocessed.
func IsControlPlane(k Kind) bool {
	return controlKinds[k]
}

// Envelope is the single wire type carrying every control message.
type Envelope struct {
	RequestID string          `cbor:"request_id"`
	Kind      Kind            `cbor:"kind"`
	Payload   cbor.RawMessage `cbor:"payload"`
}

var ErrMalformed = errors.New("envelope: malformed")

var (
	canonicalEncMode cbor.EncMode
	decMode          cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	m, err := encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: building canonical encode mode: %v", err))
	}
	canonicalEncMode = m

	// Default decode behavior silently drops unknown struct fields rather
	// than rejecting them; only duplicate map keys are hardened.
	dm, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: building decode mode: %v", err))
	}
	decMode = dm
}

// NewPayload marshals a payload struct into the envelope's raw payload slot.
func NewPayload(kind Kind, requestID string, payload any) (*Envelope, error) {
	raw, err := canonicalEncMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return &Envelope{RequestID: requestID, Kind: kind, Payload: raw}, nil
}

// Decode unmarshals an envelope's payload into out.
func (e *Envelope) Decode(out any) error {
	if e == nil {
		return ErrMalformed
	}
	if err := decMode.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// CanonicalSignedBytes renders the deterministic, field-order-independent
// byte form of a signed payload for signing or verification. It must never
// be called with a payload struct that embeds its own signature field.
func CanonicalSignedBytes(payload any) ([]byte, error) {
	b, err := canonicalEncMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonical signing bytes: %w", err)
	}
	return b, nil
}

// Marshal renders an envelope to CBOR bytes (canonical encoding).
func Marshal(e *Envelope) ([]byte, error) {
	b, err := canonicalEncMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes CBOR bytes into an Envelope.
func Unmarshal(b []byte) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

const (
	flagPlain      byte = 0x00
	flagCompressed byte = 0x01
)

// WriteTo encodes e, compresses it with zstd when above SoftMaxFrameSize,
// and writes it as one length-delimited frame to w.
func WriteTo(w io.Writer, e *Envelope) error {
	body, err := Marshal(e)
	if err != nil {
		return err
	}
	flag := flagPlain
	if len(body) > SoftMaxFrameSize {
		body = zstdEncoder.EncodeAll(body, nil)
		flag = flagCompressed
	}
	framed := make([]byte, 0, 1+len(body))
	framed = append(framed, flag)
	framed = append(framed, body...)
	return writeFrame(w, framed)
}

// ReadFrom reads one length-delimited frame from r and decodes it into an
// Envelope, transparently decompressing when the frame was zstd-compressed.
func ReadFrom(r io.Reader) (*Envelope, error) {
	framed, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if len(framed) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	flag, body := framed[0], framed[1:]
	switch flag {
	case flagPlain:
	case flagCompressed:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("%w: unknown frame flag %d", ErrMalformed, flag)
	}
	return Unmarshal(body)
}

// RoundTripBytes is a test/diagnostic helper asserting encode/decode
// symmetry without going through an io.Reader/Writer pair.
func RoundTripBytes(e *Envelope) (*Envelope, error) {
	var buf bytes.Buffer
	if err := WriteTo(&buf, e); err != nil {
		return nil, err
	}
	return ReadFrom(&buf)
}
