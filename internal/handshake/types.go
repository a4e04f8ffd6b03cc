package handshake

// ProtocolVersion is this build's protocol version. Major must match
// exactly between peers; minor only needs to be at or above MinMinor.
type ProtocolVersion struct {
	Major uint16 `cbor:"major"`
	Minor uint16 `cbor:"minor"`
}

const (
	CurrentMajor uint16 = 1
	CurrentMinor uint16 = 0
	MinMinor     uint16 = 0
)

// NonceSize is the width in bytes of every nonce this engine draws (96
// random bits minimum per the spec; 16 bytes comfortably exceeds that
// floor). The width of an incoming nonce is not checked.
const NonceSize = 16

// signedSessionRequest is the canonical, signature-covered rendering of a
// SessionRequest — it must never carry the signature field itself.
type signedSessionRequest struct {
	ProtocolVersion        ProtocolVersion `cbor:"protocol_version"`
	InitiatorDeviceCode    string          `cbor:"initiator_device_code"`
	InitiatorPublicKey     []byte          `cbor:"initiator_public_key"`
	Nonce                  []byte          `cbor:"nonce"`
	TimestampMS            int64           `cbor:"timestamp_ms"`
	RequestedCapabilities  []string        `cbor:"requested_capabilities"`
}

// SessionRequest is the wire form of an initiator's handshake request.
type SessionRequest struct {
	signedSessionRequest
	Signature []byte `cbor:"signature"`
}

func (r *SessionRequest) signable() signedSessionRequest { return r.signedSessionRequest }

type signedSessionAccept struct {
	ResponderDeviceCode  string   `cbor:"responder_device_code"`
	ResponderPublicKey   []byte   `cbor:"responder_public_key"`
	ResponseNonce        []byte   `cbor:"response_nonce"`
	ResponseTimestampMS  int64    `cbor:"response_timestamp_ms"`
	EchoedRequestNonce   []byte   `cbor:"echoed_request_nonce"`
	GrantedCapabilities  []string `cbor:"granted_capabilities"`
}

// SessionAccept is the wire form of a responder's handshake acceptance.
type SessionAccept struct {
	signedSessionAccept
	Signature []byte `cbor:"signature"`
}

func (a *SessionAccept) signable() signedSessionAccept { return a.signedSessionAccept }

type signedSessionReject struct {
	ReasonCode         string `cbor:"reason_code"`
	EchoedRequestNonce []byte `cbor:"echoed_request_nonce"`
}

// SessionReject is the wire form of a responder's handshake refusal. It is
// signed but advisory: it terminates the attempt without mutating trust.
type SessionReject struct {
	signedSessionReject
	ResponderSignature []byte `cbor:"responder_signature"`
}

func (r *SessionReject) signable() signedSessionReject { return r.signedSessionReject }
