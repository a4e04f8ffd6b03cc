// Package handshake builds and verifies the signed SessionRequest/
// SessionAccept/SessionReject exchange: nonce freshness, timestamp window,
// signature, peer-identity binding, transport-identity binding, trust-store
// policy, and replay-cache insertion, in the spec's normative order.
package handshake

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"time"

	"github.com/zeebo/blake3"

	"aetherlink/internal/envelope"
	"aetherlink/internal/errkind"
	"aetherlink/internal/identity"
	"aetherlink/internal/replay"
	"aetherlink/internal/trust"
)

// MaxTimestampSkew is the allowed clock drift window for an incoming
// request's or accept's timestamp (§4.5 step 2).
const MaxTimestampSkew = 30 * time.Second

// Engine builds and verifies handshake payloads against one device's
// identity, trust store, and replay cache. It is stateless with respect to
// any particular session — outstanding-request nonce tracking belongs to
// the session that issued the request, not to the engine.
type Engine struct {
	Identity    *identity.Identity
	Trust       *trust.Store
	Replay      *replay.Cache
	Clock       func() time.Time
	TrustOnFirstUse bool
}

// New builds a handshake engine bound to one device's identity, trust
// store, and replay cache.
func New(id *identity.Identity, trustStore *trust.Store, replayCache *replay.Cache) *Engine {
	return &Engine{
		Identity: id,
		Trust:    trustStore,
		Replay:   replayCache,
		Clock:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// BuildRequest constructs and signs a fresh SessionRequest, returning the
// nonce the caller must remember against this session until an accept
// arrives or the attempt is abandoned.
func (e *Engine) BuildRequest(capabilities []string) (*SessionRequest, []byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	req := &SessionRequest{signedSessionRequest: signedSessionRequest{
		ProtocolVersion:       ProtocolVersion{Major: CurrentMajor, Minor: CurrentMinor},
		InitiatorDeviceCode:   e.Identity.DeviceCode(),
		InitiatorPublicKey:    e.Identity.PublicKey(),
		Nonce:                 nonce,
		TimestampMS:           e.now().UnixMilli(),
		RequestedCapabilities: capabilities,
	}}
	sig, err := e.sign(req.signable())
	if err != nil {
		return nil, nil, err
	}
	req.Signature = sig
	return req, nonce, nil
}

// BuildAccept constructs and signs a SessionAccept echoing the initiator's
// nonce.
func (e *Engine) BuildAccept(echoedRequestNonce []byte, capabilities []string) (*SessionAccept, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	acc := &SessionAccept{signedSessionAccept: signedSessionAccept{
		ResponderDeviceCode: e.Identity.DeviceCode(),
		ResponderPublicKey:  e.Identity.PublicKey(),
		ResponseNonce:       nonce,
		ResponseTimestampMS: e.now().UnixMilli(),
		EchoedRequestNonce:  echoedRequestNonce,
		GrantedCapabilities: capabilities,
	}}
	sig, err := e.sign(acc.signable())
	if err != nil {
		return nil, err
	}
	acc.Signature = sig
	return acc, nil
}

// BuildReject constructs a signed SessionReject for a request nonce.
func (e *Engine) BuildReject(echoedRequestNonce []byte, reasonCode string) (*SessionReject, error) {
	rej := &SessionReject{signedSessionReject: signedSessionReject{
		ReasonCode:         reasonCode,
		EchoedRequestNonce: echoedRequestNonce,
	}}
	sig, err := e.sign(rej.signable())
	if err != nil {
		return nil, err
	}
	rej.ResponderSignature = sig
	return rej, nil
}

func (e *Engine) sign(signable any) ([]byte, error) {
	b, err := envelope.CanonicalSignedBytes(signable)
	if err != nil {
		return nil, err
	}
	return e.Identity.Sign(b), nil
}

// VerifyRequest runs the normative 7-step verification order for an
// inbound SessionRequest. transportPeerCode is the peer identity the
// underlying transport connection reports for this stream (§4.5 step 5).
// The first failing step wins; subsequent steps never run.
func (e *Engine) VerifyRequest(req *SessionRequest, transportPeerCode string) error {
	if req == nil {
		return errkind.New(errkind.MalformedEnvelope, nil)
	}

	// 1. Protocol version.
	if req.ProtocolVersion.Major != CurrentMajor || req.ProtocolVersion.Minor < MinMinor {
		return errkind.New(errkind.ProtocolMismatch, nil)
	}

	// 2. Timestamp freshness.
	skew := e.now().Sub(time.UnixMilli(req.TimestampMS))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return errkind.New(errkind.StaleTimestamp, nil)
	}

	// 3. Signature.
	signedBytes, err := envelope.CanonicalSignedBytes(req.signable())
	if err != nil {
		return errkind.New(errkind.MalformedEnvelope, err)
	}
	if len(req.InitiatorPublicKey) != ed25519.PublicKeySize ||
		!ed25519.Verify(req.InitiatorPublicKey, signedBytes, req.Signature) {
		return errkind.New(errkind.BadSignature, nil)
	}

	// 4. Public key hashes to the claimed device code.
	if identity.DeviceCode(req.InitiatorPublicKey) != req.InitiatorDeviceCode {
		return errkind.New(errkind.IdentityBindingFailed, nil)
	}

	// 5. Transport identity binding.
	if transportPeerCode != req.InitiatorDeviceCode {
		return errkind.New(errkind.TransportIdentityMismatch, nil)
	}

	// 6. Trust-store policy.
	if err := e.Trust.Admit(req.InitiatorDeviceCode, req.InitiatorPublicKey, e.now().UnixMilli()); err != nil {
		switch err {
		case trust.ErrUntrustedPeer:
			return errkind.New(errkind.UntrustedPeer, err)
		case trust.ErrIdentityMismatch:
			return errkind.New(errkind.IdentityMismatch, err)
		case trust.ErrRevoked:
			return errkind.New(errkind.Revoked, err)
		default:
			return errkind.New(errkind.TrustStoreIO, err)
		}
	}

	// 7. Replay cache insertion.
	if !e.insertReplay(req.InitiatorDeviceCode, req.Nonce) {
		return errkind.New(errkind.Replay, nil)
	}

	return nil
}

// VerifyAccept verifies an inbound SessionAccept. outstandingNonce is the
// nonce this initiator recorded for the outstanding request on this
// session; it must match EchoedRequestNonce (§4.5 nonce binding). Per
// §9's resolved open question, SessionAccept verification is mandatory in
// both directions — this engine runs the same checks used for requests,
// minus the steps that only make sense for the initiator side.
func (e *Engine) VerifyAccept(acc *SessionAccept, transportPeerCode string, outstandingNonce []byte) error {
	if acc == nil {
		return errkind.New(errkind.MalformedEnvelope, nil)
	}

	if !bytes.Equal(acc.EchoedRequestNonce, outstandingNonce) {
		return errkind.New(errkind.NonceUnbound, nil)
	}

	skew := e.now().Sub(time.UnixMilli(acc.ResponseTimestampMS))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return errkind.New(errkind.StaleTimestamp, nil)
	}

	signedBytes, err := envelope.CanonicalSignedBytes(acc.signable())
	if err != nil {
		return errkind.New(errkind.MalformedEnvelope, err)
	}
	if len(acc.ResponderPublicKey) != ed25519.PublicKeySize ||
		!ed25519.Verify(acc.ResponderPublicKey, signedBytes, acc.Signature) {
		return errkind.New(errkind.BadSignature, nil)
	}

	if identity.DeviceCode(acc.ResponderPublicKey) != acc.ResponderDeviceCode {
		return errkind.New(errkind.IdentityBindingFailed, nil)
	}

	if transportPeerCode != acc.ResponderDeviceCode {
		return errkind.New(errkind.TransportIdentityMismatch, nil)
	}

	if err := e.Trust.Admit(acc.ResponderDeviceCode, acc.ResponderPublicKey, e.now().UnixMilli()); err != nil {
		switch err {
		case trust.ErrUntrustedPeer:
			return errkind.New(errkind.UntrustedPeer, err)
		case trust.ErrIdentityMismatch:
			return errkind.New(errkind.IdentityMismatch, err)
		case trust.ErrRevoked:
			return errkind.New(errkind.Revoked, err)
		default:
			return errkind.New(errkind.TrustStoreIO, err)
		}
	}

	if !e.insertReplay(acc.ResponderDeviceCode, acc.ResponseNonce) {
		return errkind.New(errkind.Replay, nil)
	}

	return nil
}

func (e *Engine) insertReplay(signerCode string, nonce []byte) bool {
	signerHash := blake3.Sum256([]byte(signerCode))
	var nonceBuf [32]byte
	copy(nonceBuf[:], nonce)
	key := replay.Key(signerHash, nonceBuf)
	return e.Replay.CheckAndInsert(key, e.now())
}
