package handshake

import (
	"path/filepath"
	"testing"
	"time"

	"aetherlink/internal/errkind"
	"aetherlink/internal/identity"
	"aetherlink/internal/replay"
	"aetherlink/internal/trust"
)

func newEngine(t *testing.T, home string, tofu bool) *Engine {
	t.Helper()
	id, err := identity.LoadOrCreate(home)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	ts, err := trust.Open(filepath.Join(home, "trust.json"), trust.Options{TrustOnFirstUse: tofu})
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	rc := replay.New(replay.Options{})
	return New(id, ts, rc)
}

func TestHappyPathRequestAcceptVerifies(t *testing.T) {
	initiator := newEngine(t, t.TempDir(), true)
	responder := newEngine(t, t.TempDir(), true)

	req, nonce, err := initiator.BuildRequest(nil)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	if err := responder.VerifyRequest(req, req.InitiatorDeviceCode); err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}

	acc, err := responder.BuildAccept(nonce, nil)
	if err != nil {
		t.Fatalf("BuildAccept: %v", err)
	}

	if err := initiator.VerifyAccept(acc, acc.ResponderDeviceCode, nonce); err != nil {
		t.Fatalf("VerifyAccept: %v", err)
	}
}

func TestStaleTimestampRejected(t *testing.T) {
	initiator := newEngine(t, t.TempDir(), true)
	responder := newEngine(t, t.TempDir(), true)

	req, _, err := initiator.BuildRequest(nil)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	req.TimestampMS = time.Now().Add(-120 * time.Second).UnixMilli()
	// The signature no longer covers the mutated timestamp, so resign it
	// the way a genuinely stale but otherwise well-formed sender would.
	sig, err := initiator.sign(req.signable())
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	req.Signature = sig

	err = responder.VerifyRequest(req, req.InitiatorDeviceCode)
	if kind, ok := errkind.Of(err); !ok || kind != "StaleTimestamp" {
		t.Fatalf("want StaleTimestamp, got %v", err)
	}
}

func TestReplayedRequestDroppedSecondTime(t *testing.T) {
	initiator := newEngine(t, t.TempDir(), true)
	responder := newEngine(t, t.TempDir(), true)

	req, _, err := initiator.BuildRequest(nil)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	if err := responder.VerifyRequest(req, req.InitiatorDeviceCode); err != nil {
		t.Fatalf("first VerifyRequest: %v", err)
	}
	err = responder.VerifyRequest(req, req.InitiatorDeviceCode)
	if kind, ok := errkind.Of(err); !ok || kind != "Replay" {
		t.Fatalf("want Replay on second delivery, got %v", err)
	}
}

func TestIdentityRebindingRefused(t *testing.T) {
	initiator := newEngine(t, t.TempDir(), true)
	responder := newEngine(t, t.TempDir(), true)

	req1, _, err := initiator.BuildRequest(nil)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if err := responder.VerifyRequest(req1, req1.InitiatorDeviceCode); err != nil {
		t.Fatalf("first VerifyRequest: %v", err)
	}

	impostor := newEngine(t, t.TempDir(), true)
	req2, _, err := impostor.BuildRequest(nil)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	// Claim the same device code as the first initiator under a different key.
	req2.InitiatorDeviceCode = req1.InitiatorDeviceCode
	sig, err := impostor.sign(req2.signable())
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	req2.Signature = sig

	err = responder.VerifyRequest(req2, req2.InitiatorDeviceCode)
	if kind, ok := errkind.Of(err); !ok || kind != "IdentityBindingFailed" {
		t.Fatalf("want IdentityBindingFailed (blake3(key) no longer matches claimed code), got %v", err)
	}
}

func TestTransportIdentityMismatchRejected(t *testing.T) {
	initiator := newEngine(t, t.TempDir(), true)
	responder := newEngine(t, t.TempDir(), true)

	req, _, err := initiator.BuildRequest(nil)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}

	err = responder.VerifyRequest(req, "some-other-device-code")
	if kind, ok := errkind.Of(err); !ok || kind != "TransportIdentityMismatch" {
		t.Fatalf("want TransportIdentityMismatch, got %v", err)
	}
}

func TestNonceUnboundOnMismatchedAccept(t *testing.T) {
	initiator := newEngine(t, t.TempDir(), true)
	responder := newEngine(t, t.TempDir(), true)

	_, nonce, err := initiator.BuildRequest(nil)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	acc, err := responder.BuildAccept([]byte("not-the-real-nonce"), nil)
	if err != nil {
		t.Fatalf("BuildAccept: %v", err)
	}

	err = initiator.VerifyAccept(acc, acc.ResponderDeviceCode, nonce)
	if kind, ok := errkind.Of(err); !ok || kind != "NonceUnbound" {
		t.Fatalf("want NonceUnbound, got %v", err)
	}
}
