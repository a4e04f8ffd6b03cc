// Package session composes the handshake engine, candidate resolver, and
// dial coordinator into per-target session lifecycles: the state machine
// of §4.8 driven by a single-threaded event loop, plus the registry that
// indexes sessions and fans their events out to the outer application.
package session

import (
	"time"

	"aetherlink/internal/dial"
	"aetherlink/internal/errkind"
	"aetherlink/internal/transport"
)

// State is one node of the session state machine.
type State string

const (
	StateIdle            State = "Idle"
	StateDiscovering     State = "Discovering"
	StateDialingDirect   State = "DialingDirect"
	StateHolePunching    State = "HolePunching"
	StateRelayDialing    State = "RelayDialing"
	StateSecureHandshake State = "SecureHandshake"
	StateActive          State = "Active"
	StateReconnecting    State = "Reconnecting"
	StateFailed          State = "Failed"
	StateClosed          State = "Closed"
)

// Role distinguishes which side of the handshake a session plays.
type Role string

const (
	RoleController Role = "controller"
	RoleTarget     Role = "target"
)

// Defaults for the timers named in §4.8.
const (
	DefaultDiscoveryTimeout        = 2500 * time.Millisecond
	DefaultSessionRequestTimeout   = 1200 * time.Millisecond
	DefaultSessionRequestMaxTries  = 3
	DefaultReconnectBudget         = 15 * time.Second
	DefaultReconnectBackoffBase    = 200 * time.Millisecond
	DefaultReconnectBackoffCap     = 2 * time.Second
	DefaultKeepaliveInterval       = 1 * time.Second
	DefaultKeepaliveMissThreshold  = 3
	DefaultEpochRotationInterval   = 10 * time.Minute
	DefaultMaxMalformedPerConn     = 8
)

// ActivePath records the winning transport once a session reaches Active.
type ActivePath struct {
	Handle   transport.Handle
	Category dial.PathCategory
}

// HandshakeContext tracks the outstanding request nonce(s) an initiator
// must remember to bind a late-arriving SessionAccept. Old nonces are
// retained (not overwritten) across retries, per §4.8.
type HandshakeContext struct {
	OutstandingNonces [][]byte
	Attempt           int
}

func (h *HandshakeContext) remember(nonce []byte) {
	h.OutstandingNonces = append(h.OutstandingNonces, nonce)
}

func (h *HandshakeContext) matches(nonce []byte) bool {
	for _, n := range h.OutstandingNonces {
		if bytesEqual(n, nonce) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Keepalive tracks liveness of an Active session's control stream.
type Keepalive struct {
	LastPingSent      time.Time
	LastPongRecv      time.Time
	ConsecutiveMisses int
}

// Epoch is the session-epoch rotation id: a logical (non-cryptographic)
// identifier rotated periodically and on reconnect, for diagnostics and
// log correlation across a reconnect boundary (§9 open question 2).
type Epoch struct {
	ID        string
	RotatedAt time.Time
}

// Session is one per-target connection lifecycle. Its fields are written
// only on the engine's run-loop goroutine: state, failure reason and active
// path through the registry, the rest by the engine directly. Every other
// component receives a *Session by id and only reads or queues commands
// back onto the engine's inbox.
type Session struct {
	LocalSessionID string
	PeerDeviceCode string
	Role           Role
	State          State

	Handshake HandshakeContext
	Keepalive Keepalive
	Epoch     Epoch

	ActivePath *ActivePath
	FailReason errkind.Kind

	// PendingHandle/PendingPath hold the transport the dial race handed
	// to the handshake engine, between winning the race and reaching
	// Active (or being discarded on handshake failure).
	PendingHandle transport.Handle
	PendingPath   dial.PathCategory

	AttemptCounter           int
	ReconnectBudgetRemaining time.Duration
	ReconnectDeadline        time.Time
	malformedCount           int

	CreatedAt time.Time
}
