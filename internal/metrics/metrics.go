// Package metrics accumulates process-wide control-plane counters and a
// ring of recent handshake/session failures. Snapshot renders them as a
// JSON-encodable value and WriteSnapshot writes that JSON to a file when
// called; the daemon serves no status endpoint for them and does not dump
// them periodically.
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// RecentFailure is one entry in the bounded ring of recently observed
// handshake or session failures, surfaced for post-mortem diagnostics
// without requiring a full log trawl.
type RecentFailure struct {
	SessionID string    `json:"session_id"`
	PeerCode  string    `json:"peer_code"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// Snapshot is the point-in-time render of every counter plus the recent
// failure ring.
type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Handshake   HandshakeCounts `json:"handshake"`
	Path        PathCounts      `json:"path"`
	Session     SessionCounts   `json:"session"`
	Recent      []RecentFailure `json:"recent"`
}

// HandshakeCounts tallies the SessionRequest/Accept/Reject exchange and
// its normative failure modes (§4.5, §7).
type HandshakeCounts struct {
	Requests          uint64 `json:"requests"`
	Accepts           uint64 `json:"accepts"`
	Rejects           uint64 `json:"rejects"`
	ReplayDrops       uint64 `json:"replay_drops"`
	TransportMismatch uint64 `json:"transport_mismatch"`
	NonceUnbound      uint64 `json:"nonce_unbound"`
	UntrustedPeer     uint64 `json:"untrusted_peer"`
	BadSignature      uint64 `json:"bad_signature"`
}

// PathCounts tallies which phase of the dial race won, or that none did
// (§4.7).
type PathCounts struct {
	DirectWins  uint64 `json:"direct_wins"`
	PunchWins   uint64 `json:"punch_wins"`
	RelayWins   uint64 `json:"relay_wins"`
	NoPath      uint64 `json:"no_path"`
	MalformedDrops uint64 `json:"malformed_drops"`
}

// SessionCounts tallies lifecycle-level outcomes (§4.8).
type SessionCounts struct {
	Reconnects         uint64 `json:"reconnects"`
	ReconnectExhausted uint64 `json:"reconnect_exhausted"`
	Closed             uint64 `json:"closed"`
}

// Metrics is the process-wide counter set. Zero value is usable; every
// method tolerates a nil receiver so a component can hold an optional
// *Metrics field without branching at every call site.
type Metrics struct {
	handshakeRequests          atomic.Uint64
	handshakeAccepts           atomic.Uint64
	handshakeRejects           atomic.Uint64
	handshakeReplayDrops       atomic.Uint64
	handshakeTransportMismatch atomic.Uint64
	handshakeNonceUnbound      atomic.Uint64
	handshakeUntrustedPeer     atomic.Uint64
	handshakeBadSignature      atomic.Uint64

	pathDirectWins     atomic.Uint64
	pathPunchWins      atomic.Uint64
	pathRelayWins      atomic.Uint64
	pathNoPath         atomic.Uint64
	pathMalformedDrops atomic.Uint64

	sessionReconnects         atomic.Uint64
	sessionReconnectExhausted atomic.Uint64
	sessionClosed             atomic.Uint64

	recent *FailureRing
}

// New builds an empty metrics set with a 64-entry recent-failure ring.
func New() *Metrics {
	return &Metrics{recent: NewFailureRing(64)}
}

func (m *Metrics) IncHandshakeRequest() {
	if m == nil {
		return
	}
	m.handshakeRequests.Add(1)
}

func (m *Metrics) IncHandshakeAccept() {
	if m == nil {
		return
	}
	m.handshakeAccepts.Add(1)
}

func (m *Metrics) IncHandshakeReject() {
	if m == nil {
		return
	}
	m.handshakeRejects.Add(1)
}

func (m *Metrics) IncReplayDrop() {
	if m == nil {
		return
	}
	m.handshakeReplayDrops.Add(1)
}

func (m *Metrics) IncTransportMismatch() {
	if m == nil {
		return
	}
	m.handshakeTransportMismatch.Add(1)
}

func (m *Metrics) IncNonceUnbound() {
	if m == nil {
		return
	}
	m.handshakeNonceUnbound.Add(1)
}

func (m *Metrics) IncUntrustedPeer() {
	if m == nil {
		return
	}
	m.handshakeUntrustedPeer.Add(1)
}

func (m *Metrics) IncBadSignature() {
	if m == nil {
		return
	}
	m.handshakeBadSignature.Add(1)
}

func (m *Metrics) IncDirectWin() {
	if m == nil {
		return
	}
	m.pathDirectWins.Add(1)
}

func (m *Metrics) IncPunchWin() {
	if m == nil {
		return
	}
	m.pathPunchWins.Add(1)
}

func (m *Metrics) IncRelayWin() {
	if m == nil {
		return
	}
	m.pathRelayWins.Add(1)
}

func (m *Metrics) IncNoPath() {
	if m == nil {
		return
	}
	m.pathNoPath.Add(1)
}

func (m *Metrics) IncMalformedDrop() {
	if m == nil {
		return
	}
	m.pathMalformedDrops.Add(1)
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.sessionReconnects.Add(1)
}

func (m *Metrics) IncReconnectExhausted() {
	if m == nil {
		return
	}
	m.sessionReconnectExhausted.Add(1)
}

func (m *Metrics) IncClosed() {
	if m == nil {
		return
	}
	m.sessionClosed.Add(1)
}

// RecordFailure appends to the recent-failure ring.
func (m *Metrics) RecordFailure(sessionID, peerCode, kind string, at time.Time) {
	if m == nil {
		return
	}
	m.recent.Add(RecentFailure{SessionID: sessionID, PeerCode: peerCode, Kind: kind, At: at})
}

// Snapshot renders every counter and the recent-failure ring as of now.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	recent := []RecentFailure{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Handshake: HandshakeCounts{
			Requests:          m.handshakeRequests.Load(),
			Accepts:           m.handshakeAccepts.Load(),
			Rejects:           m.handshakeRejects.Load(),
			ReplayDrops:       m.handshakeReplayDrops.Load(),
			TransportMismatch: m.handshakeTransportMismatch.Load(),
			NonceUnbound:      m.handshakeNonceUnbound.Load(),
			UntrustedPeer:     m.handshakeUntrustedPeer.Load(),
			BadSignature:      m.handshakeBadSignature.Load(),
		},
		Path: PathCounts{
			DirectWins:     m.pathDirectWins.Load(),
			PunchWins:      m.pathPunchWins.Load(),
			RelayWins:      m.pathRelayWins.Load(),
			NoPath:         m.pathNoPath.Load(),
			MalformedDrops: m.pathMalformedDrops.Load(),
		},
		Session: SessionCounts{
			Reconnects:         m.sessionReconnects.Load(),
			ReconnectExhausted: m.sessionReconnectExhausted.Load(),
			Closed:             m.sessionClosed.Load(),
		},
		Recent: recent,
	}
}

// WriteSnapshot persists the current snapshot as indented JSON. A blank
// path is a no-op, letting callers wire this unconditionally behind a
// config flag.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// FailureRing is a fixed-capacity FIFO of recent failures; once full, the
// oldest entry is dropped to make room for the newest.
type FailureRing struct {
	mu   sync.Mutex
	cap  int
	list []RecentFailure
}

// NewFailureRing builds a ring of the given capacity (defaults to 64).
func NewFailureRing(capacity int) *FailureRing {
	if capacity <= 0 {
		capacity = 64
	}
	return &FailureRing{cap: capacity}
}

func (r *FailureRing) Add(f RecentFailure) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = f
		return
	}
	r.list = append(r.list, f)
}

func (r *FailureRing) List() []RecentFailure {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecentFailure, len(r.list))
	copy(out, r.list)
	return out
}
