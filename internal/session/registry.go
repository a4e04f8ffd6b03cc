package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"aetherlink/internal/dial"
	"aetherlink/internal/errkind"
)

// EventType tags the variant of a Registry event (§4.9).
type EventType string

const (
	EventStateChanged    EventType = "StateChanged"
	EventHandshakeFailed EventType = "HandshakeFailed"
	EventPathChosen      EventType = "PathChosen"
	EventPeerTrustChanged EventType = "PeerTrustChanged"
	EventClosed          EventType = "Closed"
)

// Event is one notification the registry fans out to subscribers.
type Event struct {
	Type           EventType
	SessionID      string
	PeerDeviceCode string
	From, To       State
	Kind           errkind.Kind
	Path           dial.PathCategory
	Reason         string
}

// Registry indexes sessions by local id and by peer device code and
// applies state transitions, failure reasons and active-path choices,
// emitting an event for each (§3 Ownership, §4.9). The engine's run loop
// writes a Session's other fields (pending handle, handshake context,
// attempt counter, keepalive, epoch, reconnect deadline) directly.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byPeer   map[string]string
	subs     []chan Event
}

// NewRegistry builds an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byPeer:   make(map[string]string),
	}
}

// Create allocates a new session in Idle for a peer device code. If a
// non-terminal session already exists for this peer, Create returns it
// unchanged instead of allocating a duplicate; the second return value
// reports whether a fresh session was actually allocated, so a caller
// can tell "found existing" apart from "just created" without
// re-deriving the same terminal-state filter itself.
func (r *Registry) Create(role Role, peerCode string, now func() time.Time) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPeer[peerCode]; ok {
		if s, ok := r.sessions[id]; ok && s.State != StateClosed && s.State != StateFailed {
			return s, false
		}
	}

	id := newSessionID()
	s := &Session{
		LocalSessionID: id,
		PeerDeviceCode: peerCode,
		Role:           role,
		State:          StateIdle,
		CreatedAt:      now(),
	}
	r.sessions[id] = s
	r.byPeer[peerCode] = id
	return s, true
}

// Get looks up a session by local id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetByPeer looks up a session by peer device code.
func (r *Registry) GetByPeer(peerCode string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPeer[peerCode]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// Drop removes a session from the registry. Callers must have already
// transitioned it to Closed or Failed.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if r.byPeer[s.PeerDeviceCode] == id {
		delete(r.byPeer, s.PeerDeviceCode)
	}
}

// List returns a snapshot of every tracked session.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SetState transitions a session and emits StateChanged. Only the engine's
// single run loop goroutine should call this.
func (r *Registry) SetState(s *Session, to State) {
	r.mu.Lock()
	from := s.State
	s.State = to
	r.mu.Unlock()
	r.emit(Event{Type: EventStateChanged, SessionID: s.LocalSessionID, PeerDeviceCode: s.PeerDeviceCode, From: from, To: to})
}

// Fail transitions a session into Failed, recording the reason.
func (r *Registry) Fail(s *Session, kind errkind.Kind) {
	r.mu.Lock()
	s.FailReason = kind
	r.mu.Unlock()
	r.SetState(s, StateFailed)
	r.emit(Event{Type: EventHandshakeFailed, SessionID: s.LocalSessionID, PeerDeviceCode: s.PeerDeviceCode, Kind: kind})
}

// Close transitions a session into Closed with a human-readable reason.
func (r *Registry) Close(s *Session, reason string) {
	r.SetState(s, StateClosed)
	r.emit(Event{Type: EventClosed, SessionID: s.LocalSessionID, PeerDeviceCode: s.PeerDeviceCode, Reason: reason})
}

// PathChosen records the winning active path and emits PathChosen.
func (r *Registry) PathChosen(s *Session, path *ActivePath) {
	r.mu.Lock()
	s.ActivePath = path
	r.mu.Unlock()
	r.emit(Event{Type: EventPathChosen, SessionID: s.LocalSessionID, PeerDeviceCode: s.PeerDeviceCode, Path: path.Category})
}

// PeerTrustChanged emits a PeerTrustChanged notification for a session's peer.
func (r *Registry) PeerTrustChanged(s *Session) {
	r.emit(Event{Type: EventPeerTrustChanged, SessionID: s.LocalSessionID, PeerDeviceCode: s.PeerDeviceCode})
}

// Subscribe returns a channel of every event the registry emits from this
// point on. The channel is buffered; slow subscribers drop events rather
// than stall the engine.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) emit(ev Event) {
	r.mu.Lock()
	subs := append([]chan Event(nil), r.subs...)
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func newSessionID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
