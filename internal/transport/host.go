// Package transport defines the capability interface the control plane
// core consumes for all network I/O. The core never talks to QUIC, a
// multicast socket, or a distributed hash table directly — it talks to a
// Host, and two implementations exist: quichost (real) and memhost
// (in-memory, for tests). This mirrors the teacher's own split between a
// connection manager and its underlying quic-go client.
package transport

import (
	"context"
	"time"
)

// StreamKind tags which logical stream an outbound Send or inbound
// Received event belongs to.
type StreamKind string

const (
	StreamControl       StreamKind = "control"
	StreamInput          StreamKind = "input"
	StreamVideoDatagram  StreamKind = "video_datagram"
)

// Handle opaquely identifies one connected transport; implementations
// decide its concrete representation (e.g. a wrapped quic.Connection).
type Handle interface{}

// PeerRecord is a DHT value: a peer id and the addresses it published.
type PeerRecord struct {
	PeerID string
	Addrs  []string
}

// EventKind tags the variant of a Host event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventReceived     EventKind = "received"
	EventLanObserved  EventKind = "lan_observed"
)

// Event is one notification surfaced by a Host. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind         EventKind
	Handle       Handle
	PeerIdentity string
	Addr         string
	StreamKind   StreamKind
	Bytes        []byte
	Reason       string
}

// Host is the capability interface the core consumes for all network I/O:
// dialing, listening, sending, and DHT publish/lookup. It is intentionally
// small and closed, per the design notes' "dynamic dispatch over transport"
// guidance.
type Host interface {
	Listen(ctx context.Context, multiaddr string) error
	Dial(ctx context.Context, multiaddr string) (Handle, error)
	Close(handle Handle) error

	PublishDHTRecord(ctx context.Context, key string, value PeerRecord, ttl time.Duration) error
	LookupDHT(ctx context.Context, key string) (<-chan PeerRecord, error)

	Send(handle Handle, kind StreamKind, data []byte) error

	// Events returns an independent event stream for this host: each call
	// registers a new subscriber so multiple consumers (the session
	// engine's run loop, a candidate resolver's subscription) each see
	// every event rather than splitting one shared channel. The channel is
	// not closed when the host shuts down.
	Events() <-chan Event
}
