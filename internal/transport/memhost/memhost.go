// Package memhost is an in-memory transport.Host used by tests and by the
// session engine's own test suite to exercise dial races, handshakes, and
// candidate resolution without a real network.
package memhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aetherlink/internal/transport"
)

type connHandle struct {
	id   uint64
	peer string
}

// Host is a process-local transport.Host: Dial succeeds only against a
// multiaddr that another Host in the same Network has Listen'd on, and
// Send delivers synchronously into the peer's event channel.
type Host struct {
	mu       sync.Mutex
	net      *Network
	self     string // device code this host speaks for
	listened map[string]bool
	subs     []chan transport.Event
	nextID   uint64
	conns    map[uint64]string // handle id -> remote addr
}

// Network is a shared registry of Hosts keyed by the multiaddr they
// listen on, modeling the LAN/relay fabric the real QUIC+DHT stack would
// provide.
type Network struct {
	mu      sync.Mutex
	hosts   map[string]*Host // multiaddr -> listening host
	records map[string]transport.PeerRecord
}

// NewNetwork builds a shared fabric for a set of in-memory hosts.
func NewNetwork() *Network {
	return &Network{hosts: make(map[string]*Host), records: make(map[string]transport.PeerRecord)}
}

// NewHost creates a host speaking for device code self, attached to net.
func NewHost(net *Network, self string) *Host {
	return &Host{
		net:      net,
		self:     self,
		listened: make(map[string]bool),
		conns:    make(map[uint64]string),
	}
}

func (h *Host) Listen(ctx context.Context, multiaddr string) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	h.net.hosts[multiaddr] = h
	h.listened[multiaddr] = true
	return nil
}

func (h *Host) Dial(ctx context.Context, multiaddr string) (transport.Handle, error) {
	h.net.mu.Lock()
	peer, ok := h.net.hosts[multiaddr]
	h.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memhost: no listener at %s", multiaddr)
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.conns[id] = multiaddr
	h.mu.Unlock()

	handle := connHandle{id: id, peer: peer.self}
	h.pushEvent(transport.Event{Kind: transport.EventConnected, Handle: handle, PeerIdentity: peer.self, Addr: multiaddr})
	peer.pushEvent(transport.Event{Kind: transport.EventConnected, Handle: connHandle{id: id, peer: h.self}, PeerIdentity: h.self})
	return handle, nil
}

func (h *Host) Close(handle transport.Handle) error {
	hc, ok := handle.(connHandle)
	if !ok {
		return errors.New("memhost: bad handle")
	}
	h.mu.Lock()
	delete(h.conns, hc.id)
	h.mu.Unlock()
	h.pushEvent(transport.Event{Kind: transport.EventDisconnected, Handle: handle, Reason: "closed"})

	h.net.mu.Lock()
	var peer *Host
	for _, candidate := range h.net.hosts {
		if candidate.self == hc.peer {
			peer = candidate
			break
		}
	}
	h.net.mu.Unlock()
	if peer != nil {
		peer.pushEvent(transport.Event{
			Kind:   transport.EventDisconnected,
			Handle: connHandle{id: hc.id, peer: h.self},
			Reason: "remote closed",
		})
	}
	return nil
}

func (h *Host) PublishDHTRecord(ctx context.Context, key string, value transport.PeerRecord, ttl time.Duration) error {
	h.net.mu.Lock()
	defer h.net.mu.Unlock()
	h.net.records[key] = value
	return nil
}

func (h *Host) LookupDHT(ctx context.Context, key string) (<-chan transport.PeerRecord, error) {
	out := make(chan transport.PeerRecord, 1)
	h.net.mu.Lock()
	rec, ok := h.net.records[key]
	h.net.mu.Unlock()
	if ok {
		out <- rec
	}
	close(out)
	return out, nil
}

func (h *Host) Send(handle transport.Handle, kind transport.StreamKind, data []byte) error {
	hc, ok := handle.(connHandle)
	if !ok {
		return errors.New("memhost: bad handle")
	}
	h.net.mu.Lock()
	peer, ok := h.net.hosts[hc.peer]
	h.net.mu.Unlock()
	if !ok {
		// peer may be addressed by device code directly in tests
		h.net.mu.Lock()
		for _, candidate := range h.net.hosts {
			if candidate.self == hc.peer {
				peer = candidate
				ok = true
				break
			}
		}
		h.net.mu.Unlock()
	}
	if !ok {
		return fmt.Errorf("memhost: unknown peer %s", hc.peer)
	}
	peer.pushEvent(transport.Event{
		Kind:         transport.EventReceived,
		Handle:       connHandle{id: hc.id, peer: h.self},
		StreamKind:   kind,
		Bytes:        data,
		PeerIdentity: h.self,
	})
	return nil
}

// Events returns a fresh, independent event stream: every call registers a
// new subscriber so the engine's run loop and each candidate-resolver
// subscription see the full event sequence rather than splitting it.
func (h *Host) Events() <-chan transport.Event {
	ch := make(chan transport.Event, 64)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

// ObserveLAN injects a synthetic LanObserved event, simulating a multicast
// discovery announcement.
func (h *Host) ObserveLAN(peerCode, addr string) {
	h.pushEvent(transport.Event{Kind: transport.EventLanObserved, PeerIdentity: peerCode, Addr: addr})
}

func (h *Host) pushEvent(ev transport.Event) {
	h.mu.Lock()
	subs := append([]chan transport.Event(nil), h.subs...)
	h.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
