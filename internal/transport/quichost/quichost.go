// Package quichost is the real transport.Host: it dials and accepts
// QUIC-v1 connections via quic-go, binding each connection to the peer's
// device code through its self-signed, identity-keyed TLS certificate
// rather than a CA. It mirrors the teacher's connection-manager split
// (accept loop feeding a handler, per-IP limiter guarding both) adapted to
// the capability interface the session engine consumes.
package quichost

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"aetherlink/internal/identity"
	"aetherlink/internal/transport"
)

// streamTag is the single byte every opened stream starts with, telling
// the accept side how to interpret what follows: a control-plane stream
// (handshake/ping/session traffic), a media/input stream, or a DHT
// request/response exchange, which opens its own stream tagged tagDHT
// (see dht.go).
type streamTag byte

const (
	tagControl streamTag = iota + 1
	tagInput
	tagVideoDatagram
	tagDHT
)

func tagFor(kind transport.StreamKind) streamTag {
	switch kind {
	case transport.StreamInput:
		return tagInput
	case transport.StreamVideoDatagram:
		return tagVideoDatagram
	default:
		return tagControl
	}
}

func kindFor(tag streamTag) transport.StreamKind {
	switch tag {
	case tagInput:
		return transport.StreamInput
	case tagVideoDatagram:
		return transport.StreamVideoDatagram
	default:
		return transport.StreamControl
	}
}

type connHandle struct {
	conn     quic.Connection
	peerCode string
}

// Host is the real transport.Host backed by quic-go.
type Host struct {
	id  *identity.Identity
	log *logrus.Entry

	tlsCfg *tls.Config

	limiter *ipLimiter

	mu    sync.Mutex
	subs  []chan transport.Event
	conns map[string]quic.Connection // peer device code -> most recent live connection; Send and Dial do not reuse it

	listener *quic.Listener

	dht       *dhtStore
	bootstrap []string // host:port rendezvous peers for DHT publish/lookup

	closed bool
}

// Options tunes the limiter and DHT rendezvous set; zero value uses the
// teacher's limiter defaults and no bootstrap peers (DHT lookups then only
// ever serve what this host has itself stored or been told directly).
type Options struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Bootstrap       []string // host:port rendezvous peers
	Log             *logrus.Entry
}

// NewHost builds a Host speaking for id's identity, unstarted until Listen
// is called.
func NewHost(id *identity.Identity, opts Options) (*Host, error) {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	maxConns := opts.MaxConnsPerIP
	if maxConns == 0 {
		maxConns = 64
	}
	maxStreams := opts.MaxStreamsPerIP
	if maxStreams == 0 {
		maxStreams = 256
	}
	cert, err := selfSignedCert(id)
	if err != nil {
		return nil, err
	}
	return &Host{
		id:      id,
		log:     opts.Log.WithField("device", id.DeviceCode()),
		limiter: newIPLimiter(maxConns, maxStreams),
		conns:     make(map[string]quic.Connection),
		dht:       newDHTStore(),
		bootstrap: opts.Bootstrap,
		tlsCfg:    tlsConfig(cert),
	}, nil
}

func (h *Host) Listen(ctx context.Context, multiaddr string) error {
	addr, err := addrFromMultiaddr(multiaddr)
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(addr, h.tlsCfg, quicServerConfig())
	if err != nil {
		return fmt.Errorf("quichost: listen %s: %w", multiaddr, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()
	go h.acceptLoop(ctx, ln)
	return nil
}

func (h *Host) acceptLoop(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || h.isClosed() {
				return
			}
			h.log.WithError(err).Warn("quichost: accept failed")
			return
		}
		ip, _ := splitHostIP(conn.RemoteAddr())
		if !h.limiter.acquireConn(ip) {
			h.log.WithField("ip", ip).Warn("quichost: connection limit exceeded, dropping")
			conn.CloseWithError(0, "connection limit")
			continue
		}
		go h.serveConn(ctx, conn, ip)
	}
}

func (h *Host) serveConn(ctx context.Context, conn quic.Connection, ip string) {
	defer h.limiter.releaseConn(ip)

	peerCode, err := peerDeviceCode(conn.ConnectionState().TLS)
	if err != nil {
		h.log.WithError(err).Warn("quichost: rejecting connection with unreadable identity")
		conn.CloseWithError(1, "bad identity")
		return
	}

	h.mu.Lock()
	h.conns[peerCode] = conn
	h.mu.Unlock()

	handle := connHandle{conn: conn, peerCode: peerCode}
	h.pushEvent(transport.Event{Kind: transport.EventConnected, Handle: handle, PeerIdentity: peerCode, Addr: conn.RemoteAddr().String()})

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			h.onConnLost(peerCode, handle, err)
			return
		}
		if !h.limiter.acquireStream(ip) {
			stream.CancelRead(1)
			stream.Close()
			continue
		}
		go h.serveStream(handle, peerCode, stream, ip)
	}
}

func (h *Host) onConnLost(peerCode string, handle connHandle, err error) {
	h.mu.Lock()
	if h.conns[peerCode] == handle.conn {
		delete(h.conns, peerCode)
	}
	h.mu.Unlock()
	reason := "closed"
	if err != nil {
		reason = err.Error()
	}
	h.pushEvent(transport.Event{Kind: transport.EventDisconnected, Handle: handle, Reason: reason})
}

func (h *Host) serveStream(handle connHandle, peerCode string, stream quic.Stream, ip string) {
	defer h.limiter.releaseStream(ip)
	defer stream.Close()

	tagBuf := make([]byte, 1)
	if _, err := io.ReadFull(stream, tagBuf); err != nil {
		return
	}
	tag := streamTag(tagBuf[0])

	if tag == tagDHT {
		h.dht.serve(stream)
		return
	}

	data, err := io.ReadAll(stream)
	if err != nil && !errors.Is(err, io.EOF) {
		h.log.WithError(err).Debug("quichost: stream read error")
		return
	}
	if len(data) == 0 {
		return
	}
	h.pushEvent(transport.Event{
		Kind:         transport.EventReceived,
		Handle:       handle,
		StreamKind:   kindFor(tag),
		Bytes:        data,
		PeerIdentity: peerCode,
	})
}

func (h *Host) Dial(ctx context.Context, multiaddr string) (transport.Handle, error) {
	addr, err := addrFromMultiaddr(multiaddr)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, h.tlsCfg, quicServerConfig())
	if err != nil {
		return nil, fmt.Errorf("quichost: dial %s: %w", multiaddr, err)
	}
	peerCode, err := peerDeviceCode(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "bad identity")
		return nil, err
	}
	h.mu.Lock()
	h.conns[peerCode] = conn
	h.mu.Unlock()

	handle := connHandle{conn: conn, peerCode: peerCode}
	go h.watchDialed(ctx, handle, peerCode)
	return handle, nil
}

// watchDialed runs the same accept-stream loop on the dialer's side of the
// connection, since either party may open a stream first (the target
// replies on the same connection the initiator dialed).
func (h *Host) watchDialed(ctx context.Context, handle connHandle, peerCode string) {
	ip, _ := splitHostIP(handle.conn.RemoteAddr())
	for {
		stream, err := handle.conn.AcceptStream(ctx)
		if err != nil {
			h.onConnLost(peerCode, handle, err)
			return
		}
		if !h.limiter.acquireStream(ip) {
			stream.CancelRead(1)
			stream.Close()
			continue
		}
		go h.serveStream(handle, peerCode, stream, ip)
	}
}

func (h *Host) Close(handle transport.Handle) error {
	hc, ok := handle.(connHandle)
	if !ok {
		return errors.New("quichost: bad handle")
	}
	h.mu.Lock()
	if h.conns[hc.peerCode] == hc.conn {
		delete(h.conns, hc.peerCode)
	}
	h.mu.Unlock()
	return hc.conn.CloseWithError(0, "closed")
}

func (h *Host) Send(handle transport.Handle, kind transport.StreamKind, data []byte) error {
	hc, ok := handle.(connHandle)
	if !ok {
		return errors.New("quichost: bad handle")
	}
	stream, err := hc.conn.OpenStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("quichost: open stream: %w", err)
	}
	defer stream.Close()
	if _, err := stream.Write([]byte{byte(tagFor(kind))}); err != nil {
		return err
	}
	if _, err := stream.Write(data); err != nil {
		return err
	}
	return nil
}

// Events returns a fresh, independent event stream; see transport.Host's
// doc comment for why every call must register its own subscriber rather
// than share one channel.
func (h *Host) Events() <-chan transport.Event {
	ch := make(chan transport.Event, 64)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
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

func (h *Host) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Shutdown stops accepting new connections and releases the listener.
// Not part of transport.Host: it's a quichost-specific lifecycle hook the
// daemon calls on exit.
func (h *Host) Shutdown() error {
	h.mu.Lock()
	h.closed = true
	ln := h.listener
	h.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func splitHostIP(addr net.Addr) (string, error) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), err
	}
	return host, nil
}

func addrFromMultiaddr(s string) (string, error) {
	// Candidates and config carry "/ip4/<host>/udp/<port>/quic-v1" style
	// multiaddrs; quic-go wants a plain host:port.
	parts := splitMultiaddr(s)
	if len(parts) < 4 {
		return "", fmt.Errorf("quichost: malformed multiaddr %q", s)
	}
	return net.JoinHostPort(parts[1], parts[3]), nil
}

func splitMultiaddr(s string) []string {
	var parts []string
	cur := ""
	for _, r := range s {
		if r == '/' {
			if cur != "" {
				parts = append(parts, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		parts = append(parts, cur)
	}
	return parts
}

func quicServerConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}
