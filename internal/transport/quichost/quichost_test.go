package quichost

import (
	"context"
	"testing"
	"time"

	"aetherlink/internal/identity"
	"aetherlink/internal/transport"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	h, err := NewHost(id, Options{})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return h
}

func waitForEvent(t *testing.T, ch <-chan transport.Event, timeout time.Duration, want transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %s", want)
		}
	}
}

func TestDialSendReceivesAcrossLoopback(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Listen(ctx, "/ip4/127.0.0.1/udp/31901/quic-v1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	bEvents := b.Events()

	handle, err := a.Dial(ctx, "/ip4/127.0.0.1/udp/31901/quic-v1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	connEv := waitForEvent(t, bEvents, 2*time.Second, transport.EventConnected)
	if connEv.PeerIdentity == "" {
		t.Fatalf("expected peer identity on connect event")
	}

	if err := a.Send(handle, transport.StreamControl, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvEv := waitForEvent(t, bEvents, 2*time.Second, transport.EventReceived)
	if string(recvEv.Bytes) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", recvEv.Bytes)
	}
	if recvEv.StreamKind != transport.StreamControl {
		t.Fatalf("expected control stream kind, got %v", recvEv.StreamKind)
	}
}

func TestDHTPublishAndLookupLocalOnly(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	rec := transport.PeerRecord{PeerID: "peer-x", Addrs: []string{"/ip4/10.0.0.5/udp/4000/quic-v1"}}
	if err := h.PublishDHTRecord(ctx, "peer-x", rec, time.Minute); err != nil {
		t.Fatalf("PublishDHTRecord: %v", err)
	}

	ch, err := h.LookupDHT(ctx, "peer-x")
	if err != nil {
		t.Fatalf("LookupDHT: %v", err)
	}
	found, ok := <-ch
	if !ok {
		t.Fatalf("expected a record from the local store")
	}
	if len(found.Addrs) != 1 || found.Addrs[0] != rec.Addrs[0] {
		t.Fatalf("unexpected record: %+v", found)
	}
}

func TestDHTLookupMissReturnsEmptyChannel(t *testing.T) {
	h := newTestHost(t)
	ch, err := h.LookupDHT(context.Background(), "unknown-peer")
	if err != nil {
		t.Fatalf("LookupDHT: %v", err)
	}
	select {
	case rec, ok := <-ch:
		if ok {
			t.Fatalf("expected no record, got %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected channel to close promptly with no bootstrap peers configured")
	}
}
