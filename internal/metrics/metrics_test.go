package metrics

import "testing"

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncHandshakeRequest()
	m.IncHandshakeRequest()
	m.IncHandshakeAccept()
	m.IncHandshakeReject()
	m.IncReplayDrop()
	m.IncTransportMismatch()
	m.IncNonceUnbound()
	m.IncUntrustedPeer()
	m.IncBadSignature()
	m.IncDirectWin()
	m.IncPunchWin()
	m.IncRelayWin()
	m.IncNoPath()
	m.IncMalformedDrop()
	m.IncReconnect()
	m.IncReconnectExhausted()
	m.IncClosed()

	snap := m.Snapshot()
	if snap.Handshake.Requests != 2 {
		t.Fatalf("expected requests=2, got %d", snap.Handshake.Requests)
	}
	if snap.Handshake.Accepts != 1 || snap.Handshake.Rejects != 1 {
		t.Fatalf("unexpected accept/reject counts: %+v", snap.Handshake)
	}
	if snap.Handshake.ReplayDrops != 1 || snap.Handshake.TransportMismatch != 1 ||
		snap.Handshake.NonceUnbound != 1 ||
		snap.Handshake.UntrustedPeer != 1 || snap.Handshake.BadSignature != 1 {
		t.Fatalf("unexpected handshake failure counts: %+v", snap.Handshake)
	}
	if snap.Path.DirectWins != 1 || snap.Path.PunchWins != 1 || snap.Path.RelayWins != 1 ||
		snap.Path.NoPath != 1 || snap.Path.MalformedDrops != 1 {
		t.Fatalf("unexpected path counts: %+v", snap.Path)
	}
	if snap.Session.Reconnects != 1 || snap.Session.ReconnectExhausted != 1 || snap.Session.Closed != 1 {
		t.Fatalf("unexpected session counts: %+v", snap.Session)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncHandshakeRequest()
	m.RecordFailure("s1", "peer", "NoPath", m.Snapshot().GeneratedAt)
	if got := m.Snapshot(); got.Handshake.Requests != 0 {
		t.Fatalf("expected zero-value snapshot from nil receiver, got %+v", got)
	}
}

func TestRecentFailureRingEvictsOldest(t *testing.T) {
	r := NewFailureRing(2)
	r.Add(RecentFailure{SessionID: "a"})
	r.Add(RecentFailure{SessionID: "b"})
	r.Add(RecentFailure{SessionID: "c"})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(list))
	}
	if list[0].SessionID != "b" || list[1].SessionID != "c" {
		t.Fatalf("expected oldest entry evicted, got %+v", list)
	}
}
