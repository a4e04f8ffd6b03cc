package candidate

import (
	"testing"
	"time"
)

func TestObserveDedupesAndPrefersHigherPriority(t *testing.T) {
	p := NewPool(time.Minute, time.Minute)
	now := time.Now()

	low := New("target-a", "/ip4/10.0.0.1/udp/1/quic-v1", SourceLAN, now, time.Minute)
	high := New("target-a", "/ip6/::1/udp/1/quic-v1", SourceDHT, now, time.Minute)

	if err := p.Observe(low, now); err != nil {
		t.Fatalf("Observe low: %v", err)
	}
	if err := p.Observe(high, now); err != nil {
		t.Fatalf("Observe high: %v", err)
	}

	c, ok := p.CachedFor("target-a", now)
	if !ok {
		t.Fatal("expected a cached candidate")
	}
	if c.Address != high.Address {
		t.Fatalf("expected higher-priority candidate to win, got %+v", c)
	}
}

func TestAddrConflictMutesAddress(t *testing.T) {
	p := NewPool(time.Minute, time.Minute)
	now := time.Now()

	a := New("target-a", "/ip4/1.2.3.4/udp/9/quic-v1", SourceLAN, now, time.Minute)
	if err := p.Observe(a, now); err != nil {
		t.Fatalf("Observe a: %v", err)
	}

	b := New("target-b", a.Address, SourceLAN, now, time.Minute)
	if err := p.Observe(b, now); err != ErrAddrConflict {
		t.Fatalf("want ErrAddrConflict, got %v", err)
	}

	// Muted window still active.
	c := New("target-c", a.Address, SourceLAN, now, time.Minute)
	if err := p.Observe(c, now.Add(time.Second)); err != ErrAddrMuted {
		t.Fatalf("want ErrAddrMuted during cooldown, got %v", err)
	}

	// After cooldown, address can be claimed again.
	d := New("target-d", a.Address, SourceLAN, now, time.Minute)
	if err := p.Observe(d, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("expected claim to succeed after cooldown, got %v", err)
	}
}

func TestCachedForExpires(t *testing.T) {
	p := NewPool(time.Minute, time.Minute)
	now := time.Now()
	c := New("target-a", "/ip4/1.2.3.4/udp/1/quic-v1", SourceCache, now, 10*time.Millisecond)
	if err := p.Observe(c, now); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if _, ok := p.CachedFor("target-a", now.Add(time.Second)); ok {
		t.Fatal("expected candidate to have expired")
	}
}
