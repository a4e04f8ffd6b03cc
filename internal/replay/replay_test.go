package replay

import (
	"testing"
	"time"
)

func key(b byte) [64]byte {
	var signer [32]byte
	var nonce [32]byte
	signer[0] = b
	nonce[0] = b + 1
	return Key(signer, nonce)
}

func TestReplayImmunity(t *testing.T) {
	c := New(Options{Retention: time.Minute, Cap: 16})
	now := time.Now()
	k := key(1)

	if !c.CheckAndInsert(k, now) {
		t.Fatal("first insert should succeed")
	}
	if c.CheckAndInsert(k, now.Add(time.Second)) {
		t.Fatal("duplicate within retention window must be rejected")
	}
}

func TestReplayExpiresAfterRetention(t *testing.T) {
	c := New(Options{Retention: 10 * time.Millisecond, Cap: 16})
	now := time.Now()
	k := key(2)

	if !c.CheckAndInsert(k, now) {
		t.Fatal("first insert should succeed")
	}
	later := now.Add(50 * time.Millisecond)
	if !c.CheckAndInsert(k, later) {
		t.Fatal("entry should have expired and be insertable again")
	}
}

func TestReplayCapEvictsOldest(t *testing.T) {
	c := New(Options{Retention: time.Hour, Cap: 2})
	now := time.Now()

	c.CheckAndInsert(key(1), now)
	c.CheckAndInsert(key(2), now)
	c.CheckAndInsert(key(3), now)

	if c.Len() != 2 {
		t.Fatalf("expected cap to bound size at 2, got %d", c.Len())
	}
	if !c.CheckAndInsert(key(1), now) {
		t.Fatal("oldest entry should have been evicted, allowing reinsertion")
	}
}
