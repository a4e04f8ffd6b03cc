// Package replay tracks recently observed (signer, nonce) pairs so the
// handshake engine can reject duplicates within a retention window.
package replay

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultRetention = 60 * time.Second
	defaultCap       = 4096
)

type entry struct {
	key      [64]byte // device code hash (32) || nonce (32), fixed width
	observed time.Time
}

// Cache is a bounded, O(1)-amortized set of (signer, nonce) pairs.
// Entries are evicted by TTL first, then by LRU once the cache is at
// capacity.
type Cache struct {
	mu        sync.Mutex
	retention time.Duration
	cap       int
	items     map[[64]byte]*list.Element
	order     *list.List
}

// Options configures retention window and capacity; zero values fall back
// to defaults (60s retention, 4096 entries).
type Options struct {
	Retention time.Duration
	Cap       int
}

// New builds a replay cache.
func New(opts Options) *Cache {
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	cap := opts.Cap
	if cap <= 0 {
		cap = defaultCap
	}
	return &Cache{
		retention: retention,
		cap:       cap,
		items:     make(map[[64]byte]*list.Element),
		order:     list.New(),
	}
}

// Key builds the fixed-width composite key for a signer device-code hash
// and a nonce. Both must already be 32 bytes (device codes are hashed to
// a fixed-width form by the caller before insertion).
func Key(signerHash, nonce [32]byte) [64]byte {
	var k [64]byte
	copy(k[:32], signerHash[:])
	copy(k[32:], nonce[:])
	return k
}

// CheckAndInsert reports whether (signer, nonce) has been seen within the
// retention window. If not seen, it is recorded and true is returned
// (insertion succeeded); if seen, false is returned (duplicate).
func (c *Cache) CheckAndInsert(key [64]byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpiredLocked(now)

	if _, dup := c.items[key]; dup {
		return false
	}

	ent := &entry{key: key, observed: now}
	el := c.order.PushFront(ent)
	c.items[key] = el

	for c.order.Len() > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*entry)
		delete(c.items, old.key)
		c.order.Remove(back)
	}
	return true
}

func (c *Cache) pruneExpiredLocked(now time.Time) {
	cutoff := now.Add(-c.retention)
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*entry)
		if ent.observed.After(cutoff) {
			return
		}
		delete(c.items, ent.key)
		c.order.Remove(back)
	}
}

// Len reports the current number of tracked entries (for diagnostics/tests).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
