package candidate

import (
	"errors"
	"sync"
	"time"
)

// DefaultCacheTTL is the cache source's freshness window (§4.6).
const DefaultCacheTTL = 120 * time.Second

// DefaultMuteDuration is how long an address stays muted after two
// different device codes both claimed it (NAT collision or spoofing).
const DefaultMuteDuration = 5 * time.Minute

// ErrAddrConflict is returned when a second device code claims an address
// already owned by a different device code.
var ErrAddrConflict = errors.New("candidate: address conflict")

// ErrAddrMuted is returned for an address currently in its post-conflict
// cooldown window.
var ErrAddrMuted = errors.New("candidate: address muted")

// Pool is the in-memory cache source: device_code -> last-good candidate,
// plus an address-ownership index that mutes addresses claimed by two
// different device codes in quick succession instead of flip-flopping
// ownership on every announcement.
type Pool struct {
	mu           sync.Mutex
	cacheTTL     time.Duration
	muteDuration time.Duration
	lastGood     map[string]Candidate
	owner        map[string]string
	muted        map[string]time.Time
}

// NewPool builds a candidate pool. Zero durations fall back to defaults.
func NewPool(cacheTTL, muteDuration time.Duration) *Pool {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if muteDuration <= 0 {
		muteDuration = DefaultMuteDuration
	}
	return &Pool{
		cacheTTL:     cacheTTL,
		muteDuration: muteDuration,
		lastGood:     make(map[string]Candidate),
		owner:        make(map[string]string),
		muted:        make(map[string]time.Time),
	}
}

// Observe records a newly seen candidate, applying address-conflict muting
// before it can clobber a different target's claim on the same address.
func (p *Pool) Observe(c Candidate, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if until, ok := p.muted[c.Address]; ok {
		if until.After(now) {
			return ErrAddrMuted
		}
		delete(p.muted, c.Address)
	}
	if owner, ok := p.owner[c.Address]; ok && owner != c.TargetDeviceCode {
		p.muted[c.Address] = now.Add(p.muteDuration)
		delete(p.owner, c.Address)
		return ErrAddrConflict
	}
	p.owner[c.Address] = c.TargetDeviceCode

	cur, known := p.lastGood[c.TargetDeviceCode]
	if !known || cur.Expired(now) || c.Priority >= cur.Priority {
		p.lastGood[c.TargetDeviceCode] = c
	}
	return nil
}

// CachedFor returns the cached known-good candidate for a target, if any
// and not expired. Observe replaces the cached candidate only with one of
// equal or higher priority, or once the cached one has expired, so the
// result is not always the most recently observed candidate.
func (p *Pool) CachedFor(targetCode string, now time.Time) (Candidate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.lastGood[targetCode]
	if !ok || c.Expired(now) {
		return Candidate{}, false
	}
	return c, true
}
