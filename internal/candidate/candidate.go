// Package candidate aggregates reachable addresses for a target device
// from the local cache, LAN multicast observations, and distributed hash
// table lookups, applying TTL and priority ordering before handing
// candidates to the dial coordinator.
package candidate

import (
	"strings"
	"time"
)

// Source identifies where a Candidate was observed.
type Source string

const (
	SourceCache       Source = "cache"
	SourceLAN         Source = "lan"
	SourceDHT         Source = "dht"
	SourceRelayAdvert Source = "relay_advert"
)

// Candidate is one potentially reachable address for a target device.
type Candidate struct {
	TargetDeviceCode string
	Address          string
	Source           Source
	Priority         int
	ExpiresAt        time.Time
}

// Expired reports whether c is past its expiry at now.
func (c Candidate) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// priority ranks candidates for dial ordering: direct-IPv6 > direct-public
// > LAN-observed > relay-advertised. Address strings follow the host's
// multiaddr-style convention (e.g. "/ip6/.../udp/.../quic-v1").
func priority(addr string, source Source) int {
	switch {
	case source == SourceRelayAdvert:
		return 0
	case source == SourceLAN:
		return 1
	case strings.HasPrefix(addr, "/ip6/"):
		return 3
	default:
		return 2
	}
}

// New builds a Candidate with its priority computed from address and
// source, and its expiry set ttl from now.
func New(targetCode, addr string, source Source, now time.Time, ttl time.Duration) Candidate {
	return Candidate{
		TargetDeviceCode: targetCode,
		Address:          addr,
		Source:           source,
		Priority:         priority(addr, source),
		ExpiresAt:        now.Add(ttl),
	}
}
