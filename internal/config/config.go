// Package config loads the daemon's TOML configuration file into the
// tunables named across §4.2, §4.5-§4.8: identity home, trust store path
// and TOFU policy, listen address, bootstrap addresses and per-IP limits,
// DHT lookup/republish cadence, session timers and retry budget, and
// logging. The protocol version floor, handshake timestamp skew and dial
// phase budgets are constants in their packages and are not read from the
// file. Zero fields fall back to the defaults named in the respective
// packages, the same decode-into-a-plain-struct pattern the pack's dtn7
// daemon uses for its own configuration.toml.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root of aetherlink.toml.
type Config struct {
	Identity IdentityConf
	Trust    TrustConf
	Listen   ListenConf
	Dial     DialConf
	Session  SessionConf
	Log      LogConf
	Pprof    PprofConf
}

// IdentityConf names where the device's long-term signing key is
// persisted (§4.1).
type IdentityConf struct {
	Home string `toml:"home"`
}

// TrustConf carries the trust store's path and its single policy knob
// (§4.2).
type TrustConf struct {
	Path            string `toml:"path"`
	TrustOnFirstUse bool   `toml:"trust_on_first_use"`
}

// ListenConf is the transport host's bind address and DHT rendezvous set.
type ListenConf struct {
	Multiaddr       string   `toml:"multiaddr"`
	Bootstrap       []string `toml:"bootstrap"`
	MaxConnsPerIP   int      `toml:"max_conns_per_ip"`
	MaxStreamsPerIP int      `toml:"max_streams_per_ip"`
}

// DialConf tunes the candidate resolver's DHT cadence (§4.6). The dial
// coordinator's own phase budgets are normative schedule constants, not
// configurable (§4.7), and are intentionally absent here.
type DialConf struct {
	DHTLookupIntervalMS    int `toml:"dht_lookup_interval_ms"`
	DHTRepublishIntervalMS int `toml:"dht_republish_interval_ms"`
}

// SessionConf tunes the session state machine's timers (§4.8).
type SessionConf struct {
	DiscoveryTimeoutMS       int      `toml:"discovery_timeout_ms"`
	SessionRequestTimeoutMS  int      `toml:"session_request_timeout_ms"`
	SessionRequestMaxRetries int      `toml:"session_request_max_retries"`
	ReconnectBudgetMS        int      `toml:"reconnect_budget_ms"`
	KeepaliveIntervalMS      int      `toml:"keepalive_interval_ms"`
	KeepaliveMissThreshold   int      `toml:"keepalive_miss_threshold"`
	RequestedCapabilities    []string `toml:"requested_capabilities"`
}

// LogConf selects the structured logger's level and format.
type LogConf struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// PprofConf mirrors pprofutil's env-gated knobs. The daemon decodes this
// section but does not apply it: pprof is started only from the
// AETHERLINK_PPROF* environment variables.
type PprofConf struct {
	Enabled     bool   `toml:"enabled"`
	Addr        string `toml:"addr"`
	AllowPublic bool   `toml:"allow_public"`
}

// Load decodes path into a Config. An empty path or an empty file is not
// an error: every field's zero value is a valid "use the default" signal
// to its owning package. A path naming a file that does not exist is an
// error.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Millis converts a millisecond field (0 meaning "unset") into a
// time.Duration, leaving the zero duration for the owning package's own
// default fallback.
func Millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
