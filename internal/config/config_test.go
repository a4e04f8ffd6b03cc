package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEmptyPathReturnsZeroValue(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if cfg.Trust.TrustOnFirstUse {
		t.Fatal("expected zero-value TrustOnFirstUse")
	}
}

func TestLoadDecodesKnownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aetherlink.toml")
	contents := `
[identity]
home = "/tmp/aetherlink-home"

[trust]
trust_on_first_use = true

[listen]
multiaddr = "/ip4/0.0.0.0/udp/9901/quic-v1"
bootstrap = ["203.0.113.1:9900"]

[session]
discovery_timeout_ms = 3000
session_request_max_retries = 5
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Trust.TrustOnFirstUse {
		t.Fatal("expected trust_on_first_use=true")
	}
	if cfg.Identity.Home != "/tmp/aetherlink-home" {
		t.Fatalf("unexpected identity.home: %q", cfg.Identity.Home)
	}
	if cfg.Listen.Multiaddr != "/ip4/0.0.0.0/udp/9901/quic-v1" {
		t.Fatalf("unexpected listen.multiaddr: %q", cfg.Listen.Multiaddr)
	}
	if len(cfg.Listen.Bootstrap) != 1 || cfg.Listen.Bootstrap[0] != "203.0.113.1:9900" {
		t.Fatalf("unexpected bootstrap: %v", cfg.Listen.Bootstrap)
	}
	if cfg.Session.SessionRequestMaxRetries != 5 {
		t.Fatalf("unexpected max_retries: %d", cfg.Session.SessionRequestMaxRetries)
	}
	if got := Millis(cfg.Session.DiscoveryTimeoutMS); got != 3*time.Second {
		t.Fatalf("Millis(3000) = %v, want 3s", got)
	}
}

func TestMillisZeroMeansUnset(t *testing.T) {
	if got := Millis(0); got != 0 {
		t.Fatalf("Millis(0) = %v, want 0", got)
	}
	if got := Millis(-5); got != 0 {
		t.Fatalf("Millis(-5) = %v, want 0", got)
	}
}

func TestLoadUnknownPathErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a nonexistent config file")
	}
}
