package trust

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
)

func genKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pub
}

func TestAdmitUnknownWithTOFUDisabled(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "trust.json"), Options{TrustOnFirstUse: false})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Admit("code-a", genKey(t), 1000); err != ErrUntrustedPeer {
		t.Fatalf("want ErrUntrustedPeer, got %v", err)
	}
}

func TestAdmitUnknownWithTOFUEnabledConverges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.json")
	s, err := Open(path, Options{TrustOnFirstUse: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pub := genKey(t)
	for i := 0; i < 5; i++ {
		if err := s.Admit("code-a", pub, int64(1000+i)); err != nil {
			t.Fatalf("Admit attempt %d: %v", i, err)
		}
	}
	rec, ok := s.Lookup("code-a")
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.Level != TOFU {
		t.Fatalf("want TOFU, got %v", rec.Level)
	}

	// Idempotent trust: reopening from disk reproduces exactly one entry.
	s2, err := Open(path, Options{TrustOnFirstUse: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec2, ok := s2.Lookup("code-a")
	if !ok || rec2.PublicKey != rec.PublicKey {
		t.Fatal("trust record did not survive reload")
	}
}

func TestAdmitMismatchedKeyAlwaysFails(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "trust.json"), Options{TrustOnFirstUse: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Admit("code-x", genKey(t), 1000); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	if err := s.Admit("code-x", genKey(t), 2000); err != ErrIdentityMismatch {
		t.Fatalf("want ErrIdentityMismatch, got %v", err)
	}
}

func TestRevokedAlwaysFails(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "trust.json"), Options{TrustOnFirstUse: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pub := genKey(t)
	if err := s.Admit("code-r", pub, 1000); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := s.Revoke("code-r", 2000); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := s.Admit("code-r", pub, 3000); err != ErrRevoked {
		t.Fatalf("want ErrRevoked, got %v", err)
	}
}
