package identity

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	home := t.TempDir()

	id1, err := LoadOrCreate(home)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id1.DeviceCode() == "" {
		t.Fatal("expected non-empty device code")
	}
	if !ed25519.Verify(id1.PublicKey(), []byte("hello"), id1.Sign([]byte("hello"))) {
		t.Fatal("signature does not verify under the identity's own public key")
	}

	id2, err := LoadOrCreate(home)
	if err != nil {
		t.Fatalf("LoadOrCreate reload: %v", err)
	}
	if id1.DeviceCode() != id2.DeviceCode() {
		t.Fatalf("device code changed across reload: %s != %s", id1.DeviceCode(), id2.DeviceCode())
	}
	if string(id1.PublicKey()) != string(id2.PublicKey()) {
		t.Fatal("public key changed across reload")
	}
}

func TestLoadOrCreateRejectsMalformedFile(t *testing.T) {
	home := t.TempDir()
	if _, err := LoadOrCreate(home); err != nil {
		t.Fatalf("initial LoadOrCreate: %v", err)
	}

	if err := os.WriteFile(filepath.Join(home, privFile), []byte("not-hex"), 0o600); err != nil {
		t.Fatalf("corrupt identity file: %v", err)
	}

	if _, err := LoadOrCreate(home); err == nil {
		t.Fatal("expected error loading malformed identity, got nil")
	}
}

func TestDeviceCodeDeterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if DeviceCode(pub) != DeviceCode(pub) {
		t.Fatal("DeviceCode is not deterministic")
	}
}
