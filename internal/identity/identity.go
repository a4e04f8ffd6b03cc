// Package identity owns the device's long-term Ed25519 signing key and
// derives its stable device code.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

const (
	pubFile  = "identity_pub.hex"
	privFile = "identity_priv.hex"
)

// ErrIdentityLoad is returned when a persisted identity file exists but is
// unreadable or malformed. The caller must never silently regenerate a key
// in this case.
var ErrIdentityLoad = errors.New("identity: load failed")

// Identity is the device's long-term signing key and its derived code.
type Identity struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
	code string
}

// LoadOrCreate loads the identity persisted under home, or generates and
// persists a fresh one if home has none yet.
func LoadOrCreate(home string) (*Identity, error) {
	if home == "" {
		return nil, errors.New("identity: empty home directory")
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create home: %w", err)
	}

	pubPath := filepath.Join(home, pubFile)
	privPath := filepath.Join(home, privFile)

	pubExists := fileExists(pubPath)
	privExists := fileExists(privPath)

	switch {
	case pubExists && privExists:
		pub, priv, err := loadKeypair(pubPath, privPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIdentityLoad, err)
		}
		return newIdentity(pub, priv), nil
	case pubExists != privExists:
		return nil, fmt.Errorf("%w: partial identity files under %s", ErrIdentityLoad, home)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	if err := saveKeypair(pubPath, privPath, pub, priv); err != nil {
		return nil, fmt.Errorf("identity: persist key: %w", err)
	}
	return newIdentity(pub, priv), nil
}

func newIdentity(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Identity {
	return &Identity{pub: pub, priv: priv, code: DeviceCode(pub)}
}

// DeviceCode renders the BLAKE3 fingerprint of an Ed25519 public key as the
// canonical textual device code.
func DeviceCode(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// Sign signs bytes with the device's long-term private key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// PublicKey returns the device's public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(id.pub))
	copy(out, id.pub)
	return out
}

// DeviceCode returns this identity's stable device code.
func (id *Identity) DeviceCode() string {
	return id.code
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func loadKeypair(pubPath, privPath string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pubHex, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(privPath)
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("malformed public key file")
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("malformed private key file")
	}
	return ed25519.PublicKey(pub), ed25519.PrivateKey(priv), nil
}

// saveKeypair writes both key files atomically via temp-file-then-rename,
// owner-only permissions on the private key.
func saveKeypair(pubPath, privPath string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if err := writeFileAtomic(pubPath, []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return err
	}
	return writeFileAtomic(privPath, []byte(hex.EncodeToString(priv)), 0o600)
}

func writeFileAtomic(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
