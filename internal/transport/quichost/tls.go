package quichost

import (
	"crypto"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"aetherlink/internal/identity"
)

// selfSignedCert mints a certificate binding this device's long-term
// Ed25519 key to its TLS leaf: the certificate's public key IS the
// identity's public key, so a peer that completes the handshake and
// extracts that key learns the device code without a CA.
func selfSignedCert(id *identity.Identity) (tls.Certificate, error) {
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: id.DeviceCode()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"aetherlink.local"},
	}
	// identitySigner satisfies crypto.Signer over the already-loaded key so
	// x509 never needs to see the private key bytes directly.
	signer := identitySigner{id: id}
	der, err := x509.CreateCertificate(cryptorand.Reader, &template, &template, id.PublicKey(), signer)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("quichost: create cert: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: signer}, nil
}

// identitySigner adapts identity.Identity to crypto.Signer so the device's
// long-term key can back a TLS certificate without ever being copied out
// of the identity package in plaintext form.
type identitySigner struct {
	id *identity.Identity
}

func (s identitySigner) Public() crypto.PublicKey { return s.id.PublicKey() }

// Sign ignores rand and opts: Ed25519 as used here signs the message
// directly rather than a pre-hashed digest, matching x509's call pattern
// for ed25519.PrivateKey signers.
func (s identitySigner) Sign(_ io.Reader, msg []byte, _ crypto.SignerOpts) ([]byte, error) {
	return s.id.Sign(msg), nil
}

// peerDeviceCode extracts the device code bound to a QUIC connection's TLS
// certificate: the code is the BLAKE3 fingerprint of the leaf's subject
// public key, the same derivation identity.DeviceCode uses, so a dialed or
// accepted peer's device code is known the instant the handshake completes
// without a separate announce round-trip.
func peerDeviceCode(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", errors.New("quichost: peer presented no certificate")
	}
	leaf := state.PeerCertificates[0]
	pub, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", errors.New("quichost: peer certificate key is not ed25519")
	}
	return identity.DeviceCode(pub), nil
}

func tlsConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // identity is verified post-handshake via peerDeviceCode, not the cert chain
		NextProtos:         []string{"aetherlink-v1"},
		ClientAuth:         tls.RequireAnyClientCert,
	}
}

// fingerprint is used only for diagnostics (log fields), never for trust
// decisions.
func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return fmt.Sprintf("%x", sum[:8])
}
