// Package keyfix generates the key material tests need: Ed25519 identity
// keys and X25519 prekeys with valid signatures, base64url-encoded the way
// clients send them.
package keyfix

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func B64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Identity is one device's Ed25519 identity keypair.
type Identity struct {
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

func NewIdentity(t *testing.T) *Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	return &Identity{Pub: pub, Priv: priv}
}

func (id *Identity) PubB64() string {
	return B64(id.Pub)
}

// SignedPrekey generates a fresh X25519 prekey and signs its public bytes
// with the identity key. Returns (spkPubB64, spkSigB64).
func (id *Identity) SignedPrekey(t *testing.T) (string, string) {
	t.Helper()
	pub := X25519Pub(t)
	sig := ed25519.Sign(id.Priv, pub)
	return B64(pub), B64(sig)
}

// X25519Pub generates an X25519 public key from a random scalar.
func X25519Pub(t *testing.T) []byte {
	t.Helper()
	var scalar [32]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		t.Fatalf("generate x25519 scalar: %v", err)
	}
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive x25519 public: %v", err)
	}
	return pub
}

// OPKs returns n base64url one-time prekeys.
func OPKs(t *testing.T, n int) []string {
	t.Helper()
	out := make([]string, n)
	for i := range out {
		out[i] = B64(X25519Pub(t))
	}
	return out
}
