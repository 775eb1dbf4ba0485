package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// SelfKeySize is the size of the identity's derived self-encryption key.
const SelfKeySize = 32

const selfKeyLabel = "hashtree-keys-v1"

// Identity is an owner keypair. The Ed25519 key signs and names the
// owner; a symmetric self-encryption key is derived deterministically
// from the same seed so the owner can recover wrapped keys on any
// device holding the seed.
type Identity struct {
	priv ed25519.PrivateKey
	self []byte
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return FromSeed(seed)
}

// FromSeed reconstructs the identity from a stored Ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	return &Identity{
		priv: ed25519.NewKeyFromSeed(seed),
		self: deriveSelfKey(seed),
	}, nil
}

// deriveSelfKey derives the self-encryption key from the seed with a
// domain-separated SHA-256 construction, so the Ed25519 signing key and
// the symmetric key never coincide.
func deriveSelfKey(seed []byte) []byte {
	h := sha256.New()
	_, _ = h.Write(seed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(selfKeyLabel))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("self-encryption"))
	sum := h.Sum(nil)
	out := make([]byte, SelfKeySize)
	copy(out, sum[:SelfKeySize])
	return out
}

// Seed returns the Ed25519 seed, for persistence.
func (id *Identity) Seed() []byte {
	return id.priv.Seed()
}

// PublicKey returns the Ed25519 public key that names this owner.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.priv.Public().(ed25519.PublicKey)
}

// OwnerKey returns the printable owner key string, "ed25519:" plus the
// base64 public key.
func (id *Identity) OwnerKey() string {
	return "ed25519:" + base64.StdEncoding.EncodeToString(id.PublicKey())
}

// Sign signs message with the identity's Ed25519 key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.priv, message)
}

// Verify checks a signature made by the owner named by pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// ParseOwnerKey inverts OwnerKey.
func ParseOwnerKey(s string) (ed25519.PublicKey, error) {
	const prefix = "ed25519:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return nil, errors.New("owner key must start with \"ed25519:\"")
	}
	pub, err := base64.StdEncoding.DecodeString(s[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("bad owner key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("owner key must decode to %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(pub), nil
}
