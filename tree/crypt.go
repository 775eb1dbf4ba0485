package tree

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"

	"github.com/mmalmi/hashtree/cid"
)

// ErrDecryptionFailure reports a key/ciphertext mismatch. It always
// propagates: returning wrong bytes is strictly worse than failing.
var ErrDecryptionFailure = errors.New("tree: decryption failure")

const chkContext = "hashtree v1 chk"

// chunkKey derives the convergent (content-hash-keyed) encryption key for a
// plaintext chunk. Identical plaintext always yields the identical key, and
// therefore identical ciphertext and hash, across processes and stores.
func chunkKey(plaintext []byte) []byte {
	digest := sha256.Sum256(plaintext)
	key := make([]byte, cid.KeySize)
	blake3.DeriveKey(key, chkContext, digest[:])
	return key
}

// sealChunk encrypts plaintext under key with XChaCha20-Poly1305 and an
// all-zero nonce. The key is derived from the plaintext itself, so it is
// never reused for different messages and the fixed nonce is safe; it also
// keeps the ciphertext deterministic, which content addressing requires.
func sealChunk(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// openChunk decrypts a sealChunk ciphertext. Authentication failure maps to
// ErrDecryptionFailure so callers can distinguish wrong-key from not-found.
func openChunk(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return plaintext, nil
}
