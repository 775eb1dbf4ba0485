package keys

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

// KeySize is the width of content keys, link keys and XOR wraps.
const KeySize = 32

// KeyIDSize is the width of the short key fingerprint.
const KeyIDSize = 8

const keyIDContext = "hashtree v1 key id"

// legacyWrapSize identifies the old authenticated wrap format by length:
// a 12-byte ChaCha20-Poly1305 nonce, 32 bytes of ciphertext and the
// 16-byte tag. New wraps always use the 32-byte XOR form; the legacy
// form is accepted on read only.
const legacyWrapSize = chacha20poly1305.NonceSize + KeySize + chacha20poly1305.Overhead

var (
	// ErrNoKey means no recovery path could produce the content key:
	// the caller must treat the tree as inaccessible rather than guess.
	ErrNoKey = errors.New("keys: no key available")

	// ErrBadWrap reports wrapped key material of an impossible shape.
	ErrBadWrap = errors.New("keys: malformed wrapped key")
)

// Visibility selects who can recover a tree root's content key.
type Visibility string

const (
	Public      Visibility = "public"
	LinkVisible Visibility = "link-visible"
	Private     Visibility = "private"
)

func (v Visibility) Valid() bool {
	switch v {
	case Public, LinkVisible, Private:
		return true
	}
	return false
}

// WrapLink wraps contentKey under linkKey by byte-wise XOR. The
// operation is its own inverse, so it also unwraps.
func WrapLink(contentKey, linkKey []byte) ([]byte, error) {
	if len(contentKey) != KeySize || len(linkKey) != KeySize {
		return nil, fmt.Errorf("%w: want %d-byte keys", ErrBadWrap, KeySize)
	}
	out := make([]byte, KeySize)
	for i := range out {
		out[i] = contentKey[i] ^ linkKey[i]
	}
	return out, nil
}

// KeyID returns the deterministic short fingerprint of a key. It lets a
// resolver advertise "same key as before" without revealing the key.
func KeyID(key []byte) []byte {
	out := make([]byte, KeyIDSize)
	blake3.DeriveKey(out, keyIDContext, key)
	return out
}

// sealSelf encrypts a 32-byte key to the identity with
// XChaCha20-Poly1305 and a random nonce prefixed to the ciphertext.
func (id *Identity) sealSelf(key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d-byte key", ErrBadWrap, KeySize)
	}
	aead, err := chacha20poly1305.NewX(id.self)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, key, nil), nil
}

// openSelf decrypts a sealSelf value. A 60-byte input is the legacy
// ChaCha20-Poly1305 form and is dispatched by length.
func (id *Identity) openSelf(sealed []byte) ([]byte, error) {
	if len(sealed) == legacyWrapSize {
		return openLegacy(id.self, sealed)
	}
	aead, err := chacha20poly1305.NewX(id.self)
	if err != nil {
		return nil, err
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, ErrBadWrap
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	key, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrNoKey
	}
	return key, nil
}

// openLegacy decrypts the old 60-byte wrap: 12-byte nonce, 32-byte
// ciphertext, 16-byte tag under ChaCha20-Poly1305.
func openLegacy(wrapKey, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(wrapKey)
	if err != nil {
		return nil, err
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	key, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrNoKey
	}
	return key, nil
}

// Sealed carries the wrapped key material published alongside a tree
// root. Which fields are set depends on the visibility tier.
type Sealed struct {
	// Key is the cleartext content key (public tier only).
	Key []byte

	// EncryptedKey is the content key wrapped under the link key:
	// 32-byte XOR form, or the 60-byte legacy form on old records.
	EncryptedKey []byte

	// KeyID fingerprints the content key.
	KeyID []byte

	// SelfEncryptedKey is the content key encrypted to the owner
	// (private tier).
	SelfEncryptedKey []byte

	// SelfEncryptedLinkKey is the link key encrypted to the owner, so
	// the owner can re-derive the shareable link (link-visible tier).
	SelfEncryptedLinkKey []byte
}

// Seal wraps contentKey for the given visibility tier. For LinkVisible
// a fresh random link key is generated and returned so the caller can
// hand it out (e.g. in a URL fragment); for other tiers linkKey is nil.
func Seal(contentKey []byte, vis Visibility, id *Identity) (Sealed, []byte, error) {
	if len(contentKey) != KeySize {
		return Sealed{}, nil, fmt.Errorf("%w: want %d-byte content key", ErrBadWrap, KeySize)
	}
	switch vis {
	case Public:
		return Sealed{
			Key:   append([]byte(nil), contentKey...),
			KeyID: KeyID(contentKey),
		}, nil, nil

	case LinkVisible:
		if id == nil {
			return Sealed{}, nil, errors.New("keys: link-visible seal needs an identity")
		}
		linkKey := make([]byte, KeySize)
		if _, err := rand.Read(linkKey); err != nil {
			return Sealed{}, nil, err
		}
		wrapped, err := WrapLink(contentKey, linkKey)
		if err != nil {
			return Sealed{}, nil, err
		}
		selfLink, err := id.sealSelf(linkKey)
		if err != nil {
			return Sealed{}, nil, err
		}
		return Sealed{
			EncryptedKey:         wrapped,
			KeyID:                KeyID(contentKey),
			SelfEncryptedLinkKey: selfLink,
		}, linkKey, nil

	case Private:
		if id == nil {
			return Sealed{}, nil, errors.New("keys: private seal needs an identity")
		}
		selfKey, err := id.sealSelf(contentKey)
		if err != nil {
			return Sealed{}, nil, err
		}
		return Sealed{
			KeyID:            KeyID(contentKey),
			SelfEncryptedKey: selfKey,
		}, nil, nil
	}
	return Sealed{}, nil, fmt.Errorf("keys: unknown visibility %q", vis)
}

// Recover extracts the content key from a Sealed record. Recovery paths
// are tried in a fixed order: the cleartext key on the record, an
// XOR-unwrap with the externally supplied linkKey, the owner's
// self-encrypted link key followed by the unwrap, and finally the
// owner's self-encrypted content key. id and linkKey may be nil.
// Exhaustion yields ErrNoKey.
func Recover(s Sealed, id *Identity, linkKey []byte) ([]byte, error) {
	if len(s.Key) == KeySize {
		return append([]byte(nil), s.Key...), nil
	}

	if len(linkKey) == KeySize && s.EncryptedKey != nil {
		if key, err := unwrapWithLinkKey(s.EncryptedKey, linkKey); err == nil {
			return key, nil
		}
	}

	if id != nil && s.SelfEncryptedLinkKey != nil && s.EncryptedKey != nil {
		if lk, err := id.openSelf(s.SelfEncryptedLinkKey); err == nil {
			if key, err := unwrapWithLinkKey(s.EncryptedKey, lk); err == nil {
				return key, nil
			}
		}
	}

	if id != nil && s.SelfEncryptedKey != nil {
		if key, err := id.openSelf(s.SelfEncryptedKey); err == nil {
			return key, nil
		}
	}

	return nil, ErrNoKey
}

// unwrapWithLinkKey handles both wrap generations: the legacy 60-byte
// authenticated form and the current 32-byte XOR form.
func unwrapWithLinkKey(wrapped, linkKey []byte) ([]byte, error) {
	switch len(wrapped) {
	case legacyWrapSize:
		return openLegacy(linkKey, wrapped)
	case KeySize:
		return WrapLink(wrapped, linkKey)
	}
	return nil, ErrBadWrap
}
