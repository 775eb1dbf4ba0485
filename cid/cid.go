// Package cid defines the content identifier used throughout hashtree: a
// content hash plus an optional symmetric key, with a compact shareable
// string form (the "permalink").
package cid

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	gocid "github.com/ipfs/go-cid"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// KeySize is the width of every block key, in bytes.
const KeySize = 32

var (
	ErrInvalidPermalink = errors.New("cid: invalid permalink")
	ErrInvalidKeySize   = errors.New("cid: key must be 32 bytes")
)

// ID identifies one block or tree root.
//
// Contract:
// - Hash MUST be a CIDv1 (raw + sha2-256) over the stored bytes.
// - Key is nil for plaintext blocks; otherwise it is exactly KeySize bytes
//   and decrypts the ciphertext stored under Hash.
// - Two IDs are equal iff hash and key both match.
type ID struct {
	Hash gocid.Cid
	Key  []byte
}

// Sum returns the CIDv1 (raw + sha2-256) for data. This is the sole identity
// of a block; stores and the tree engine share this contract.
func Sum(data []byte) (gocid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return gocid.Undef, err
	}
	return gocid.NewCidV1(gocid.Raw, sum), nil
}

// New builds an ID, copying key so callers cannot mutate it afterwards.
func New(hash gocid.Cid, key []byte) (ID, error) {
	if key == nil {
		return ID{Hash: hash}, nil
	}
	if len(key) != KeySize {
		return ID{}, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return ID{Hash: hash, Key: k}, nil
}

// Defined reports whether the ID carries a usable hash.
func (id ID) Defined() bool { return id.Hash.Defined() }

// Encrypted reports whether the referenced block is ciphertext.
func (id ID) Encrypted() bool { return id.Key != nil }

// Equal compares hash and key. A nil key only equals a nil key.
func (id ID) Equal(other ID) bool {
	return id.Hash.Equals(other.Hash) && bytes.Equal(id.Key, other.Key)
}

// String renders the permalink form:
//
//	<cidv1>             plaintext block
//	<cidv1>.<base58key> encrypted block
//
// The result is a stable, self-describing tree-root reference that bypasses
// root resolution entirely.
func (id ID) String() string {
	if !id.Hash.Defined() {
		return ""
	}
	if id.Key == nil {
		return id.Hash.String()
	}
	return id.Hash.String() + "." + base58.Encode(id.Key)
}

// Parse decodes a permalink produced by String.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, ErrInvalidPermalink
	}
	hashPart := s
	var keyPart string
	if i := strings.IndexByte(s, '.'); i >= 0 {
		hashPart, keyPart = s[:i], s[i+1:]
		if keyPart == "" {
			return ID{}, ErrInvalidPermalink
		}
	}
	h, err := gocid.Decode(hashPart)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidPermalink, err)
	}
	if keyPart == "" {
		return ID{Hash: h}, nil
	}
	key, err := base58.Decode(keyPart)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidPermalink, err)
	}
	if len(key) != KeySize {
		return ID{}, ErrInvalidKeySize
	}
	return ID{Hash: h, Key: key}, nil
}

// IsPermalink reports whether s decodes as a permalink. Resolvers use this to
// short-circuit resolution for self-describing references.
func IsPermalink(s string) bool {
	_, err := Parse(s)
	return err == nil
}
