// Package storage defines the content-addressed block store contract and the
// compositions used to chain backends together.
package storage

import (
	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/cid"
)

// BlockStore is the minimal content-addressed storage interface.
//
// Contract:
// - Put MUST be idempotent; re-putting identical bytes is a no-op.
// - Stored blocks MUST be immutable.
// - The returned CID MUST be derived from the bytes written (cid.Sum).
// - Get MUST return ErrNotFound when the hash is absent.
// - Get never decrypts; blocks are opaque bytes at this layer.
type BlockStore interface {
	Put(data []byte) (gocid.Cid, error)
	Get(id gocid.Cid) ([]byte, error)
	Has(id gocid.Cid) bool
}

// Named associates a BlockStore with a stable backend name, used where
// callers need per-backend reporting (fallback diagnostics, replication).
type Named struct {
	Name  string
	Store BlockStore
}

// Sum is the canonical block digest shared by all backends.
func Sum(data []byte) (gocid.Cid, error) { return cid.Sum(data) }
