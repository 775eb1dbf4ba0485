// Package tree implements the merkle tree engine: chunked, convergently
// encrypted files and directories built over any storage.BlockStore.
//
// Every mutation takes an immutable input root and produces a new output
// root; unaffected subtrees are referenced, never copied, so concurrent
// reads of any root are always safe without locking.
package tree

import "github.com/mmalmi/hashtree/cid"

// LinkType classifies a directory entry.
type LinkType byte

const (
	// Blob links raw file content (a whole small file or one chunk).
	Blob LinkType = 1
	// File links an opaque CID-valued entry; the index uses this for links.
	File LinkType = 2
	// Dir links a nested directory.
	Dir LinkType = 3
)

func (t LinkType) valid() bool { return t >= Blob && t <= Dir }

func (t LinkType) String() string {
	switch t {
	case Blob:
		return "blob"
	case File:
		return "file"
	case Dir:
		return "dir"
	default:
		return "invalid"
	}
}

// Meta carries optional per-entry metadata. It is a closed set of typed
// fields rather than an open map so the directory encoding stays
// deterministic.
type Meta struct {
	Title     string
	Duration  uint64 // milliseconds
	Thumbnail string // permalink of a thumbnail blob
	CreatedAt uint64 // unix milliseconds
	UpdatedAt uint64 // unix milliseconds
}

func (m *Meta) isZero() bool {
	return m == nil || *m == Meta{}
}

// Entry is one child of a directory. Within one directory, Name is unique.
type Entry struct {
	Name string
	ID   cid.ID
	Size uint64
	Type LinkType
	Meta *Meta
}
