package storage

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/cid"
)

// Replicating writes to all configured backends.
//
// Reads fall back in order. Writes go to every backend and require all
// returned CIDs to match the canonical CID (otherwise ErrCIDMismatch).
// Used together with tree.WalkBlocks to push a whole tree to remote stores.
//
// Use PutAll when you need the per-backend CID mapping.
type Replicating struct {
	Backends []Named
}

var _ BlockStore = (*Replicating)(nil)

// PutAll writes the same bytes to all backends and returns the canonical CID
// plus a map of backend name -> returned CID.
func (r Replicating) PutAll(data []byte) (gocid.Cid, map[string]gocid.Cid, error) {
	want, err := cid.Sum(data)
	if err != nil {
		return gocid.Undef, nil, err
	}
	if len(r.Backends) == 0 {
		return gocid.Undef, nil, fmt.Errorf("storage: Replicating has no backends")
	}

	out := make(map[string]gocid.Cid, len(r.Backends))
	for _, b := range r.Backends {
		if b.Store == nil {
			return gocid.Undef, nil, fmt.Errorf("storage: nil store for backend %q", b.Name)
		}
		got, err := b.Store.Put(data)
		if err != nil {
			return gocid.Undef, nil, err
		}
		out[b.Name] = got
		if !got.Equals(want) {
			return gocid.Undef, out, ErrCIDMismatch
		}
	}
	return want, out, nil
}

func (r Replicating) Put(data []byte) (gocid.Cid, error) {
	id, _, err := r.PutAll(data)
	return id, err
}

func (r Replicating) Get(id gocid.Cid) ([]byte, error) {
	for _, b := range r.Backends {
		if b.Store == nil {
			continue
		}
		out, err := b.Store.Get(id)
		if err == nil {
			return out, nil
		}
		if IsNotFound(err) {
			continue
		}
		return nil, err
	}
	return nil, ErrNotFound
}

func (r Replicating) Has(id gocid.Cid) bool {
	for _, b := range r.Backends {
		if b.Store != nil && b.Store.Has(id) {
			return true
		}
	}
	return false
}
