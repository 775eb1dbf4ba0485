package tree

import (
	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/storage"
)

// Block is one stored block visited by WalkBlocks: the bytes exactly as they
// sit in the store (ciphertext for encrypted blocks).
type Block struct {
	Hash gocid.Cid
	Data []byte
}

// WalkBlocks visits every block reachable from id, depth-first, calling fn
// for each. Deduplicated blocks are visited once. Returning an error from fn
// stops the walk. The traversal is finite and not restartable mid-stream;
// it exists for verification and bulk push to a remote store:
//
//	rep := storage.Replicating{Backends: remotes}
//	engine.WalkBlocks(root, func(b tree.Block) error {
//		_, err := rep.Put(b.Data)
//		return err
//	})
func (e *Engine) WalkBlocks(id cid.ID, fn func(Block) error) error {
	seen := make(map[string]struct{})
	return e.walk(id, seen, fn)
}

func (e *Engine) walk(id cid.ID, seen map[string]struct{}, fn func(Block) error) error {
	key := id.Hash.String()
	if _, ok := seen[key]; ok {
		return nil
	}
	seen[key] = struct{}{}

	stored, err := e.store.Get(id.Hash)
	if err != nil {
		return err
	}
	if err := fn(Block{Hash: id.Hash, Data: stored}); err != nil {
		return err
	}

	plain := stored
	if id.Key != nil {
		plain, err = openChunk(id.Key, stored)
		if err != nil {
			return err
		}
	}

	entries, structural := decodeStructural(plain)
	if !structural {
		return nil
	}
	for _, entry := range entries {
		if err := e.walk(entry.ID, seen, fn); err != nil {
			return err
		}
	}
	return nil
}

// decodeStructural decodes plain as a manifest or directory node.
func decodeStructural(plain []byte) ([]Entry, bool) {
	if hasMagic(plain, manifestMagic) {
		entries, err := decodeEntries(manifestMagic, plain)
		return entries, err == nil
	}
	if hasMagic(plain, dirMagic) {
		entries, err := decodeEntries(dirMagic, plain)
		return entries, err == nil
	}
	return nil, false
}

// Report is the result of VerifyTree.
type Report struct {
	// Valid is true when every reachable block is present and every
	// structural node decodes.
	Valid bool
	// Missing lists referenced hashes absent from the store.
	Missing []gocid.Cid
}

// VerifyTree walks the tree rooted at id against store and reports which
// referenced hashes are absent. It is a diagnostic, not a correctness gate:
// missing blocks and undecodable nodes are reported, never raised.
func VerifyTree(store storage.BlockStore, id cid.ID) Report {
	e := New(store, Options{})
	rep := Report{Valid: true}
	seen := make(map[string]struct{})
	e.verify(id, seen, &rep)
	return rep
}

func (e *Engine) verify(id cid.ID, seen map[string]struct{}, rep *Report) {
	key := id.Hash.String()
	if _, ok := seen[key]; ok {
		return
	}
	seen[key] = struct{}{}

	stored, err := e.store.Get(id.Hash)
	if storage.IsNotFound(err) {
		rep.Valid = false
		rep.Missing = append(rep.Missing, id.Hash)
		return
	}
	if err != nil {
		rep.Valid = false
		return
	}

	plain := stored
	if id.Key != nil {
		plain, err = openChunk(id.Key, stored)
		if err != nil {
			// Cannot enumerate children without the plaintext.
			rep.Valid = false
			return
		}
	}

	entries, structural := decodeStructural(plain)
	if !structural {
		return
	}
	for _, entry := range entries {
		e.verify(entry.ID, seen, rep)
	}
}
