package tree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/storage"
)

// DefaultChunkSize is the target size of one content chunk.
const DefaultChunkSize = 2 << 20

// maxManifestEntries bounds one manifest node; larger files get a manifest
// hierarchy instead of an unbounded flat node.
const maxManifestEntries = 8192

var ErrNotDirectory = errors.New("tree: not a directory")

// Engine builds and reads merkle trees over a block store. It owns no bytes
// itself, only algorithms over the store reference.
type Engine struct {
	store     storage.BlockStore
	chunkSize int
	log       *logrus.Entry
}

// Options configures an Engine.
type Options struct {
	// ChunkSize overrides DefaultChunkSize when positive.
	ChunkSize int
}

func New(store storage.BlockStore, opts Options) *Engine {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Engine{
		store:     store,
		chunkSize: size,
		log:       logrus.WithField("component", "tree"),
	}
}

// Store exposes the underlying block store (read-side helpers like VerifyTree
// accept an explicit store instead).
func (e *Engine) Store() storage.BlockStore { return e.store }

// PutOptions configures a single write.
type PutOptions struct {
	// Unencrypted stores plaintext directly; the returned ID carries no key
	// and its hash is the hash of the plaintext.
	Unencrypted bool
}

// putBlock stores one block, encrypting it with a content-hash-derived key
// unless unencrypted is set.
func (e *Engine) putBlock(plaintext []byte, unencrypted bool) (cid.ID, error) {
	if unencrypted {
		hash, err := e.store.Put(plaintext)
		if err != nil {
			return cid.ID{}, err
		}
		return cid.ID{Hash: hash}, nil
	}
	key := chunkKey(plaintext)
	ciphertext, err := sealChunk(key, plaintext)
	if err != nil {
		return cid.ID{}, err
	}
	hash, err := e.store.Put(ciphertext)
	if err != nil {
		return cid.ID{}, err
	}
	return cid.New(hash, key)
}

// getBlock fetches one block and decrypts it when the ID carries a key.
func (e *Engine) getBlock(id cid.ID) ([]byte, error) {
	data, err := e.store.Get(id.Hash)
	if err != nil {
		return nil, err
	}
	if id.Key == nil {
		return data, nil
	}
	return openChunk(id.Key, data)
}

// PutFile splits data into chunks, encrypts each by default, and returns a
// CID referencing either a single chunk or a manifest of chunks. The choice
// is transparent to callers.
func (e *Engine) PutFile(data []byte, opts PutOptions) (cid.ID, error) {
	// Small payloads that cannot be mistaken for a structural node are
	// stored as a single chunk. Payloads that begin with a structural magic
	// are always wrapped so the root block's framing stays unambiguous.
	if len(data) <= e.chunkSize && !hasMagic(data, manifestMagic) && !hasMagic(data, dirMagic) {
		return e.putBlock(data, opts.Unencrypted)
	}

	chunks := make([]Entry, 0, (len(data)+e.chunkSize-1)/e.chunkSize)
	for i, off := 0, 0; off < len(data) || len(chunks) == 0; i, off = i+1, off+e.chunkSize {
		end := off + e.chunkSize
		if end > len(data) {
			end = len(data)
		}
		id, err := e.putBlock(data[off:end], opts.Unencrypted)
		if err != nil {
			return cid.ID{}, err
		}
		chunks = append(chunks, Entry{
			Name: fmt.Sprintf("%08d", i),
			ID:   id,
			Size: uint64(end - off),
			Type: Blob,
		})
	}
	id, _, err := e.putManifest(chunks, opts)
	return id, err
}

// putManifest stores a manifest node for the given chunk entries, introducing
// intermediate levels when one node would grow past maxManifestEntries.
func (e *Engine) putManifest(entries []Entry, opts PutOptions) (cid.ID, uint64, error) {
	if len(entries) > maxManifestEntries {
		var parents []Entry
		for start := 0; start < len(entries); start += maxManifestEntries {
			end := start + maxManifestEntries
			if end > len(entries) {
				end = len(entries)
			}
			group := entries[start:end]
			id, size, err := e.putManifest(group, opts)
			if err != nil {
				return cid.ID{}, 0, err
			}
			parents = append(parents, Entry{
				Name: group[0].Name,
				ID:   id,
				Size: size,
				Type: File,
			})
		}
		return e.putManifest(parents, opts)
	}

	encoded, err := encodeEntries(manifestMagic, entries)
	if err != nil {
		return cid.ID{}, 0, err
	}
	id, err := e.putBlock(encoded, opts.Unencrypted)
	if err != nil {
		return cid.ID{}, 0, err
	}
	var total uint64
	for _, c := range entries {
		total += c.Size
	}
	return id, total, nil
}

// ReadFile assembles the full content addressed by id. It returns
// storage.ErrNotFound if any referenced block is absent from the store and
// ErrDecryptionFailure on a key/ciphertext mismatch. Reading a directory ID
// returns the directory's encoded bytes.
func (e *Engine) ReadFile(id cid.ID) ([]byte, error) {
	data, err := e.getBlock(id)
	if err != nil {
		return nil, err
	}
	if !hasMagic(data, manifestMagic) {
		return data, nil
	}
	entries, err := decodeEntries(manifestMagic, data)
	if err != nil {
		return nil, err
	}
	return e.assemble(entries)
}

func (e *Engine) assemble(entries []Entry) ([]byte, error) {
	var out []byte
	for _, c := range entries {
		switch c.Type {
		case Blob:
			chunk, err := e.getBlock(c.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, chunk...)
		case File:
			// Intermediate manifest level.
			sub, err := e.getBlock(c.ID)
			if err != nil {
				return nil, err
			}
			subEntries, err := decodeEntries(manifestMagic, sub)
			if err != nil {
				return nil, err
			}
			part, err := e.assemble(subEntries)
			if err != nil {
				return nil, err
			}
			out = append(out, part...)
		default:
			return nil, ErrBadEncoding
		}
	}
	return out, nil
}

// PutDirectory serializes entries deterministically (insertion order is
// preserved; callers needing sorted iteration sort at read time) and stores
// the encoding through the same chunk/encrypt path as file content.
func (e *Engine) PutDirectory(entries []Entry, opts PutOptions) (cid.ID, error) {
	encoded, err := encodeEntries(dirMagic, entries)
	if err != nil {
		return cid.ID{}, err
	}
	if len(encoded) <= e.chunkSize {
		return e.putBlock(encoded, opts.Unencrypted)
	}
	// Oversized directory: chunk its encoding like any other file body.
	return e.PutFile(encoded, opts)
}

// loadDir fetches and decodes the directory at id.
func (e *Engine) loadDir(id cid.ID) ([]Entry, error) {
	data, err := e.ReadFile(id)
	if err != nil {
		return nil, err
	}
	if !hasMagic(data, dirMagic) {
		return nil, ErrNotDirectory
	}
	return decodeEntries(dirMagic, data)
}

// ListDirectory returns the entries of the directory at id, in stored order.
func (e *Engine) ListDirectory(id cid.ID) ([]Entry, error) {
	return e.loadDir(id)
}

// IsDirectory reports whether id addresses a decodable directory.
func (e *Engine) IsDirectory(id cid.ID) bool {
	_, err := e.loadDir(id)
	return err == nil
}

// ResolvePath walks a slash-separated path from id and returns the entry it
// names, or (nil, nil) when any path segment is missing.
func (e *Engine) ResolvePath(id cid.ID, path string) (*Entry, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, nil
	}
	cur := id
	for i, seg := range segs {
		entries, err := e.loadDir(cur)
		if err != nil {
			if errors.Is(err, ErrNotDirectory) {
				return nil, nil
			}
			return nil, err
		}
		entry := findEntry(entries, seg)
		if entry == nil {
			return nil, nil
		}
		if i == len(segs)-1 {
			result := *entry
			return &result, nil
		}
		if entry.Type != Dir {
			return nil, nil
		}
		cur = entry.ID
	}
	return nil, nil
}

// SetEntry performs a copy-on-write update: it walks path from root, rebuilds
// every directory on the path with the new or replaced child, and returns a
// brand-new root ID. The original root and all of its blocks remain valid.
func (e *Engine) SetEntry(root cid.ID, path string, entry Entry, opts PutOptions) (cid.ID, error) {
	if entry.Name == "" {
		return cid.ID{}, fmt.Errorf("%w: empty entry name", ErrBadEncoding)
	}
	return e.updateDir(root, splitPath(path), opts, func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			if entries[i].Name == entry.Name {
				out := append([]Entry(nil), entries...)
				out[i] = entry
				return out, nil
			}
		}
		return append(append([]Entry(nil), entries...), entry), nil
	})
}

// RemoveEntry is the symmetric copy-on-write removal. Removing the last entry
// of a directory yields an empty-directory ID, not an error. Removing an
// absent name is a no-op.
func (e *Engine) RemoveEntry(root cid.ID, path, name string, opts PutOptions) (cid.ID, error) {
	return e.updateDir(root, splitPath(path), opts, func(entries []Entry) ([]Entry, error) {
		out := make([]Entry, 0, len(entries))
		for _, en := range entries {
			if en.Name != name {
				out = append(out, en)
			}
		}
		return out, nil
	})
}

// updateDir rebuilds the directory chain along segs, applying fn to the
// target directory's entry list. Unaffected siblings keep their IDs, so their
// subtrees are shared between old and new roots.
func (e *Engine) updateDir(id cid.ID, segs []string, opts PutOptions, fn func([]Entry) ([]Entry, error)) (cid.ID, error) {
	entries, err := e.loadDir(id)
	if err != nil {
		return cid.ID{}, err
	}
	if len(segs) == 0 {
		updated, err := fn(entries)
		if err != nil {
			return cid.ID{}, err
		}
		return e.PutDirectory(updated, opts)
	}

	entry := findEntry(entries, segs[0])
	if entry == nil || entry.Type != Dir {
		return cid.ID{}, fmt.Errorf("tree: path segment %q not found", segs[0])
	}
	newChild, err := e.updateDir(entry.ID, segs[1:], opts, fn)
	if err != nil {
		return cid.ID{}, err
	}

	out := append([]Entry(nil), entries...)
	for i := range out {
		if out[i].Name == segs[0] {
			out[i].ID = newChild
			break
		}
	}
	return e.PutDirectory(out, opts)
}

func findEntry(entries []Entry, name string) *Entry {
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i]
		}
	}
	return nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
