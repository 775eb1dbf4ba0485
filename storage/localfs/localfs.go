// Package localfs provides the local persistent block store.
package localfs

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/storage"
)

// Store is a filesystem-backed block store.
//
// Blocks are stored write-once and keyed strictly by CID, sharded into
// two-character prefix directories. Get re-hashes the bytes read and fails
// with ErrCIDMismatch on corruption rather than returning wrong data.
type Store struct {
	root string
}

// New constructs a store rooted at root. The directory is created if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Put(data []byte) (gocid.Cid, error) {
	id, err := cid.Sum(data)
	if err != nil {
		return gocid.Undef, err
	}
	if !id.Defined() {
		return gocid.Undef, storage.ErrInvalidCID
	}

	path := s.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return gocid.Undef, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, rerr := s.Get(id)
			if rerr != nil {
				// Exists but unreadable or corrupted: immutability violation.
				return gocid.Undef, storage.ErrImmutable
			}
			if !bytes.Equal(existing, data) {
				return gocid.Undef, storage.ErrImmutable
			}
			return id, nil
		}
		return gocid.Undef, err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return gocid.Undef, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return gocid.Undef, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return gocid.Undef, err
	}

	return id, nil
}

func (s *Store) Get(id gocid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	b, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	got, err := cid.Sum(b)
	if err != nil {
		return nil, err
	}
	if !got.Equals(id) {
		return nil, storage.ErrCIDMismatch
	}
	return b, nil
}

func (s *Store) Has(id gocid.Cid) bool {
	if !id.Defined() {
		return false
	}
	_, err := os.Stat(s.pathFor(id))
	return err == nil
}

func (s *Store) pathFor(id gocid.Cid) string {
	str := id.String()
	if len(str) < 2 {
		return filepath.Join(s.root, str)
	}
	return filepath.Join(s.root, str[:2], str)
}

var _ storage.BlockStore = (*Store)(nil)
