// Package memstore provides the in-memory block store, typically the primary
// (fastest) link of a fallback chain.
package memstore

import (
	"time"

	gocid "github.com/ipfs/go-cid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/storage"
)

// Store keeps blocks in memory, keyed by CID string.
//
// Blocks are immutable, so eviction is always safe: a dropped block is
// indistinguishable from one that was never cached, and the fallback chain
// refetches it from a slower backend.
type Store struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// New returns a store that retains blocks indefinitely.
func New() *Store {
	return NewWithTTL(gocache.NoExpiration)
}

// NewWithTTL returns a store whose blocks expire after ttl. Expired entries
// are purged every ttl/2 (minimum one minute).
func NewWithTTL(ttl time.Duration) *Store {
	sweep := ttl / 2
	if sweep < time.Minute {
		sweep = time.Minute
	}
	if ttl == gocache.NoExpiration {
		sweep = 0
	}
	return &Store{cache: gocache.New(ttl, sweep), ttl: ttl}
}

func (s *Store) Put(data []byte) (gocid.Cid, error) {
	id, err := cid.Sum(data)
	if err != nil {
		return gocid.Undef, err
	}
	key := id.String()
	if _, ok := s.cache.Get(key); ok {
		return id, nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.cache.Set(key, buf, s.ttl)
	return id, nil
}

func (s *Store) Get(id gocid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	v, ok := s.cache.Get(id.String())
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v.([]byte), nil
}

func (s *Store) Has(id gocid.Cid) bool {
	if !id.Defined() {
		return false
	}
	_, ok := s.cache.Get(id.String())
	return ok
}

// Len reports the number of cached blocks, including not-yet-purged expired
// entries.
func (s *Store) Len() int { return s.cache.ItemCount() }

var _ storage.BlockStore = (*Store)(nil)
