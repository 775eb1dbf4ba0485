package p2p

import (
	"bytes"
	"context"
	"time"

	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/storage"
)

// maxRequestTimeout caps how long a block read may wait on peers, so a
// fallback chain in front of an HTTP mirror stays responsive.
const maxRequestTimeout = 30 * time.Second

// Store exposes the peer mesh as a read-only block store. Get asks each
// connected peer in turn within a bounded timeout; any failure or
// exhaustion maps to storage.ErrNotFound so a fallback chain simply
// proceeds to its next backend.
type Store struct {
	mgr     *Manager
	timeout time.Duration
}

// NewStore wraps mgr. A timeout of zero or above the cap uses the cap.
func NewStore(mgr *Manager, timeout time.Duration) *Store {
	if timeout <= 0 || timeout > maxRequestTimeout {
		timeout = maxRequestTimeout
	}
	return &Store{mgr: mgr, timeout: timeout}
}

// Put never sends blocks to peers; it returns the canonical CID so a
// replicating caller sees consistent addresses.
func (s *Store) Put(data []byte) (gocid.Cid, error) {
	return storage.Sum(data)
}

// Get fetches the block from the first connected peer that returns
// bytes matching the requested hash.
func (s *Store) Get(id gocid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	channels := s.mgr.Channels()
	if len(channels) == 0 {
		return nil, storage.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	for _, ch := range channels {
		data, err := ch.SendRequest(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		sum, err := storage.Sum(data)
		if err != nil || !bytes.Equal(sum.Bytes(), id.Bytes()) {
			continue
		}
		return data, nil
	}
	return nil, storage.ErrNotFound
}

// Has is always false: probing every peer would cost as much as Get,
// and the fallback chain treats false as "try Get anyway elsewhere".
func (s *Store) Has(id gocid.Cid) bool { return false }
