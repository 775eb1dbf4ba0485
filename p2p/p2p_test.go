package p2p_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mmalmi/hashtree/p2p"
	"github.com/mmalmi/hashtree/p2p/pipetransport"
	"github.com/mmalmi/hashtree/relay/memrelay"
	"github.com/mmalmi/hashtree/storage"
	"github.com/mmalmi/hashtree/storage/memstore"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

// newNode builds a mesh node serving blocks from its own memstore. The
// pipe transport is addressed by name, which only appears inside the
// opaque offer/answer payloads.
func newNode(t *testing.T, r *memrelay.Relay, hub *pipetransport.Hub, name string) (*p2p.Manager, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	transport := pipetransport.New(hub, name, store)
	mgr, err := p2p.NewManager(r, transport, testLog(), p2p.Options{Owner: name, ConnectTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	return mgr, store
}

func TestPeersConnect(t *testing.T) {
	r := memrelay.New()
	hub := pipetransport.NewHub()

	a, _ := newNode(t, r, hub, "alice")
	defer a.Close()
	b, _ := newNode(t, r, hub, "bob")
	defer b.Close()

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.Eventually(t, func() bool {
		return len(a.Channels()) == 1 && len(b.Channels()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Exactly one pool entry each, both connected.
	for _, states := range []map[string]p2p.State{a.PeerStates(), b.PeerStates()} {
		require.Len(t, states, 1)
		for _, s := range states {
			require.Equal(t, p2p.StateConnected, s)
		}
	}
}

func TestStoreFetchesFromPeer(t *testing.T) {
	r := memrelay.New()
	hub := pipetransport.NewHub()

	a, _ := newNode(t, r, hub, "alice")
	defer a.Close()
	b, bStore := newNode(t, r, hub, "bob")
	defer b.Close()

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.Eventually(t, func() bool { return len(a.Channels()) == 1 }, 2*time.Second, 5*time.Millisecond)

	block := []byte("block held only by bob")
	hash, err := bStore.Put(block)
	require.NoError(t, err)

	ps := p2p.NewStore(a, time.Second)
	got, err := ps.Get(hash)
	require.NoError(t, err)
	require.Equal(t, block, got)

	// Absent blocks map to NotFound so a fallback chain proceeds.
	otherHash, err := storage.Sum([]byte("nobody has this"))
	require.NoError(t, err)
	_, err = ps.Get(otherHash)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreWithoutPeers(t *testing.T) {
	r := memrelay.New()
	hub := pipetransport.NewHub()

	a, _ := newNode(t, r, hub, "alice")
	defer a.Close()
	require.NoError(t, a.Start())

	ps := p2p.NewStore(a, time.Second)
	hash, err := storage.Sum([]byte("anything"))
	require.NoError(t, err)
	_, err = ps.Get(hash)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Put is a local no-op returning the canonical CID.
	got, err := ps.Put([]byte("anything"))
	require.NoError(t, err)
	require.Equal(t, hash, got)
	require.False(t, ps.Has(hash))
}

func TestFallbackChainWithPeerStore(t *testing.T) {
	r := memrelay.New()
	hub := pipetransport.NewHub()

	a, aStore := newNode(t, r, hub, "alice")
	defer a.Close()
	b, bStore := newNode(t, r, hub, "bob")
	defer b.Close()
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.Eventually(t, func() bool { return len(a.Channels()) == 1 }, 2*time.Second, 5*time.Millisecond)

	block := []byte("replicate me")
	hash, err := bStore.Put(block)
	require.NoError(t, err)

	chain := storage.NewFallback(
		storage.Named{Name: "local", Store: aStore},
		storage.Named{Name: "p2p", Store: p2p.NewStore(a, time.Second)},
	)

	// The local store misses, the peer hits, and the block backfills
	// into the local store.
	got, err := chain.Get(hash)
	require.NoError(t, err)
	require.Equal(t, block, got)
	require.Eventually(t, func() bool { return aStore.Has(hash) }, 2*time.Second, 5*time.Millisecond)
}

func TestFailedNegotiationCleansPool(t *testing.T) {
	r := memrelay.New()
	hub := pipetransport.NewHub()

	a, _ := newNode(t, r, hub, "alice")
	defer a.Close()
	b, _ := newNode(t, r, hub, "bob")
	defer b.Close()

	// Detach both endpoints so offers and answers cannot resolve.
	hub.Detach("alice")
	hub.Detach("bob")

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.Eventually(t, func() bool {
		return len(a.PeerStates()) == 0 && len(b.PeerStates()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, a.Channels())
}

func TestClosePeer(t *testing.T) {
	r := memrelay.New()
	hub := pipetransport.NewHub()

	a, _ := newNode(t, r, hub, "alice")
	defer a.Close()
	b, _ := newNode(t, r, hub, "bob")
	defer b.Close()
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	require.Eventually(t, func() bool { return len(a.Channels()) == 1 }, 2*time.Second, 5*time.Millisecond)

	a.ClosePeer(b.Session())
	require.Empty(t, a.Channels())
	require.Empty(t, a.PeerStates())
}
