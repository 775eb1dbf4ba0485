package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityDeterministicFromSeed(t *testing.T) {
	id1, err := Generate()
	require.NoError(t, err)
	id2, err := FromSeed(id1.Seed())
	require.NoError(t, err)

	require.Equal(t, id1.PublicKey(), id2.PublicKey())
	require.Equal(t, id1.self, id2.self)
	require.NotEqual(t, id1.Seed(), id1.self, "self key must differ from seed")
}

func TestOwnerKeyRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	s := id.OwnerKey()
	require.Contains(t, s, "ed25519:")
	pub, err := ParseOwnerKey(s)
	require.NoError(t, err)
	require.Equal(t, id.PublicKey(), pub)

	_, err = ParseOwnerKey("nacl:abcd")
	require.Error(t, err)
	_, err = ParseOwnerKey("ed25519:!!!")
	require.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	msg := []byte("root update")
	sig := id.Sign(msg)
	require.True(t, Verify(id.PublicKey(), msg, sig))
	require.False(t, Verify(id.PublicKey(), []byte("tampered"), sig))
	require.False(t, Verify(nil, msg, sig))
}

func TestKeyStore(t *testing.T) {
	dir := t.TempDir()
	ks, err := OpenKeyStore(dir)
	require.NoError(t, err)

	id, err := ks.Create("alice", false)
	require.NoError(t, err)

	loaded, err := ks.Load("alice")
	require.NoError(t, err)
	require.Equal(t, id.PublicKey(), loaded.PublicKey())

	// No silent overwrite.
	_, err = ks.Create("alice", false)
	require.Error(t, err)

	// Import round-trips a known seed.
	_, err = ks.Import("bob", id.Seed(), false)
	require.NoError(t, err)
	bob, err := ks.Load("bob")
	require.NoError(t, err)
	require.Equal(t, id.PublicKey(), bob.PublicKey())

	entries, err := ks.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "alice", entries[0].Name)
	require.Equal(t, "bob", entries[1].Name)

	// Bad names rejected.
	_, err = ks.Create("../evil", false)
	require.Error(t, err)
	_, err = ks.Load("")
	require.Error(t, err)
}
