package tree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/storage/memstore"
)

func newTestEngine(t *testing.T, chunkSize int) *Engine {
	t.Helper()
	return New(memstore.New(), Options{ChunkSize: chunkSize})
}

func TestPutFile_ReadFile_RoundTrip(t *testing.T) {
	e := newTestEngine(t, 1024)

	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte("a"), 1024),     // exactly one chunk
		bytes.Repeat([]byte("ab"), 1000),    // two chunks
		bytes.Repeat([]byte("xyz"), 10_000), // many chunks
	}
	for _, data := range cases {
		for _, unencrypted := range []bool{false, true} {
			id, err := e.PutFile(data, PutOptions{Unencrypted: unencrypted})
			require.NoError(t, err)
			require.Equal(t, !unencrypted, id.Encrypted())

			got, err := e.ReadFile(id)
			require.NoError(t, err)
			require.Equal(t, len(data), len(got))
			require.True(t, bytes.Equal(data, got) || (len(data) == 0 && len(got) == 0))
		}
	}
}

func TestPutFile_ConvergentAcrossStores(t *testing.T) {
	// Identical plaintext must yield identical ciphertext, key and hash on
	// two independent stores: the basis of cross-process dedup.
	a := newTestEngine(t, 1024)
	b := newTestEngine(t, 1024)

	data := bytes.Repeat([]byte("convergent"), 500)
	idA, err := a.PutFile(data, PutOptions{})
	require.NoError(t, err)
	idB, err := b.PutFile(data, PutOptions{})
	require.NoError(t, err)
	require.True(t, idA.Equal(idB))
}

func TestReadFile_UnencryptedScenario(t *testing.T) {
	e := newTestEngine(t, 1024)

	id, err := e.PutFile([]byte("hello"), PutOptions{Unencrypted: true})
	require.NoError(t, err)
	require.Nil(t, id.Key)

	got, err := e.ReadFile(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	// Same hash plus an arbitrary key must fail loudly, not return garbage.
	bogus := make([]byte, cid.KeySize)
	bogus[0] = 42
	wrong, err := cid.New(id.Hash, bogus)
	require.NoError(t, err)
	_, err = e.ReadFile(wrong)
	require.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestReadFile_WrongKeyFails(t *testing.T) {
	e := newTestEngine(t, 1024)
	id, err := e.PutFile([]byte("secret payload"), PutOptions{})
	require.NoError(t, err)

	tampered := make([]byte, cid.KeySize)
	copy(tampered, id.Key)
	tampered[0] ^= 0xFF
	wrong, err := cid.New(id.Hash, tampered)
	require.NoError(t, err)

	_, err = e.ReadFile(wrong)
	require.ErrorIs(t, err, ErrDecryptionFailure)
}

func TestPutDirectory_Deterministic(t *testing.T) {
	entries := func(e *Engine) []Entry {
		fileID, err := e.PutFile([]byte("content"), PutOptions{})
		require.NoError(t, err)
		return []Entry{
			{Name: "readme.txt", ID: fileID, Size: 7, Type: Blob},
			{Name: "movie", ID: fileID, Size: 7, Type: File,
				Meta: &Meta{Title: "A Movie", Duration: 5400000}},
		}
	}

	a := newTestEngine(t, 1024)
	b := newTestEngine(t, 1024)
	idA, err := a.PutDirectory(entries(a), PutOptions{})
	require.NoError(t, err)
	idB, err := b.PutDirectory(entries(b), PutOptions{})
	require.NoError(t, err)
	require.True(t, idA.Equal(idB))
}

func TestListDirectory_PreservesOrderAndMeta(t *testing.T) {
	e := newTestEngine(t, 1024)
	blob, err := e.PutFile([]byte("x"), PutOptions{})
	require.NoError(t, err)

	in := []Entry{
		{Name: "zeta", ID: blob, Size: 1, Type: Blob},
		{Name: "alpha", ID: blob, Size: 1, Type: Blob,
			Meta: &Meta{Title: "first", CreatedAt: 1700000000000}},
	}
	dir, err := e.PutDirectory(in, PutOptions{})
	require.NoError(t, err)

	out, err := e.ListDirectory(dir)
	require.NoError(t, err)
	require.Len(t, out, 2)
	// Insertion order, not sorted.
	require.Equal(t, "zeta", out[0].Name)
	require.Equal(t, "alpha", out[1].Name)
	require.NotNil(t, out[1].Meta)
	require.Equal(t, "first", out[1].Meta.Title)
	require.EqualValues(t, 1700000000000, out[1].Meta.CreatedAt)
}

func TestIsDirectory(t *testing.T) {
	e := newTestEngine(t, 1024)
	file, err := e.PutFile([]byte("not a dir"), PutOptions{})
	require.NoError(t, err)
	dir, err := e.PutDirectory(nil, PutOptions{})
	require.NoError(t, err)

	require.False(t, e.IsDirectory(file))
	require.True(t, e.IsDirectory(dir))
}

func buildNestedTree(t *testing.T, e *Engine) cid.ID {
	t.Helper()
	leaf, err := e.PutFile([]byte("leaf content"), PutOptions{})
	require.NoError(t, err)

	inner, err := e.PutDirectory([]Entry{
		{Name: "c.txt", ID: leaf, Size: 12, Type: Blob},
	}, PutOptions{})
	require.NoError(t, err)

	mid, err := e.PutDirectory([]Entry{
		{Name: "b", ID: inner, Size: 0, Type: Dir},
	}, PutOptions{})
	require.NoError(t, err)

	root, err := e.PutDirectory([]Entry{
		{Name: "a", ID: mid, Size: 0, Type: Dir},
		{Name: "top.txt", ID: leaf, Size: 12, Type: Blob},
	}, PutOptions{})
	require.NoError(t, err)
	return root
}

func TestResolvePath(t *testing.T) {
	e := newTestEngine(t, 1024)
	root := buildNestedTree(t, e)

	got, err := e.ResolvePath(root, "a/b/c.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "c.txt", got.Name)

	data, err := e.ReadFile(got.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("leaf content"), data)

	// Missing segments return nil, nil rather than failing.
	for _, p := range []string{"a/b/missing", "a/missing/c.txt", "missing", "top.txt/below-a-file"} {
		got, err := e.ResolvePath(root, p)
		require.NoError(t, err)
		require.Nil(t, got, "path %q", p)
	}
}

func TestSetEntry_CopyOnWriteAndStructuralSharing(t *testing.T) {
	e := newTestEngine(t, 1024)
	oldRoot := buildNestedTree(t, e)

	newLeaf, err := e.PutFile([]byte("replacement"), PutOptions{})
	require.NoError(t, err)

	newRoot, err := e.SetEntry(oldRoot, "a/b", Entry{
		Name: "c.txt", ID: newLeaf, Size: 11, Type: Blob,
	}, PutOptions{})
	require.NoError(t, err)
	require.False(t, newRoot.Equal(oldRoot))

	// New root sees the replacement.
	got, err := e.ResolvePath(newRoot, "a/b/c.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	data, err := e.ReadFile(got.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("replacement"), data)

	// Old root is untouched and fully readable.
	old, err := e.ResolvePath(oldRoot, "a/b/c.txt")
	require.NoError(t, err)
	require.NotNil(t, old)
	data, err = e.ReadFile(old.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("leaf content"), data)

	// Unaffected sibling subtree is shared, not copied.
	oldTop, err := e.ResolvePath(oldRoot, "top.txt")
	require.NoError(t, err)
	newTop, err := e.ResolvePath(newRoot, "top.txt")
	require.NoError(t, err)
	require.True(t, oldTop.ID.Equal(newTop.ID))
}

func TestSetEntry_AppendsNewName(t *testing.T) {
	e := newTestEngine(t, 1024)
	root := buildNestedTree(t, e)
	leaf, err := e.PutFile([]byte("new"), PutOptions{})
	require.NoError(t, err)

	newRoot, err := e.SetEntry(root, "", Entry{Name: "extra.txt", ID: leaf, Size: 3, Type: Blob}, PutOptions{})
	require.NoError(t, err)

	entries, err := e.ListDirectory(newRoot)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "extra.txt", entries[2].Name)
}

func TestRemoveEntry(t *testing.T) {
	e := newTestEngine(t, 1024)
	root := buildNestedTree(t, e)

	// Removing the only entry of a/b yields an empty directory, not an error.
	newRoot, err := e.RemoveEntry(root, "a/b", "c.txt", PutOptions{})
	require.NoError(t, err)

	entry, err := e.ResolvePath(newRoot, "a/b")
	require.NoError(t, err)
	require.NotNil(t, entry)
	entries, err := e.ListDirectory(entry.ID)
	require.NoError(t, err)
	require.Empty(t, entries)

	// Removing an absent name is a no-op that still returns a valid root.
	same, err := e.RemoveEntry(newRoot, "", "nonexistent", PutOptions{})
	require.NoError(t, err)
	list1, err := e.ListDirectory(newRoot)
	require.NoError(t, err)
	list2, err := e.ListDirectory(same)
	require.NoError(t, err)
	require.Equal(t, list1, list2)
}

func TestPutFile_ReservedPrefixRoundTrips(t *testing.T) {
	// User content that happens to begin with a structural magic must be
	// wrapped and still round-trip byte-exactly.
	e := newTestEngine(t, 1024)
	for _, prefix := range []string{"HTDR", "HTFL"} {
		data := append([]byte(prefix), []byte("user bytes that look structural")...)
		id, err := e.PutFile(data, PutOptions{})
		require.NoError(t, err)
		got, err := e.ReadFile(id)
		require.NoError(t, err)
		require.Equal(t, data, got)
	}
}
