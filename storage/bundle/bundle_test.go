package bundle

import (
	"bytes"
	"testing"

	gocid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/mmalmi/hashtree/storage"
	"github.com/mmalmi/hashtree/storage/memstore"
	"github.com/mmalmi/hashtree/tree"
)

func putBlocks(t *testing.T, store storage.BlockStore, payloads ...string) []gocid.Cid {
	t.Helper()
	ids := make([]gocid.Cid, 0, len(payloads))
	for _, p := range payloads {
		id, err := store.Put([]byte(p))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestExportImportRoundTrip(t *testing.T) {
	src := memstore.New()
	ids := putBlocks(t, src, "alpha", "beta", "gamma")

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, src, ids, ExportOptions{IncludeIndex: true}))

	dst := memstore.New()
	require.NoError(t, Import(bytes.NewReader(buf.Bytes()), dst, ImportOptions{}))
	for _, id := range ids {
		data, err := dst.Get(id)
		require.NoError(t, err)
		got, err := storage.Sum(data)
		require.NoError(t, err)
		require.Equal(t, id, got)
	}
}

func TestExportDeterministic(t *testing.T) {
	src := memstore.New()
	ids := putBlocks(t, src, "one", "two", "three")

	var a, b bytes.Buffer
	require.NoError(t, Export(&a, src, ids, ExportOptions{IncludeIndex: true}))
	// Reversed input order must not change the bytes.
	rev := []gocid.Cid{ids[2], ids[1], ids[0]}
	require.NoError(t, Export(&b, src, rev, ExportOptions{IncludeIndex: true}))
	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestExportMissingBlock(t *testing.T) {
	src := memstore.New()
	absent, err := storage.Sum([]byte("never stored"))
	require.NoError(t, err)

	var buf bytes.Buffer
	err = Export(&buf, src, []gocid.Cid{absent}, ExportOptions{})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestImportRejectsCorruptPayload(t *testing.T) {
	src := memstore.New()
	ids := putBlocks(t, src, "payload")

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, src, ids, ExportOptions{}))

	// Flip a payload byte inside the archive.
	raw := buf.Bytes()
	idx := bytes.Index(raw, []byte("payload"))
	require.Greater(t, idx, 0)
	raw[idx] ^= 0xFF

	err := Import(bytes.NewReader(raw), memstore.New(), ImportOptions{})
	require.ErrorIs(t, err, storage.ErrCIDMismatch)
}

func TestExportTreeRoundTrip(t *testing.T) {
	srcStore := memstore.New()
	src := tree.New(srcStore, tree.Options{})

	fileID, err := src.PutFile([]byte("file body"), tree.PutOptions{})
	require.NoError(t, err)
	root, err := src.PutDirectory([]tree.Entry{
		{Name: "a.txt", ID: fileID, Size: 9, Type: tree.File},
	}, tree.PutOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ExportTree(&buf, src, root, ExportOptions{IncludeIndex: true}))

	dstStore := memstore.New()
	require.NoError(t, Import(bytes.NewReader(buf.Bytes()), dstStore, ImportOptions{}))

	dst := tree.New(dstStore, tree.Options{})
	entries, err := dst.ListDirectory(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := dst.ReadFile(entries[0].ID)
	require.NoError(t, err)
	require.Equal(t, "file body", string(data))
}
