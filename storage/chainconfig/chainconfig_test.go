package chainconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mmalmi/hashtree/storage"
	"github.com/mmalmi/hashtree/storage/backends"
)

func writeChain(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileValidates(t *testing.T) {
	_, err := LoadFile(writeChain(t, `{"backends": []}`))
	require.Error(t, err)

	_, err = LoadFile(writeChain(t, `{"write_policy":"sometimes","backends":[{"name":"mem"}]}`))
	require.Error(t, err)

	_, err = LoadFile(writeChain(t, `{"backends":[{"name":"mem"},{"name":"mem"}]}`))
	require.Error(t, err, "duplicate ids must be rejected")

	cfg, err := LoadFile(writeChain(t, `{"backends":[{"name":"mem"},{"name":"mem","id":"cache"}]}`))
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 2)
}

func TestOpenSingleBackend(t *testing.T) {
	cfg, err := LoadFile(writeChain(t, `{"backends":[{"name":"mem"}]}`))
	require.NoError(t, err)

	store, closeFn, err := cfg.Open(backends.UsageCLI, nil)
	require.NoError(t, err)
	defer closeFn()

	id, err := store.Put([]byte("chained"))
	require.NoError(t, err)
	got, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("chained"), got)
}

func TestOpenFallbackChain(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFile(writeChain(t, `{
		"backends": [
			{"name":"mem"},
			{"name":"localfs","config":{"dir":"`+dir+`"}}
		]
	}`))
	require.NoError(t, err)

	store, closeFn, err := cfg.Open(backends.UsageCLI, nil)
	require.NoError(t, err)
	defer closeFn()

	_, isFallback := store.(*storage.Fallback)
	require.True(t, isFallback)
}

func TestOpenWriteAll(t *testing.T) {
	cfg, err := LoadFile(writeChain(t, `{
		"write_policy": "all",
		"backends": [
			{"name":"mem"},
			{"name":"mem","id":"second"}
		]
	}`))
	require.NoError(t, err)

	store, closeFn, err := cfg.Open(backends.UsageCLI, nil)
	require.NoError(t, err)
	defer closeFn()

	rep, ok := store.(storage.Replicating)
	require.True(t, ok)

	id, err := rep.Put([]byte("everywhere"))
	require.NoError(t, err)
	for _, n := range rep.Backends {
		require.True(t, n.Store.Has(id), "backend %s should hold the block", n.Name)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := Config{Backends: []BackendConfig{{Name: "no-such"}}}
	_, _, err := cfg.Open(backends.UsageCLI, nil)
	require.Error(t, err)
}
