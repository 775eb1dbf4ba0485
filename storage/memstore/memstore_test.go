package memstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mmalmi/hashtree/storage"
	"github.com/mmalmi/hashtree/storage/testkit"
)

func TestMemstore_Conformance(t *testing.T) {
	testkit.RunBlockStoreConformance(t, func(t *testing.T) storage.BlockStore {
		t.Helper()
		return New()
	})
}

func TestMemstore_PutCopiesData(t *testing.T) {
	s := New()
	data := []byte("mutate me")
	id, err := s.Put(data)
	require.NoError(t, err)
	data[0] = 'X'

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("mutate me"), got)
}

func TestMemstore_TTLStoreStillConforms(t *testing.T) {
	testkit.RunBlockStoreConformance(t, func(t *testing.T) storage.BlockStore {
		t.Helper()
		return NewWithTTL(time.Hour)
	})
}

func TestMemstore_Len(t *testing.T) {
	s := New()
	require.Zero(t, s.Len())
	_, err := s.Put([]byte("a"))
	require.NoError(t, err)
	_, err = s.Put([]byte("a"))
	require.NoError(t, err)
	_, err = s.Put([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
}
