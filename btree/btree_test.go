package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/storage/memstore"
	"github.com/mmalmi/hashtree/tree"
)

func newTestTree(t *testing.T, order int) *Tree {
	t.Helper()
	eng := tree.New(memstore.New(), tree.Options{})
	return New(eng, Options{Order: order})
}

func emptyRoot(t *testing.T, bt *Tree) cid.ID {
	t.Helper()
	root, err := bt.NewRoot()
	require.NoError(t, err)
	return root
}

func TestInsertAndGet(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	var err error
	root, err = bt.Insert(root, "hello", "world")
	require.NoError(t, err)

	v, ok, err := bt.Get(root, "hello")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "world", v)

	_, ok, err = bt.Get(root, "absent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertIdenticalValueIsNoop(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	root, err := bt.Insert(root, "k", "v")
	require.NoError(t, err)
	again, err := bt.Insert(root, "k", "v")
	require.NoError(t, err)
	require.True(t, root.Equal(again), "identical insert must return the same root")

	changed, err := bt.Insert(root, "k", "v2")
	require.NoError(t, err)
	require.False(t, root.Equal(changed))
	v, ok, err := bt.Get(changed, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", v)
}

func TestSplitOrder4(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	keys := []string{"d", "b", "f", "a", "c", "e", "g"}
	var err error
	for _, k := range keys {
		root, err = bt.Insert(root, k, "value-"+k)
		require.NoError(t, err)
	}

	for _, k := range keys {
		v, ok, err := bt.Get(root, k)
		require.NoError(t, err)
		require.True(t, ok, "key %q", k)
		require.Equal(t, "value-"+k, v)
	}

	// With maxKeys=3 seven keys cannot fit one leaf: the root must hold
	// Dir children only.
	ents, err := bt.eng.ListDirectory(root)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(ents), 2)
	for _, e := range ents {
		require.Equal(t, tree.Dir, e.Type)
	}
}

func TestInOrderTraversal(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	var err error
	for i := 0; i < 40; i++ {
		// Shuffled-ish insertion order.
		k := fmt.Sprintf("key%02d", (i*17)%40)
		root, err = bt.Insert(root, k, fmt.Sprintf("v%d", (i*17)%40))
		require.NoError(t, err)
	}

	var got []string
	err = bt.Entries(root, func(key, value string) error {
		got = append(got, key)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 40)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i], "traversal must be strictly increasing")
	}
}

func TestEntriesStop(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	var err error
	for _, k := range []string{"a", "b", "c", "d"} {
		root, err = bt.Insert(root, k, k)
		require.NoError(t, err)
	}

	var seen int
	err = bt.Entries(root, func(key, value string) error {
		seen++
		if seen == 2 {
			return Stop
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, seen)
}

func TestRange(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	var err error
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		root, err = bt.Insert(root, k, "v"+k)
		require.NoError(t, err)
	}

	var got []string
	err = bt.Range(root, "b", "e", func(key, value string) error {
		got = append(got, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d"}, got)

	// Open-ended bounds.
	got = nil
	err = bt.Range(root, "e", "", func(key, value string) error {
		got = append(got, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"e", "f"}, got)
}

func TestPrefix(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	var err error
	for _, k := range []string{"app", "apple", "apply", "banana", "ap"} {
		root, err = bt.Insert(root, k, k)
		require.NoError(t, err)
	}

	var got []string
	err = bt.Prefix(root, "app", func(key, value string) error {
		got = append(got, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"app", "apple", "apply"}, got)
}

func TestPrefixWithEscapedCharacters(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	var err error
	for _, k := range []string{"100%", "100%a", "100%z", "100&", "other", "a/b", "a/b/c", "a0", "nul\x00", "nul\x00x", "nul!"} {
		root, err = bt.Insert(root, k, k)
		require.NoError(t, err)
	}

	cases := []struct {
		prefix string
		want   []string
	}{
		{"100%", []string{"100%", "100%a", "100%z"}},
		{"a/", []string{"a/b", "a/b/c"}},
		{"nul\x00", []string{"nul\x00", "nul\x00x"}},
	}
	for _, c := range cases {
		var got []string
		err = bt.Prefix(root, c.prefix, func(key, value string) error {
			got = append(got, key)
			return nil
		})
		require.NoError(t, err)
		require.ElementsMatch(t, c.want, got, "prefix %q", c.prefix)
	}

	// The empty prefix matches every key.
	var all []string
	err = bt.Prefix(root, "", func(key, value string) error {
		all = append(all, key)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, all, 11)
}

func TestEmptyKey(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	root, err := bt.Insert(root, "", "empty-key-value")
	require.NoError(t, err)
	root, err = bt.Insert(root, "%", "percent")
	require.NoError(t, err)

	v, ok, err := bt.Get(root, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "empty-key-value", v)

	v, ok, err = bt.Get(root, "%")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "percent", v)

	// "%" is not a prefix of the empty key.
	var got []string
	err = bt.Prefix(root, "%", func(key, value string) error {
		got = append(got, key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"%"}, got)

	root, err = bt.Delete(root, "")
	require.NoError(t, err)
	_, ok, err = bt.Get(root, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDelete(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	keys := []string{"d", "b", "f", "a", "c", "e", "g"}
	var err error
	for _, k := range keys {
		root, err = bt.Insert(root, k, "v"+k)
		require.NoError(t, err)
	}

	// Absent key is a no-op.
	same, err := bt.Delete(root, "zzz")
	require.NoError(t, err)
	require.True(t, root.Equal(same))

	for _, k := range keys {
		root, err = bt.Delete(root, k)
		require.NoError(t, err)
		_, ok, err := bt.Get(root, k)
		require.NoError(t, err)
		require.False(t, ok, "key %q must be gone", k)
	}

	// Emptied tree is a valid empty root.
	ents, err := bt.eng.ListDirectory(root)
	require.NoError(t, err)
	require.Empty(t, ents)
}

func TestDeleteCollapsesSingleChild(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	var err error
	for i := 0; i < 20; i++ {
		root, err = bt.Insert(root, fmt.Sprintf("k%02d", i), "v")
		require.NoError(t, err)
	}
	for i := 0; i < 19; i++ {
		root, err = bt.Delete(root, fmt.Sprintf("k%02d", i))
		require.NoError(t, err)
	}

	// One key left: the tree must have collapsed back to a single leaf.
	ents, err := bt.eng.ListDirectory(root)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.Equal(t, tree.Blob, ents[0].Type)
}

func TestLinks(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	target, err := bt.eng.PutFile([]byte("linked content"), tree.PutOptions{})
	require.NoError(t, err)

	root, err = bt.InsertLink(root, "doc", target)
	require.NoError(t, err)

	got, ok, err := bt.GetLink(root, "doc")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, target.Equal(got))

	// Identical link insert is a no-op.
	same, err := bt.InsertLink(root, "doc", target)
	require.NoError(t, err)
	require.True(t, root.Equal(same))

	// Get on a link key reports absent (wrong kind).
	_, ok, err = bt.Get(root, "doc")
	require.NoError(t, err)
	require.False(t, ok)

	var links []string
	err = bt.LinksEntries(root, func(key string, link cid.ID) error {
		links = append(links, key)
		require.True(t, target.Equal(link))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"doc"}, links)
}

func TestMerge(t *testing.T) {
	bt := newTestTree(t, 4)

	base := emptyRoot(t, bt)
	other := emptyRoot(t, bt)
	var err error

	base, err = bt.Insert(base, "shared", "base")
	require.NoError(t, err)
	base, err = bt.Insert(base, "only-base", "b")
	require.NoError(t, err)
	other, err = bt.Insert(other, "shared", "other")
	require.NoError(t, err)
	other, err = bt.Insert(other, "only-other", "o")
	require.NoError(t, err)

	merged, err := bt.Merge(base, other, false)
	require.NoError(t, err)
	v, ok, err := bt.Get(merged, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "base", v)
	_, ok, err = bt.Get(merged, "only-other")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = bt.Get(merged, "only-base")
	require.NoError(t, err)
	require.True(t, ok)

	merged, err = bt.Merge(base, other, true)
	require.NoError(t, err)
	v, ok, err = bt.Get(merged, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "other", v)
}

func TestEscapedKeys(t *testing.T) {
	bt := newTestTree(t, 4)
	root := emptyRoot(t, bt)

	keys := []string{"a/b/c", "100%", "%2F", "nul\x00byte", "plain"}
	var err error
	for _, k := range keys {
		root, err = bt.Insert(root, k, "v:"+k)
		require.NoError(t, err)
	}
	for _, k := range keys {
		v, ok, err := bt.Get(root, k)
		require.NoError(t, err)
		require.True(t, ok, "key %q", k)
		require.Equal(t, "v:"+k, v)
	}

	var got []string
	err = bt.Entries(root, func(key, value string) error {
		got = append(got, key)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, keys, got)
}

func TestLargeTreeOrder32(t *testing.T) {
	bt := newTestTree(t, 0) // default order
	root := emptyRoot(t, bt)

	const n = 500
	var err error
	for i := 0; i < n; i++ {
		root, err = bt.Insert(root, fmt.Sprintf("key-%04d", i), fmt.Sprintf("val-%d", i))
		require.NoError(t, err)
	}

	var count int
	var prev string
	err = bt.Entries(root, func(key, value string) error {
		if count > 0 {
			require.Less(t, prev, key)
		}
		prev = key
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, n, count)

	v, ok, err := bt.Get(root, "key-0250")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "val-250", v)
}
