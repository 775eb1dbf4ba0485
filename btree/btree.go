// Package btree implements an ordered key→value and key→link index on
// top of the merkle tree engine. An index node is an ordinary merkle
// directory: leaves hold the value-bearing entries, internal nodes hold
// one Dir child per subtree named after that subtree's minimum key.
// Whether a node is a leaf is inferred structurally (any non-Dir child
// present means leaf); no node-type tag is stored.
//
// Every mutation takes an immutable input root and returns a new root.
// Old roots stay valid and readable, so concurrent readers need no
// locking.
package btree

import (
	"errors"
	"sort"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/tree"
)

const defaultOrder = 32

var (
	// ErrSplitInvariant reports a structurally corrupt index: a node
	// split produced something other than one or two replacement
	// children. It is never retried.
	ErrSplitInvariant = errors.New("btree: split invariant violated")

	// Stop may be returned from an iteration callback to end the
	// traversal early without error.
	Stop = errors.New("btree: stop iteration")
)

// Options configure a Tree.
type Options struct {
	// Order bounds the number of entries per node; a node holding
	// Order entries splits. Defaults to 32.
	Order int

	// Put is forwarded to the tree engine for every block written by
	// the index (node directories and value blocks).
	Put tree.PutOptions
}

// Tree is an ordered index over a tree.Engine. The zero value is not
// usable; construct with New.
type Tree struct {
	eng   *tree.Engine
	order int
	put   tree.PutOptions
}

// New returns an index bound to eng.
func New(eng *tree.Engine, opts Options) *Tree {
	order := opts.Order
	if order < 3 {
		order = defaultOrder
	}
	return &Tree{eng: eng, order: order, put: opts.Put}
}

// maxKeys is the largest number of entries a node may hold.
func (t *Tree) maxKeys() int { return t.order - 1 }

// NewRoot creates an empty index root (an empty leaf).
func (t *Tree) NewRoot() (cid.ID, error) {
	return t.eng.PutDirectory(nil, t.put)
}

// Insert sets key to the string value and returns the new root.
// Inserting a value byte-identical to the stored one returns the root
// unchanged.
func (t *Tree) Insert(root cid.ID, key, value string) (cid.ID, error) {
	id, err := t.eng.PutFile([]byte(value), t.put)
	if err != nil {
		return cid.ID{}, err
	}
	return t.insert(root, tree.Entry{
		Name: escapeKey(key),
		ID:   id,
		Size: uint64(len(value)),
		Type: tree.Blob,
	})
}

// InsertLink sets key to a CID-valued link and returns the new root.
// Inserting a link equal to the stored one (hash and key both) returns
// the root unchanged.
func (t *Tree) InsertLink(root cid.ID, key string, link cid.ID) (cid.ID, error) {
	return t.insert(root, tree.Entry{
		Name: escapeKey(key),
		ID:   link,
		Type: tree.File,
	})
}

func (t *Tree) insert(root cid.ID, ent tree.Entry) (cid.ID, error) {
	reps, changed, err := t.insertNode(root, ent)
	if err != nil {
		return cid.ID{}, err
	}
	if !changed {
		return root, nil
	}
	switch len(reps) {
	case 1:
		return reps[0].ID, nil
	case 2:
		// Root split: the new root holds exactly the two halves.
		return t.eng.PutDirectory(reps, t.put)
	default:
		return cid.ID{}, ErrSplitInvariant
	}
}

// insertNode inserts ent under the node id and returns the one or two
// entries that replace the node in its parent.
func (t *Tree) insertNode(id cid.ID, ent tree.Entry) ([]tree.Entry, bool, error) {
	ents, err := t.eng.ListDirectory(id)
	if err != nil {
		return nil, false, err
	}

	if isLeaf(ents) {
		i := sort.Search(len(ents), func(i int) bool { return ents[i].Name >= ent.Name })
		if i < len(ents) && ents[i].Name == ent.Name {
			if ents[i].ID.Equal(ent.ID) && ents[i].Type == ent.Type {
				return []tree.Entry{{Name: minName(ents), ID: id, Type: tree.Dir}}, false, nil
			}
			ents[i] = ent
		} else {
			ents = append(ents, tree.Entry{})
			copy(ents[i+1:], ents[i:])
			ents[i] = ent
		}
		return t.saveNode(ents)
	}

	i := childIndex(ents, ent.Name)
	reps, changed, err := t.insertNode(ents[i].ID, ent)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return []tree.Entry{{Name: minName(ents), ID: id, Type: tree.Dir}}, false, nil
	}
	switch len(reps) {
	case 1:
		ents[i] = reps[0]
	case 2:
		ents = append(ents, tree.Entry{})
		copy(ents[i+2:], ents[i+1:])
		ents[i] = reps[0]
		ents[i+1] = reps[1]
	default:
		return nil, false, ErrSplitInvariant
	}
	return t.saveNode(ents)
}

// saveNode persists a node's entries, splitting first when the node has
// outgrown maxKeys, and returns the parent-side replacement entries.
func (t *Tree) saveNode(ents []tree.Entry) ([]tree.Entry, bool, error) {
	if len(ents) <= t.maxKeys() {
		nid, err := t.eng.PutDirectory(ents, t.put)
		if err != nil {
			return nil, false, err
		}
		return []tree.Entry{{Name: minName(ents), ID: nid, Type: tree.Dir}}, true, nil
	}

	mid := len(ents) / 2
	left, right := ents[:mid], ents[mid:]
	lid, err := t.eng.PutDirectory(left, t.put)
	if err != nil {
		return nil, false, err
	}
	rid, err := t.eng.PutDirectory(right, t.put)
	if err != nil {
		return nil, false, err
	}
	return []tree.Entry{
		{Name: left[0].Name, ID: lid, Type: tree.Dir},
		{Name: right[0].Name, ID: rid, Type: tree.Dir},
	}, true, nil
}

// Get returns the string value stored at key, with ok reporting whether
// the key is present as a string entry.
func (t *Tree) Get(root cid.ID, key string) (string, bool, error) {
	ent, err := t.lookup(root, escapeKey(key))
	if err != nil || ent == nil || ent.Type != tree.Blob {
		return "", false, err
	}
	data, err := t.eng.ReadFile(ent.ID)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// GetLink returns the CID link stored at key, with ok reporting whether
// the key is present as a link entry.
func (t *Tree) GetLink(root cid.ID, key string) (cid.ID, bool, error) {
	ent, err := t.lookup(root, escapeKey(key))
	if err != nil || ent == nil || ent.Type != tree.File {
		return cid.ID{}, false, err
	}
	return ent.ID, true, nil
}

func (t *Tree) lookup(id cid.ID, name string) (*tree.Entry, error) {
	ents, err := t.eng.ListDirectory(id)
	if err != nil {
		return nil, err
	}
	if isLeaf(ents) {
		i := sort.Search(len(ents), func(i int) bool { return ents[i].Name >= name })
		if i < len(ents) && ents[i].Name == name {
			e := ents[i]
			return &e, nil
		}
		return nil, nil
	}
	if name < ents[0].Name {
		return nil, nil
	}
	return t.lookup(ents[childIndex(ents, name)].ID, name)
}

// Delete removes key and returns the new root. Deleting an absent key
// is a no-op returning the unchanged root.
func (t *Tree) Delete(root cid.ID, key string) (cid.ID, error) {
	rep, changed, err := t.removeNode(root, escapeKey(key))
	if err != nil {
		return cid.ID{}, err
	}
	if !changed {
		return root, nil
	}
	if rep == nil {
		return t.NewRoot()
	}
	return rep.ID, nil
}

// removeNode deletes name under node id. A nil replacement means the
// node became empty and should be dropped from its parent.
func (t *Tree) removeNode(id cid.ID, name string) (*tree.Entry, bool, error) {
	ents, err := t.eng.ListDirectory(id)
	if err != nil {
		return nil, false, err
	}

	if isLeaf(ents) {
		i := sort.Search(len(ents), func(i int) bool { return ents[i].Name >= name })
		if i >= len(ents) || ents[i].Name != name {
			return nil, false, nil
		}
		ents = append(ents[:i], ents[i+1:]...)
		if len(ents) == 0 {
			return nil, true, nil
		}
		return t.saveReplacement(ents)
	}

	if name < ents[0].Name {
		return nil, false, nil
	}
	i := childIndex(ents, name)
	rep, changed, err := t.removeNode(ents[i].ID, name)
	if err != nil || !changed {
		return nil, changed, err
	}
	if rep == nil {
		ents = append(ents[:i], ents[i+1:]...)
	} else {
		ents[i] = *rep
	}
	switch len(ents) {
	case 0:
		return nil, true, nil
	case 1:
		if ents[0].Type == tree.Dir {
			// Single remaining child: promote it, collapsing the
			// chain instead of keeping one-child internal nodes.
			e := ents[0]
			return &e, true, nil
		}
	}
	return t.saveReplacement(ents)
}

func (t *Tree) saveReplacement(ents []tree.Entry) (*tree.Entry, bool, error) {
	nid, err := t.eng.PutDirectory(ents, t.put)
	if err != nil {
		return nil, false, err
	}
	return &tree.Entry{Name: minName(ents), ID: nid, Type: tree.Dir}, true, nil
}

// Entries walks all string entries in key order, calling fn for each.
// Returning Stop from fn ends the walk without error. The traversal is
// lazy and restartable per call, not resumable mid-iteration.
func (t *Tree) Entries(root cid.ID, fn func(key, value string) error) error {
	return t.Range(root, "", "", fn)
}

// LinksEntries walks all link entries in key order.
func (t *Tree) LinksEntries(root cid.ID, fn func(key string, link cid.ID) error) error {
	err := t.walkLeaves(root, "", "", func(ent tree.Entry) error {
		if ent.Type != tree.File {
			return nil
		}
		key, err := unescapeKey(ent.Name)
		if err != nil {
			return err
		}
		return fn(key, ent.ID)
	})
	if errors.Is(err, Stop) {
		return nil
	}
	return err
}

// Range walks string entries with start <= key < end in key order.
// An empty start means from the beginning; an empty end means
// unbounded.
func (t *Tree) Range(root cid.ID, start, end string, fn func(key, value string) error) error {
	if start != "" {
		start = escapeKey(start)
	}
	if end != "" {
		end = escapeKey(end)
	}
	return t.rangeEscaped(root, start, end, fn)
}

// rangeEscaped walks string entries with bounds already in escaped-name
// space, so callers that derive bounds from escaped forms do not escape
// them twice.
func (t *Tree) rangeEscaped(root cid.ID, start, end string, fn func(key, value string) error) error {
	err := t.walkLeaves(root, start, end, func(ent tree.Entry) error {
		if ent.Type != tree.Blob {
			return nil
		}
		key, err := unescapeKey(ent.Name)
		if err != nil {
			return err
		}
		data, err := t.eng.ReadFile(ent.ID)
		if err != nil {
			return err
		}
		return fn(key, string(data))
	})
	if errors.Is(err, Stop) {
		return nil
	}
	return err
}

// Prefix walks string entries whose key starts with prefix. The
// exclusive upper bound is computed in escaped-name space: escaping is
// prefix-preserving per byte, so incrementing the escaped prefix bounds
// exactly the keys that start with it.
func (t *Tree) Prefix(root cid.ID, prefix string, fn func(key, value string) error) error {
	if prefix == "" {
		return t.rangeEscaped(root, "", "", fn)
	}
	start := escapeKey(prefix)
	return t.rangeEscaped(root, start, incrementLastChar(start), fn)
}

// walkLeaves visits leaf entries with start <= name < end depth-first
// left-to-right, pruning subtrees whose [min, nextSiblingMin) boundary
// falls outside the window.
func (t *Tree) walkLeaves(id cid.ID, start, end string, fn func(tree.Entry) error) error {
	ents, err := t.eng.ListDirectory(id)
	if err != nil {
		return err
	}
	if isLeaf(ents) {
		for _, ent := range ents {
			if ent.Name < start {
				continue
			}
			if end != "" && ent.Name >= end {
				return nil
			}
			if err := fn(ent); err != nil {
				return err
			}
		}
		return nil
	}
	for i, ent := range ents {
		if end != "" && ent.Name >= end {
			return nil
		}
		// The next sibling's name is the exclusive upper bound of
		// this subtree's keys.
		if i+1 < len(ents) && ents[i+1].Name <= start {
			continue
		}
		if err := t.walkLeaves(ent.ID, start, end, fn); err != nil {
			return err
		}
	}
	return nil
}

// Merge folds every entry of other into base and returns the new root.
// Keys present in both keep base's value unless preferOther is set:
// last-writer-wins at key granularity, not a CRDT.
func (t *Tree) Merge(base, other cid.ID, preferOther bool) (cid.ID, error) {
	root := base
	err := t.walkLeaves(other, "", "", func(ent tree.Entry) error {
		cur, err := t.lookup(root, ent.Name)
		if err != nil {
			return err
		}
		if cur != nil && !preferOther {
			return nil
		}
		root, err = t.insert(root, ent)
		return err
	})
	if err != nil {
		return cid.ID{}, err
	}
	return root, nil
}

// isLeaf reports whether the node's entries mark it as a leaf: any
// value-bearing (non-Dir) child does, and so does an empty node.
func isLeaf(ents []tree.Entry) bool {
	for _, e := range ents {
		if e.Type != tree.Dir {
			return true
		}
	}
	return len(ents) == 0
}

// childIndex returns the index of the subtree covering name: the
// largest i with ents[i].Name <= name, or 0 when name sorts before
// every child (inserts extend the leftmost subtree's range downward).
func childIndex(ents []tree.Entry, name string) int {
	i := sort.Search(len(ents), func(i int) bool { return ents[i].Name > name })
	if i > 0 {
		i--
	}
	return i
}

func minName(ents []tree.Entry) string {
	if len(ents) == 0 {
		return ""
	}
	return ents[0].Name
}
