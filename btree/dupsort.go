package btree

import (
	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kvpage"
)

// PutDup adds value to key's duplicate set on a DUPSORT tree,
// promoting the inline array to a nested subtree once it grows past
// dupInlineLimit. Re-adding a value already present in the set is a
// no-op: a key's duplicates form a set, not a multiset.
func (t *Tree) PutDup(key, value []byte) error {
	if !t.DupSort {
		return t.Put(key, value, PutOverwrite)
	}
	e, leafID, err := t.findEntry(t.Root, key)
	if err != nil {
		return err
	}
	if e == nil || leafID == 0 {
		entry := kvpage.LeafEntry{Key: append([]byte(nil), key...), Dup: true, DupValues: [][]byte{append([]byte(nil), value...)}}
		return t.putEntry(entry, PutOverwrite)
	}
	if e.DupRoot != 0 {
		sub := &Tree{Source: t.Source, Cmp: t.cmp(), Root: e.DupRoot}
		if err := sub.Put(value, nil, PutOverwrite); err != nil {
			return err
		}
		entry := *e
		entry.DupRoot = sub.Root
		return t.putEntry(entry, PutOverwrite)
	}
	for _, v := range e.DupValues {
		if t.cmp()(v, value) == 0 {
			return nil
		}
	}
	values := insertSortedDup(e.DupValues, value, t.cmp())
	if len(values) <= dupInlineLimit {
		entry := *e
		entry.DupValues = values
		return t.putEntry(entry, PutOverwrite)
	}
	sub := &Tree{Source: t.Source, Cmp: t.cmp()}
	for _, v := range values {
		if err := sub.Put(v, nil, PutOverwrite); err != nil {
			return err
		}
	}
	entry := kvpage.LeafEntry{Key: append([]byte(nil), key...), Dup: true, DupRoot: sub.Root}
	return t.putEntry(entry, PutOverwrite)
}

func insertSortedDup(values [][]byte, value []byte, cmp Comparator) [][]byte {
	idx := 0
	for idx < len(values) && cmp(values[idx], value) < 0 {
		idx++
	}
	out := make([][]byte, 0, len(values)+1)
	out = append(out, values[:idx]...)
	out = append(out, append([]byte(nil), value...))
	out = append(out, values[idx:]...)
	return out
}

// DelDup removes a single duplicate value from key's set, leaving
// the rest untouched. If it was the last value, key itself is
// removed.
func (t *Tree) DelDup(key, value []byte) error {
	if !t.DupSort {
		return t.Del(key)
	}
	e, _, err := t.findEntry(t.Root, key)
	if err != nil {
		return err
	}
	if e == nil || !e.Dup {
		return errs.ErrNotFound
	}
	if e.DupRoot != 0 {
		sub := &Tree{Source: t.Source, Cmp: t.cmp(), Root: e.DupRoot}
		if err := sub.Del(value); err != nil {
			return err
		}
		if sub.Root == 0 {
			return t.Del(key)
		}
		entry := *e
		entry.DupRoot = sub.Root
		return t.putEntry(entry, PutOverwrite)
	}
	idx := -1
	for i, v := range e.DupValues {
		if t.cmp()(v, value) == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.ErrNotFound
	}
	remaining := append(append([][]byte{}, e.DupValues[:idx]...), e.DupValues[idx+1:]...)
	if len(remaining) == 0 {
		return t.Del(key)
	}
	entry := *e
	entry.DupValues = remaining
	return t.putEntry(entry, PutOverwrite)
}

// firstDup returns the smallest duplicate value for a DUPSORT entry,
// or nil if the set is somehow empty (should not occur: Del removes
// the key once its last value is gone).
func (t *Tree) firstDup(e *kvpage.LeafEntry) ([]byte, PageID, error) {
	if e.DupRoot != 0 {
		sub := &Tree{Source: t.Source, Cmp: t.cmp(), Root: e.DupRoot}
		return sub.firstOfTree()
	}
	if len(e.DupValues) == 0 {
		return nil, 0, nil
	}
	return e.DupValues[0], 0, nil
}

func (t *Tree) firstOfTree() ([]byte, PageID, error) {
	if t.Root == 0 {
		return nil, 0, nil
	}
	id := t.Root
	for {
		leaf, err := t.isLeaf(id)
		if err != nil {
			return nil, 0, err
		}
		if leaf {
			n, err := t.readLeaf(id)
			if err != nil {
				return nil, 0, err
			}
			if len(n.Entries) == 0 {
				return nil, id, nil
			}
			return n.Entries[0].Key, id, nil
		}
		b, err := t.readBranch(id)
		if err != nil {
			return nil, 0, err
		}
		id = b.Children[0]
	}
}

// CountDup reports how many duplicate values key has (0 if key is
// absent or not a DUPSORT entry).
func (t *Tree) CountDup(key []byte) (int, error) {
	e, _, err := t.findEntry(t.Root, key)
	if err != nil {
		return 0, err
	}
	if e == nil || !e.Dup {
		return 0, nil
	}
	if e.DupRoot == 0 {
		return len(e.DupValues), nil
	}
	sub := &Tree{Source: t.Source, Cmp: t.cmp(), Root: e.DupRoot}
	return sub.count(sub.Root)
}

func (t *Tree) count(id PageID) (int, error) {
	if id == 0 {
		return 0, nil
	}
	leaf, err := t.isLeaf(id)
	if err != nil {
		return 0, err
	}
	if leaf {
		n, err := t.readLeaf(id)
		if err != nil {
			return 0, err
		}
		return len(n.Entries), nil
	}
	b, err := t.readBranch(id)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range b.Children {
		n, err := t.count(c)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// AllDup returns every duplicate value for key in sorted order.
func (t *Tree) AllDup(key []byte) ([][]byte, error) {
	e, _, err := t.findEntry(t.Root, key)
	if err != nil {
		return nil, err
	}
	if e == nil || !e.Dup {
		return nil, nil
	}
	if e.DupRoot == 0 {
		out := make([][]byte, len(e.DupValues))
		copy(out, e.DupValues)
		return out, nil
	}
	sub := &Tree{Source: t.Source, Cmp: t.cmp(), Root: e.DupRoot}
	var out [][]byte
	err = sub.walkKeys(sub.Root, func(k []byte) { out = append(out, k) })
	return out, err
}

func (t *Tree) walkKeys(id PageID, visit func([]byte)) error {
	if id == 0 {
		return nil
	}
	leaf, err := t.isLeaf(id)
	if err != nil {
		return err
	}
	if leaf {
		n, err := t.readLeaf(id)
		if err != nil {
			return err
		}
		for _, e := range n.Entries {
			visit(e.Key)
		}
		return nil
	}
	b, err := t.readBranch(id)
	if err != nil {
		return err
	}
	for _, c := range b.Children {
		if err := t.walkKeys(c, visit); err != nil {
			return err
		}
	}
	return nil
}
