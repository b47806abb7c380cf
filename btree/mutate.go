package btree

import (
	"bytes"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kvpage"
)

// insertResult carries either a single replacement page id, or a
// split: two page ids plus the separator key promoted to the parent.
type insertResult struct {
	left PageID
	splitKey []byte
	right PageID // 0 when this call did not split
}

// Put inserts or overwrites key with value. PutNoOverwrite makes the
// call fail with errs.ErrExists if key is already present;
// PutReserveSpace stores a zero-filled slot of len(value) bytes for a
// later overwrite instead of value's contents. Values larger than the
// overflow threshold are written to an overflow chain and the leaf
// entry holds only a pointer to it.
func (t *Tree) Put(key, value []byte, flags uint32) error {
	if flags&PutReserveSpace != 0 {
		value = make([]byte, len(value))
	}
	entry := kvpage.LeafEntry{Key: append([]byte(nil), key...)}
	if len(value) > t.overflowCap() {
		head, err := t.writeOverflow(value)
		if err != nil {
			return err
		}
		entry.IsOverflow = true
		entry.OverflowHead = head
		entry.OverflowLen = uint32(len(value))
	} else {
		entry.Value = append([]byte(nil), value...)
	}
	return t.putEntry(entry, flags)
}

// PutIf performs a compare-and-swap write: it succeeds
// only if key's current value equals expected byte-for-byte (or the
// key is absent and expected is nil), replacing it with value in the
// same pass. A mismatch fails with errs.ErrConflict rather than
// silently overwriting, so callers never need a separate read before
// the write to detect a lost race.
func (t *Tree) PutIf(key, expected, value []byte, flags uint32) error {
	cur, err := t.Get(key)
	if err != nil && errs.StatusOf(err) != errs.NotFound {
		return err
	}
	present := errs.StatusOf(err) != errs.NotFound
	if present != (expected != nil) || (present && !bytes.Equal(cur, expected)) {
		return errs.ErrConflict
	}
	return t.Put(key, value, flags)
}

// MergeFunc folds operand into the current value of a key (which is
// nil if the key is absent) and returns the new value to store.
type MergeFunc func(current []byte, operand []byte) ([]byte, error)

// Merge applies fn to key's current value and operand, storing fn's
// result.
func (t *Tree) Merge(key, operand []byte, fn MergeFunc) error {
	cur, err := t.Get(key)
	if err != nil && errs.StatusOf(err) != errs.NotFound {
		return err
	}
	if errs.StatusOf(err) == errs.NotFound {
		cur = nil
	}
	next, err := fn(cur, operand)
	if err != nil {
		return err
	}
	return t.Put(key, next, PutOverwrite)
}

func (t *Tree) putEntry(entry kvpage.LeafEntry, flags uint32) error {
	if t.Root == 0 {
		id, err := t.writeLeaf(&kvpage.LeafNode{Entries: []kvpage.LeafEntry{entry}})
		if err != nil {
			return err
		}
		t.Root = id
		return nil
	}
	res, err := t.insert(t.Root, entry, flags)
	if err != nil {
		return err
	}
	if res.right == 0 {
		t.Root = res.left
		return nil
	}
	id, err := t.writeBranch(&kvpage.BranchNode{
		Keys: [][]byte{res.splitKey},
		Children: []PageID{res.left, res.right},
	})
	if err != nil {
		return err
	}
	t.Root = id
	return nil
}

func (t *Tree) insert(id PageID, entry kvpage.LeafEntry, flags uint32) (insertResult, error) {
	leaf, err := t.isLeaf(id)
	if err != nil {
		return insertResult{}, err
	}
	if leaf {
		n, err := t.readLeaf(id)
		if err != nil {
			return insertResult{}, err
		}
		idx := t.leafSearch(n, entry.Key)
		exists := idx < len(n.Entries) && t.cmp()(n.Entries[idx].Key, entry.Key) == 0
		if exists {
			if flags&PutNoOverwrite != 0 {
				if entry.IsOverflow {
					t.freeOverflowChain(entry.OverflowHead)
				}
				return insertResult{}, errs.ErrExists
			}
			old := n.Entries[idx]
			if old.IsOverflow {
				t.freeOverflowChain(old.OverflowHead)
			} else if old.Dup && old.DupRoot != 0 && !entry.Dup {
				// A dup entry replacing a dup entry carries the
				// subtree forward (PutDup/DelDup already copied it
				// on write), so only a plain overwrite drops it.
				t.freeSubtree(old.DupRoot)
			}
			n.Entries[idx] = entry
		} else {
			n.Entries = insertLeafEntryAt(n.Entries, idx, entry)
		}
		t.Source.Free(id)
		if t.leafFits(n) {
			newID, err := t.writeLeaf(n)
			return insertResult{left: newID}, err
		}
		return t.splitLeaf(n, idx)
	}

	b, err := t.readBranch(id)
	if err != nil {
		return insertResult{}, err
	}
	ci := t.branchSearch(b, entry.Key)
	childRes, err := t.insert(b.Children[ci], entry, flags)
	if err != nil {
		return insertResult{}, err
	}
	t.Source.Free(id)
	if childRes.right == 0 {
		b.Children[ci] = childRes.left
		newID, err := t.writeBranch(b)
		return insertResult{left: newID}, err
	}

	newKeys := make([][]byte, 0, len(b.Keys)+1)
	newKeys = append(newKeys, b.Keys[:ci]...)
	newKeys = append(newKeys, childRes.splitKey)
	newKeys = append(newKeys, b.Keys[ci:]...)

	newChildren := make([]PageID, 0, len(b.Children)+1)
	newChildren = append(newChildren, b.Children[:ci]...)
	newChildren = append(newChildren, childRes.left, childRes.right)
	newChildren = append(newChildren, b.Children[ci+1:]...)

	b.Keys, b.Children = newKeys, newChildren
	if t.branchFits(b) {
		newID, err := t.writeBranch(b)
		return insertResult{left: newID}, err
	}
	return t.splitBranch(b)
}

func insertLeafEntryAt(entries []kvpage.LeafEntry, idx int, e kvpage.LeafEntry) []kvpage.LeafEntry {
	entries = append(entries, kvpage.LeafEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

// splitLeaf divides n's entries at the slot where the post-insert
// cumulative byte size first exceeds half the usable page payload.
// insertedIdx is the slot the triggering entry landed in: when the
// split point falls exactly on it, the tie-break keeps it on
// whichever side ends up smaller in bytes.
func (t *Tree) splitLeaf(n *kvpage.LeafNode, insertedIdx int) (insertResult, error) {
	half := t.halfFull()
	mid := 0
	cum := 0
	for i := range n.Entries {
		cum += kvpage.LeafEntrySize(&n.Entries[i])
		if cum > half {
			mid = i
			break
		}
		mid = i + 1
	}
	if mid == 0 {
		mid = 1
	}
	if mid >= len(n.Entries) {
		mid = len(n.Entries) - 1
	}
	if mid == insertedIdx && mid > 1 {
		leftSize := 0
		for i := 0; i < mid; i++ {
			leftSize += kvpage.LeafEntrySize(&n.Entries[i])
		}
		rightSize := 0
		for i := mid + 1; i < len(n.Entries); i++ {
			rightSize += kvpage.LeafEntrySize(&n.Entries[i])
		}
		if leftSize < rightSize {
			mid++
		}
		if mid >= len(n.Entries) {
			mid = len(n.Entries) - 1
		}
	}
	left := &kvpage.LeafNode{Entries: n.Entries[:mid]}
	right := &kvpage.LeafNode{Entries: n.Entries[mid:]}
	leftID, err := t.writeLeaf(left)
	if err != nil {
		return insertResult{}, err
	}
	rightID, err := t.writeLeaf(right)
	if err != nil {
		return insertResult{}, err
	}
	return insertResult{left: leftID, splitKey: right.Entries[0].Key, right: rightID}, nil
}

// splitBranch divides b at the median entry, promoting the middle key
// to the caller instead of copying it into either half (branches push
// up; leaves copy up).
func (t *Tree) splitBranch(b *kvpage.BranchNode) (insertResult, error) {
	mid := len(b.Keys) / 2
	left := &kvpage.BranchNode{Keys: b.Keys[:mid], Children: b.Children[:mid+1]}
	promoted := b.Keys[mid]
	right := &kvpage.BranchNode{Keys: b.Keys[mid+1:], Children: b.Children[mid+1:]}
	leftID, err := t.writeBranch(left)
	if err != nil {
		return insertResult{}, err
	}
	rightID, err := t.writeBranch(right)
	if err != nil {
		return insertResult{}, err
	}
	return insertResult{left: leftID, splitKey: promoted, right: rightID}, nil
}

// Del removes key entirely (for a DUPSORT key, every duplicate value
// along with it; see DelDup in dupsort.go to remove a single
// duplicate). It returns errs.ErrNotFound if key is absent.
//
// When a node drops below half-full the left sibling is examined
// first and the right second: entries are redistributed if either
// sibling is above half-full, otherwise the node merges with
// whichever sibling has lower total bytes (ties favour the left).
// Merging may leave the parent underfull in turn, so the same check
// runs at every level on the way back up; a root left with a single
// child is collapsed.
func (t *Tree) Del(key []byte) error {
	if t.Root == 0 {
		return errs.ErrNotFound
	}
	newID, found, err := t.del(t.Root, key)
	if err != nil {
		return err
	}
	if !found {
		return errs.ErrNotFound
	}
	t.Root = newID
	return t.collapseRoot()
}

// collapseRoot shrinks the tree after deletions: a root branch with a
// single child is replaced by that child, and an empty root leaf
// empties the tree.
func (t *Tree) collapseRoot() error {
	for t.Root != 0 {
		leaf, err := t.isLeaf(t.Root)
		if err != nil {
			return err
		}
		if leaf {
			n, err := t.readLeaf(t.Root)
			if err != nil {
				return err
			}
			if len(n.Entries) == 0 {
				t.Source.Free(t.Root)
				t.Root = 0
			}
			return nil
		}
		b, err := t.readBranch(t.Root)
		if err != nil {
			return err
		}
		if len(b.Children) != 1 {
			return nil
		}
		t.Source.Free(t.Root)
		t.Root = b.Children[0]
	}
	return nil
}

func (t *Tree) del(id PageID, key []byte) (newID PageID, found bool, err error) {
	leaf, err := t.isLeaf(id)
	if err != nil {
		return 0, false, err
	}
	if leaf {
		n, err := t.readLeaf(id)
		if err != nil {
			return 0, false, err
		}
		idx := t.leafSearch(n, key)
		if idx >= len(n.Entries) || t.cmp()(n.Entries[idx].Key, key) != 0 {
			return id, false, nil
		}
		e := n.Entries[idx]
		if e.IsOverflow {
			t.freeOverflowChain(e.OverflowHead)
		} else if e.Dup && e.DupRoot != 0 {
			t.freeSubtree(e.DupRoot)
		}
		n.Entries = append(n.Entries[:idx], n.Entries[idx+1:]...)
		t.Source.Free(id)
		newID, err := t.writeLeaf(n)
		return newID, true, err
	}

	b, err := t.readBranch(id)
	if err != nil {
		return 0, false, err
	}
	ci := t.branchSearch(b, key)
	childNew, found, err := t.del(b.Children[ci], key)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return id, false, nil
	}
	t.Source.Free(id)
	b.Children[ci] = childNew
	if err := t.rebalance(b, ci); err != nil {
		return 0, false, err
	}
	newID, err = t.writeBranch(b)
	return newID, true, err
}

// rebalance restores the half-full invariant for b.Children[ci] after
// a delete below it, editing b's keys/children in place. b itself is
// re-written by the caller.
func (t *Tree) rebalance(b *kvpage.BranchNode, ci int) error {
	childLeaf, err := t.isLeaf(b.Children[ci])
	if err != nil {
		return err
	}
	if childLeaf {
		return t.rebalanceLeaf(b, ci)
	}
	return t.rebalanceBranch(b, ci)
}

func (t *Tree) rebalanceLeaf(b *kvpage.BranchNode, ci int) error {
	half := t.halfFull()
	child, err := t.readLeaf(b.Children[ci])
	if err != nil {
		return err
	}
	if kvpage.LeafNodeSize(child) >= half {
		return nil
	}

	var left, right *kvpage.LeafNode
	if ci > 0 {
		if left, err = t.readLeaf(b.Children[ci-1]); err != nil {
			return err
		}
	}
	if ci+1 < len(b.Children) {
		if right, err = t.readLeaf(b.Children[ci+1]); err != nil {
			return err
		}
	}

	// Redistribute from a sibling that is above half-full: left first.
	if left != nil && kvpage.LeafNodeSize(left) > half {
		for kvpage.LeafNodeSize(left) > half && kvpage.LeafNodeSize(child) < half && len(left.Entries) > 1 {
			last := left.Entries[len(left.Entries)-1]
			left.Entries = left.Entries[:len(left.Entries)-1]
			child.Entries = append([]kvpage.LeafEntry{last}, child.Entries...)
		}
		return t.replaceLeafPair(b, ci-1, left, child)
	}
	if right != nil && kvpage.LeafNodeSize(right) > half {
		for kvpage.LeafNodeSize(right) > half && kvpage.LeafNodeSize(child) < half && len(right.Entries) > 1 {
			first := right.Entries[0]
			right.Entries = right.Entries[1:]
			child.Entries = append(child.Entries, first)
		}
		return t.replaceLeafPair(b, ci, child, right)
	}

	// Merge with the smaller sibling; ties favour the left.
	mergeLeft := left != nil
	if left != nil && right != nil {
		mergeLeft = kvpage.LeafNodeSize(left) <= kvpage.LeafNodeSize(right)
	}
	if mergeLeft && left != nil {
		merged := &kvpage.LeafNode{Entries: append(left.Entries, child.Entries...)}
		t.Source.Free(b.Children[ci-1])
		t.Source.Free(b.Children[ci])
		id, err := t.writeLeaf(merged)
		if err != nil {
			return err
		}
		b.Children[ci-1] = id
		b.Keys = append(b.Keys[:ci-1], b.Keys[ci:]...)
		b.Children = append(b.Children[:ci], b.Children[ci+1:]...)
		return nil
	}
	if right != nil {
		merged := &kvpage.LeafNode{Entries: append(child.Entries, right.Entries...)}
		t.Source.Free(b.Children[ci])
		t.Source.Free(b.Children[ci+1])
		id, err := t.writeLeaf(merged)
		if err != nil {
			return err
		}
		b.Children[ci] = id
		b.Keys = append(b.Keys[:ci], b.Keys[ci+1:]...)
		b.Children = append(b.Children[:ci+1], b.Children[ci+2:]...)
		return nil
	}
	return nil
}

// replaceLeafPair rewrites two adjacent leaf children after a
// redistribution and refreshes the separator between them (copy-up:
// the leftmost key of the right sibling).
func (t *Tree) replaceLeafPair(b *kvpage.BranchNode, li int, l, r *kvpage.LeafNode) error {
	t.Source.Free(b.Children[li])
	t.Source.Free(b.Children[li+1])
	lid, err := t.writeLeaf(l)
	if err != nil {
		return err
	}
	rid, err := t.writeLeaf(r)
	if err != nil {
		return err
	}
	b.Children[li] = lid
	b.Children[li+1] = rid
	b.Keys[li] = append([]byte(nil), r.Entries[0].Key...)
	return nil
}

func (t *Tree) rebalanceBranch(b *kvpage.BranchNode, ci int) error {
	half := t.halfFull()
	child, err := t.readBranch(b.Children[ci])
	if err != nil {
		return err
	}
	if kvpage.BranchNodeSize(child) >= half {
		return nil
	}

	var left, right *kvpage.BranchNode
	if ci > 0 {
		if left, err = t.readBranch(b.Children[ci-1]); err != nil {
			return err
		}
	}
	if ci+1 < len(b.Children) {
		if right, err = t.readBranch(b.Children[ci+1]); err != nil {
			return err
		}
	}

	// Rotation through the parent separator: left first.
	if left != nil && kvpage.BranchNodeSize(left) > half {
		for kvpage.BranchNodeSize(left) > half && kvpage.BranchNodeSize(child) < half && len(left.Keys) > 1 {
			sep := b.Keys[ci-1]
			child.Keys = append([][]byte{sep}, child.Keys...)
			child.Children = append([]PageID{left.Children[len(left.Children)-1]}, child.Children...)
			b.Keys[ci-1] = left.Keys[len(left.Keys)-1]
			left.Keys = left.Keys[:len(left.Keys)-1]
			left.Children = left.Children[:len(left.Children)-1]
		}
		return t.replaceBranchPair(b, ci-1, left, child)
	}
	if right != nil && kvpage.BranchNodeSize(right) > half {
		for kvpage.BranchNodeSize(right) > half && kvpage.BranchNodeSize(child) < half && len(right.Keys) > 1 {
			sep := b.Keys[ci]
			child.Keys = append(child.Keys, sep)
			child.Children = append(child.Children, right.Children[0])
			b.Keys[ci] = right.Keys[0]
			right.Keys = right.Keys[1:]
			right.Children = right.Children[1:]
		}
		return t.replaceBranchPair(b, ci, child, right)
	}

	// Merge, pulling the separator down between the two halves.
	mergeLeft := left != nil
	if left != nil && right != nil {
		mergeLeft = kvpage.BranchNodeSize(left) <= kvpage.BranchNodeSize(right)
	}
	if mergeLeft && left != nil {
		merged := &kvpage.BranchNode{
			Keys: append(append(left.Keys, b.Keys[ci-1]), child.Keys...),
			Children: append(left.Children, child.Children...),
		}
		t.Source.Free(b.Children[ci-1])
		t.Source.Free(b.Children[ci])
		id, err := t.writeBranch(merged)
		if err != nil {
			return err
		}
		b.Children[ci-1] = id
		b.Keys = append(b.Keys[:ci-1], b.Keys[ci:]...)
		b.Children = append(b.Children[:ci], b.Children[ci+1:]...)
		return nil
	}
	if right != nil {
		merged := &kvpage.BranchNode{
			Keys: append(append(child.Keys, b.Keys[ci]), right.Keys...),
			Children: append(child.Children, right.Children...),
		}
		t.Source.Free(b.Children[ci])
		t.Source.Free(b.Children[ci+1])
		id, err := t.writeBranch(merged)
		if err != nil {
			return err
		}
		b.Children[ci] = id
		b.Keys = append(b.Keys[:ci], b.Keys[ci+1:]...)
		b.Children = append(b.Children[:ci+1], b.Children[ci+2:]...)
		return nil
	}
	return nil
}

// replaceBranchPair rewrites two adjacent branch children after a
// rotation; the separator between them was already updated in place.
func (t *Tree) replaceBranchPair(b *kvpage.BranchNode, li int, l, r *kvpage.BranchNode) error {
	t.Source.Free(b.Children[li])
	t.Source.Free(b.Children[li+1])
	lid, err := t.writeBranch(l)
	if err != nil {
		return err
	}
	rid, err := t.writeBranch(r)
	if err != nil {
		return err
	}
	b.Children[li] = lid
	b.Children[li+1] = rid
	return nil
}

// freeSubtree retires every page reachable from id, used when
// dropping a whole DUPSORT nested subtree or an entire DBI tree.
func (t *Tree) freeSubtree(id PageID) {
	if id == 0 {
		return
	}
	leaf, err := t.isLeaf(id)
	if err != nil {
		return
	}
	if leaf {
		n, err := t.readLeaf(id)
		if err == nil {
			for _, e := range n.Entries {
				if e.IsOverflow {
					t.freeOverflowChain(e.OverflowHead)
				} else if e.Dup && e.DupRoot != 0 {
					t.freeSubtree(e.DupRoot)
				}
			}
		}
		t.Source.Free(id)
		return
	}
	b, err := t.readBranch(id)
	if err == nil {
		for _, c := range b.Children {
			t.freeSubtree(c)
		}
	}
	t.Source.Free(id)
}

// Drop frees every page in the tree and resets Root to empty.
func (t *Tree) Drop() {
	t.freeSubtree(t.Root)
	t.Root = 0
}
