// Package btree implements Sapling's copy-on-write B+ tree: one tree
// per DBI over a pluggable page source, with an optional comparator,
// DUPSORT secondary trees, and overflow values.
//
// A mutation always allocates a fresh page for every node on the
// path from the mutated leaf to the root and frees the superseded
// page. A page already stamped with the current write transaction's
// ID could be edited in place, but always copying keeps a single,
// uniform code path at a constant-factor allocation cost.
package btree

import (
	"bytes"
	"fmt"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kvpage"
)

// PageID is re-exported for callers that only need btree.
type PageID = kvpage.PageID

// Comparator is a total order over opaque byte strings.
type Comparator func(a, b []byte) int

// DefaultComparator is lexicographic byte comparison.
func DefaultComparator(a, b []byte) int { return bytes.Compare(a, b) }

// PageSource is the capability record a Tree mutates through. A
// transaction (kv.Txn) implements this by layering an in-progress
// page overlay over the durable page store; a read-only snapshot
// implements only Read.
type PageSource interface {
	PageSize() int
	TxnID() uint64
	// Read resolves id to its current bytes, honouring any
	// in-progress overlay for the calling transaction.
	Read(id PageID) ([]byte, error)
	// Alloc reserves a brand-new page with no predecessor to free.
	Alloc() (PageID, []byte, error)
	// Free retires id: a later sweep may reuse it once no reader
	// snapshot can still observe it.
	Free(id PageID)
}

// Put flags.
const (
	PutOverwrite uint32 = 0
	PutNoOverwrite uint32 = 0x01
	PutReserveSpace uint32 = 0x02
)

// overflowThreshold is the compile-time fraction of the page size
// past which a value is stored in an overflow chain instead of
// inline. A quarter of the page keeps several entries
// per leaf even when one of them is large.
const overflowThreshold = 4

// dupInlineLimit bounds how many inline duplicate values a DUPSORT
// key holds before the set is promoted to a nested subtree.
const dupInlineLimit = 8

// Tree is a handle to one DBI's copy-on-write B+tree, bound to a
// single write or read snapshot via its PageSource.
type Tree struct {
	Source PageSource
	Cmp Comparator
	Root PageID // 0 means an empty tree
	DupSort bool
}

func (t *Tree) cmp() Comparator {
	if t.Cmp != nil {
		return t.Cmp
	}
	return DefaultComparator
}

func (t *Tree) pageSize() int { return t.Source.PageSize() }

func (t *Tree) overflowCap() int {
	return t.pageSize() / overflowThreshold
}

// materializeValue re-assembles a leaf entry's logical value,
// following the overflow chain if needed.
func (t *Tree) materializeValue(e *kvpage.LeafEntry) ([]byte, error) {
	if !e.IsOverflow {
		return e.Value, nil
	}
	out := make([]byte, 0, e.OverflowLen)
	next := e.OverflowHead
	for next != 0 {
		buf, err := t.Source.Read(next)
		if err != nil {
			return nil, err
		}
		op, err := kvpage.DecodeOverflow(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, op.Data...)
		next = op.Next
	}
	if uint32(len(out)) != e.OverflowLen {
		return nil, fmt.Errorf("btree: overflow chain length mismatch: %w", errs.ErrCorrupt)
	}
	return out, nil
}

// writeOverflow splits value into a chain of overflow pages and
// returns the chain head.
func (t *Tree) writeOverflow(value []byte) (PageID, error) {
	capacity := kvpage.OverflowCapacity(t.pageSize())
	var chunks [][]byte
	for off := 0; off < len(value); off += capacity {
		end := off + capacity
		if end > len(value) {
			end = len(value)
		}
		chunks = append(chunks, value[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	ids := make([]PageID, len(chunks))
	for i := range chunks {
		id, _, err := t.Source.Alloc()
		if err != nil {
			return 0, err
		}
		ids[i] = id
	}
	for i := len(chunks) - 1; i >= 0; i-- {
		var next PageID
		if i+1 < len(chunks) {
			next = ids[i+1]
		}
		buf, err := t.Source.Read(ids[i])
		if err != nil {
			return 0, err
		}
		enc, err := kvpage.EncodeOverflow(t.pageSize(), &kvpage.OverflowPage{
			TxnID: t.Source.TxnID(), Next: next, Data: chunks[i],
		})
		if err != nil {
			return 0, err
		}
		copy(buf, enc)
	}
	return ids[0], nil
}

func (t *Tree) freeOverflowChain(head PageID) {
	for head != 0 {
		buf, err := t.Source.Read(head)
		if err != nil {
			return
		}
		op, err := kvpage.DecodeOverflow(buf)
		if err != nil {
			return
		}
		t.Source.Free(head)
		head = op.Next
	}
}

func (t *Tree) readLeaf(id PageID) (*kvpage.LeafNode, error) {
	buf, err := t.Source.Read(id)
	if err != nil {
		return nil, err
	}
	return kvpage.DecodeLeaf(buf)
}

func (t *Tree) readBranch(id PageID) (*kvpage.BranchNode, error) {
	buf, err := t.Source.Read(id)
	if err != nil {
		return nil, err
	}
	return kvpage.DecodeBranch(buf)
}

func (t *Tree) isLeaf(id PageID) (bool, error) {
	buf, err := t.Source.Read(id)
	if err != nil {
		return false, err
	}
	typ, err := kvpage.PageType(buf)
	if err != nil {
		return false, err
	}
	return typ == kvpage.TypeLeaf, nil
}

func (t *Tree) writeLeaf(n *kvpage.LeafNode) (PageID, error) {
	n.TxnID = t.Source.TxnID()
	id, buf, err := t.Source.Alloc()
	if err != nil {
		return 0, err
	}
	enc, err := kvpage.EncodeLeaf(t.pageSize(), n)
	if err != nil {
		return 0, err
	}
	copy(buf, enc)
	return id, nil
}

func (t *Tree) writeBranch(n *kvpage.BranchNode) (PageID, error) {
	n.TxnID = t.Source.TxnID()
	id, buf, err := t.Source.Alloc()
	if err != nil {
		return 0, err
	}
	enc, err := kvpage.EncodeBranch(t.pageSize(), n)
	if err != nil {
		return 0, err
	}
	copy(buf, enc)
	return id, nil
}

// leafFits reports whether n would encode within one page.
func (t *Tree) leafFits(n *kvpage.LeafNode) bool {
	_, err := kvpage.EncodeLeaf(t.pageSize(), n)
	return err == nil
}

func (t *Tree) branchFits(n *kvpage.BranchNode) bool {
	_, err := kvpage.EncodeBranch(t.pageSize(), n)
	return err == nil
}

func (t *Tree) halfFull() int { return t.pageSize() / 2 }

// Get looks up key. For a DUPSORT key it returns the first (sorted)
// duplicate value.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if t.Root == 0 {
		return nil, errs.ErrNotFound
	}
	e, _, err := t.findEntry(t.Root, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errs.ErrNotFound
	}
	if e.Dup {
		v, _, err := t.firstDup(e)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, errs.ErrNotFound
		}
		return v, nil
	}
	return t.materializeValue(e)
}

// findEntry walks down from id looking for key, returning the leaf
// entry and the id of the leaf page holding it (nil and 0 if absent).
func (t *Tree) findEntry(id PageID, key []byte) (*kvpage.LeafEntry, PageID, error) {
	if id == 0 {
		return nil, 0, nil
	}
	leaf, err := t.isLeaf(id)
	if err != nil {
		return nil, 0, err
	}
	if leaf {
		n, err := t.readLeaf(id)
		if err != nil {
			return nil, 0, err
		}
		idx := t.leafSearch(n, key)
		if idx < len(n.Entries) && t.cmp()(n.Entries[idx].Key, key) == 0 {
			e := n.Entries[idx]
			return &e, id, nil
		}
		return nil, 0, nil
	}
	b, err := t.readBranch(id)
	if err != nil {
		return nil, 0, err
	}
	ci := t.branchSearch(b, key)
	return t.findEntry(b.Children[ci], key)
}

// leafSearch returns the index of the first entry whose key >= key.
func (t *Tree) leafSearch(n *kvpage.LeafNode, key []byte) int {
	lo, hi := 0, len(n.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp()(n.Entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// branchSearch returns the child index to descend into for key: the
// last child whose covering separator is <= key.
func (t *Tree) branchSearch(b *kvpage.BranchNode, key []byte) int {
	lo, hi := 0, len(b.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp()(b.Keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
