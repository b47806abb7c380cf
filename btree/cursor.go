package btree

import (
	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kvpage"
)

// frame is one level of a cursor's descent path: the page visited and
// the index within it the cursor currently sits at.
type frame struct {
	id PageID
	idx int
}

// Cursor provides ordered iteration over a Tree. A Cursor observes a
// frozen view of the tree as of its last Seek/First/Last call: it
// does not automatically track concurrent Put/Del calls against the
// same Tree.
type Cursor struct {
	tree *Tree
	stack []frame
	valid bool

	// duplicate-set position for DUPSORT navigation; reset whenever
	// the cursor moves between keys.
	dupInline [][]byte
	dupIdx int
	dupSub *Cursor
}

// NewCursor returns a cursor positioned before the first entry; call
// First, Last, or Seek before reading.
func NewCursor(t *Tree) *Cursor { return &Cursor{tree: t} }

// First positions the cursor at the smallest key.
func (c *Cursor) First() (bool, error) { return c.descend(nil, true) }

// Last positions the cursor at the largest key.
func (c *Cursor) Last() (bool, error) { return c.descendLast() }

// Seek positions the cursor at the first key >= key.
func (c *Cursor) Seek(key []byte) (bool, error) { return c.descend(key, false) }

func (c *Cursor) descend(key []byte, toFirst bool) (bool, error) {
	c.stack = c.stack[:0]
	c.valid = false
	c.resetDup()
	if c.tree.Root == 0 {
		return false, nil
	}
	id := c.tree.Root
	for {
		leaf, err := c.tree.isLeaf(id)
		if err != nil {
			return false, err
		}
		if leaf {
			n, err := c.tree.readLeaf(id)
			if err != nil {
				return false, err
			}
			idx := 0
			if !toFirst {
				idx = c.tree.leafSearch(n, key)
			}
			c.stack = append(c.stack, frame{id: id, idx: idx})
			if idx >= len(n.Entries) {
				return c.advancePastLeaf()
			}
			c.valid = true
			return true, nil
		}
		b, err := c.tree.readBranch(id)
		if err != nil {
			return false, err
		}
		ci := 0
		if !toFirst {
			ci = c.tree.branchSearch(b, key)
		}
		c.stack = append(c.stack, frame{id: id, idx: ci})
		id = b.Children[ci]
	}
}

func (c *Cursor) descendLast() (bool, error) {
	c.stack = c.stack[:0]
	c.valid = false
	c.resetDup()
	if c.tree.Root == 0 {
		return false, nil
	}
	id := c.tree.Root
	for {
		leaf, err := c.tree.isLeaf(id)
		if err != nil {
			return false, err
		}
		if leaf {
			n, err := c.tree.readLeaf(id)
			if err != nil {
				return false, err
			}
			if len(n.Entries) == 0 {
				return false, nil
			}
			c.stack = append(c.stack, frame{id: id, idx: len(n.Entries) - 1})
			c.valid = true
			return true, nil
		}
		b, err := c.tree.readBranch(id)
		if err != nil {
			return false, err
		}
		last := len(b.Children) - 1
		c.stack = append(c.stack, frame{id: id, idx: last})
		id = b.Children[last]
	}
}

// Next advances to the next key in order.
func (c *Cursor) Next() (bool, error) {
	if !c.valid || len(c.stack) == 0 {
		return false, nil
	}
	c.resetDup()
	top := &c.stack[len(c.stack)-1]
	top.idx++
	return c.advancePastLeaf()
}

// advancePastLeaf climbs the stack when the leaf frame's index has
// run past the end of its page, resuming the descent down the next
// sibling subtree. It assumes the top frame is a leaf frame whose
// idx has just been advanced (or is being visited fresh).
func (c *Cursor) advancePastLeaf() (bool, error) {
	for {
		if len(c.stack) == 0 {
			c.valid = false
			return false, nil
		}
		top := c.stack[len(c.stack)-1]
		n, err := c.tree.readLeaf(top.id)
		if err != nil {
			return false, err
		}
		if top.idx < len(n.Entries) {
			c.valid = true
			return true, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
		// Climb past every branch whose children are exhausted.
		var b *kvpage.BranchNode
		for {
			if len(c.stack) == 0 {
				c.valid = false
				return false, nil
			}
			parent := &c.stack[len(c.stack)-1]
			parent.idx++
			if b, err = c.tree.readBranch(parent.id); err != nil {
				return false, err
			}
			if parent.idx < len(b.Children) {
				break
			}
			c.stack = c.stack[:len(c.stack)-1]
		}
		id := b.Children[c.stack[len(c.stack)-1].idx]
		for {
			leaf, err := c.tree.isLeaf(id)
			if err != nil {
				return false, err
			}
			if leaf {
				c.stack = append(c.stack, frame{id: id, idx: 0})
				break
			}
			cb, err := c.tree.readBranch(id)
			if err != nil {
				return false, err
			}
			c.stack = append(c.stack, frame{id: id, idx: 0})
			id = cb.Children[0]
		}
	}
}

// Prev retreats to the previous key in order. It re-descends from
// the root via Seek semantics since the reverse walk is rarely hot
// and the tree is shallow.
func (c *Cursor) Prev() (bool, error) {
	if !c.valid {
		return false, nil
	}
	key, _, err := c.Entry()
	if err != nil {
		return false, err
	}
	ok, err := c.descend(key, false)
	if err != nil || !ok {
		return false, err
	}
	return c.stepBack()
}

func (c *Cursor) stepBack() (bool, error) {
	for {
		if len(c.stack) == 0 {
			c.valid = false
			return false, nil
		}
		top := &c.stack[len(c.stack)-1]
		if top.idx > 0 {
			top.idx--
			return true, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
		if len(c.stack) == 0 {
			c.valid = false
			return false, nil
		}
		parent := &c.stack[len(c.stack)-1]
		if parent.idx == 0 {
			continue
		}
		parent.idx--
		b, err := c.tree.readBranch(parent.id)
		if err != nil {
			return false, err
		}
		id := b.Children[parent.idx]
		for {
			leaf, err := c.tree.isLeaf(id)
			if err != nil {
				return false, err
			}
			if leaf {
				n, err := c.tree.readLeaf(id)
				if err != nil {
					return false, err
				}
				c.stack = append(c.stack, frame{id: id, idx: len(n.Entries) - 1})
				return true, nil
			}
			cb, err := c.tree.readBranch(id)
			if err != nil {
				return false, err
			}
			last := len(cb.Children) - 1
			c.stack = append(c.stack, frame{id: id, idx: last})
			id = cb.Children[last]
		}
	}
}

// Entry returns the key/value at the cursor's current position.
func (c *Cursor) Entry() ([]byte, []byte, error) {
	if !c.valid || len(c.stack) == 0 {
		return nil, nil, errs.ErrNotFound
	}
	top := c.stack[len(c.stack)-1]
	n, err := c.tree.readLeaf(top.id)
	if err != nil {
		return nil, nil, err
	}
	if top.idx >= len(n.Entries) {
		return nil, nil, errs.ErrNotFound
	}
	e := n.Entries[top.idx]
	if e.Dup {
		v, _, err := c.tree.firstDup(&e)
		return e.Key, v, err
	}
	v, err := c.tree.materializeValue(&e)
	return e.Key, v, err
}

// Put replaces the value stored under the cursor's current key (the
// write may split the leaf), then re-seeks so the cursor stays
// positioned on that key.
func (c *Cursor) Put(value []byte) error {
	e, err := c.RawEntry()
	if err != nil {
		return err
	}
	key := append([]byte(nil), e.Key...)
	if err := c.tree.Put(key, value, PutOverwrite); err != nil {
		return err
	}
	_, err = c.Seek(key)
	return err
}

// Del removes the entry under the cursor (the delete may merge
// leaves), leaving the cursor positioned at the successor entry, or
// invalid if none remains.
func (c *Cursor) Del() error {
	e, err := c.RawEntry()
	if err != nil {
		return err
	}
	key := append([]byte(nil), e.Key...)
	if err := c.tree.Del(key); err != nil {
		return err
	}
	c.resetDup()
	if c.tree.Root == 0 {
		c.stack = c.stack[:0]
		c.valid = false
		return nil
	}
	_, err = c.Seek(key)
	return err
}

// RawEntry returns the decoded leaf entry at the cursor's current
// position, including DUPSORT/overflow metadata the caller may need
// (e.g. to enumerate every duplicate via AllDup).
func (c *Cursor) RawEntry() (*kvpage.LeafEntry, error) {
	if !c.valid || len(c.stack) == 0 {
		return nil, errs.ErrNotFound
	}
	top := c.stack[len(c.stack)-1]
	n, err := c.tree.readLeaf(top.id)
	if err != nil {
		return nil, err
	}
	if top.idx >= len(n.Entries) {
		return nil, errs.ErrNotFound
	}
	e := n.Entries[top.idx]
	return &e, nil
}
