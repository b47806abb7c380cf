package btree

import "github.com/lambkin-lang/sapling/errs"

// DUPSORT per-key navigation. A cursor positioned on a key with
// duplicates can walk that key's value set with FirstDup / LastDup /
// NextDup / PrevDup; the position is dropped whenever the cursor
// moves to another key.

func (c *Cursor) resetDup() {
	c.dupInline = nil
	c.dupIdx = 0
	c.dupSub = nil
}

// loadDup binds the duplicate position to the current entry's set,
// returning the raw entry. Non-DUPSORT entries yield errs.ErrNotFound
// so callers can tell "no duplicates here" from a real failure.
func (c *Cursor) loadDup() (*Cursor, error) {
	e, err := c.RawEntry()
	if err != nil {
		return nil, err
	}
	if !e.Dup {
		return nil, errs.ErrNotFound
	}
	if e.DupRoot != 0 {
		if c.dupSub == nil {
			c.dupSub = NewCursor(&Tree{Source: c.tree.Source, Cmp: c.tree.cmp(), Root: e.DupRoot})
		}
		return c.dupSub, nil
	}
	if c.dupInline == nil {
		c.dupInline = e.DupValues
		c.dupIdx = -1
	}
	return nil, nil
}

// FirstDup positions at the smallest duplicate value of the current
// key and returns it.
func (c *Cursor) FirstDup() ([]byte, bool, error) {
	c.resetDup()
	sub, err := c.loadDup()
	if err != nil {
		return nil, false, err
	}
	if sub != nil {
		ok, err := sub.First()
		if err != nil || !ok {
			return nil, false, err
		}
		v, _, err := sub.Entry()
		return v, err == nil, err
	}
	if len(c.dupInline) == 0 {
		return nil, false, nil
	}
	c.dupIdx = 0
	return c.dupInline[0], true, nil
}

// LastDup positions at the largest duplicate value of the current key
// and returns it.
func (c *Cursor) LastDup() ([]byte, bool, error) {
	c.resetDup()
	sub, err := c.loadDup()
	if err != nil {
		return nil, false, err
	}
	if sub != nil {
		ok, err := sub.Last()
		if err != nil || !ok {
			return nil, false, err
		}
		v, _, err := sub.Entry()
		return v, err == nil, err
	}
	if len(c.dupInline) == 0 {
		return nil, false, nil
	}
	c.dupIdx = len(c.dupInline) - 1
	return c.dupInline[c.dupIdx], true, nil
}

// NextDup advances to the next duplicate value of the current key; ok
// is false past the end of the set.
func (c *Cursor) NextDup() ([]byte, bool, error) {
	sub, err := c.loadDup()
	if err != nil {
		return nil, false, err
	}
	if sub != nil {
		if !sub.valid {
			return c.FirstDup()
		}
		ok, err := sub.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			// Stay on the last duplicate, as the inline path does.
			_, err := sub.Last()
			return nil, false, err
		}
		v, _, err := sub.Entry()
		return v, err == nil, err
	}
	if c.dupIdx+1 >= len(c.dupInline) {
		return nil, false, nil
	}
	c.dupIdx++
	return c.dupInline[c.dupIdx], true, nil
}

// PrevDup retreats to the previous duplicate value of the current
// key; ok is false before the start of the set.
func (c *Cursor) PrevDup() ([]byte, bool, error) {
	sub, err := c.loadDup()
	if err != nil {
		return nil, false, err
	}
	if sub != nil {
		if !sub.valid {
			return c.LastDup()
		}
		ok, err := sub.Prev()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			// Stay on the first duplicate, as the inline path does.
			_, err := sub.First()
			return nil, false, err
		}
		v, _, err := sub.Entry()
		return v, err == nil, err
	}
	if c.dupIdx <= 0 {
		return nil, false, nil
	}
	c.dupIdx--
	return c.dupInline[c.dupIdx], true, nil
}

// CountDup reports the size of the current key's duplicate set (1 for
// a plain entry).
func (c *Cursor) CountDup() (int, error) {
	e, err := c.RawEntry()
	if err != nil {
		return 0, err
	}
	if !e.Dup {
		return 1, nil
	}
	if e.DupRoot == 0 {
		return len(e.DupValues), nil
	}
	sub := &Tree{Source: c.tree.Source, Cmp: c.tree.cmp(), Root: e.DupRoot}
	return sub.count(sub.Root)
}
