package btree

import "github.com/lambkin-lang/sapling/errs"

// CountRange counts keys in [lo, hi). A nil lo means "from the
// start"; a nil hi means "to the end".
func (t *Tree) CountRange(lo, hi []byte) (int, error) {
	c := NewCursor(t)
	var ok bool
	var err error
	if lo == nil {
		ok, err = c.First()
	} else {
		ok, err = c.Seek(lo)
	}
	if err != nil {
		return 0, err
	}
	count := 0
	for ok {
		key, _, err := c.Entry()
		if err != nil {
			return count, err
		}
		if hi != nil && t.cmp()(key, hi) >= 0 {
			break
		}
		count++
		ok, err = c.Next()
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// DelRange deletes every key in [lo, hi) and returns how many were
// removed. It collects the keys first, then deletes them one at a
// time through Del, rather than mutating the tree mid-walk.
func (t *Tree) DelRange(lo, hi []byte) (int, error) {
	keys, err := t.keysInRange(lo, hi)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := t.Del(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (t *Tree) keysInRange(lo, hi []byte) ([][]byte, error) {
	c := NewCursor(t)
	var ok bool
	var err error
	if lo == nil {
		ok, err = c.First()
	} else {
		ok, err = c.Seek(lo)
	}
	if err != nil {
		return nil, err
	}
	var keys [][]byte
	for ok {
		key, _, err := c.Entry()
		if err != nil {
			return nil, err
		}
		if hi != nil && t.cmp()(key, hi) >= 0 {
			break
		}
		keys = append(keys, append([]byte(nil), key...))
		ok, err = c.Next()
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// KV is one decoded (key, value) pair, returned by RangeScan.
type KV struct {
	Key []byte
	Value []byte
}

// RangeScan returns every (key, value) pair in [lo, hi) in sorted
// order. Used by checkpoint export and by tests asserting whole-tree
// contents; not intended for hot read paths over large ranges.
func (t *Tree) RangeScan(lo, hi []byte) ([]KV, error) {
	c := NewCursor(t)
	var ok bool
	var err error
	if lo == nil {
		ok, err = c.First()
	} else {
		ok, err = c.Seek(lo)
	}
	if err != nil {
		return nil, err
	}
	var out []KV
	for ok {
		key, value, err := c.Entry()
		if err != nil {
			return nil, err
		}
		if hi != nil && t.cmp()(key, hi) >= 0 {
			break
		}
		out = append(out, KV{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
		ok, err = c.Next()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// LoadSorted bulk-inserts pairs, which must already be in strictly
// increasing key order, into the tree. It is built on repeated Put
// rather than a dedicated bottom-up page build: still linear in the
// number of pairs, giving up only the amortized-fewer-splits win of
// writing full leaves directly. An out-of-order or duplicate pair
// fails the whole call with errs.ErrCorrupt before any entry is
// inserted.
func (t *Tree) LoadSorted(pairs []KV) error {
	for i := 1; i < len(pairs); i++ {
		if t.cmp()(pairs[i-1].Key, pairs[i].Key) >= 0 {
			return errs.ErrCorrupt
		}
	}
	for _, kv := range pairs {
		if err := t.Put(kv.Key, kv.Value, PutOverwrite); err != nil {
			return err
		}
	}
	return nil
}
