package btree

import "github.com/lambkin-lang/sapling/kvpage"

// Pages returns every page ID reachable from the tree's root: branch
// and leaf pages, overflow chain links, and DUPSORT nested subtrees.
// Used by the checkpoint codec to emit a complete, consistent
// snapshot of one DBI.
func (t *Tree) Pages() ([]PageID, error) {
	var out []PageID
	if err := t.walkPages(t.Root, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tree) walkPages(id PageID, out *[]PageID) error {
	if id == 0 {
		return nil
	}
	*out = append(*out, id)
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
			switch {
			case e.IsOverflow:
				head := e.OverflowHead
				for head != 0 {
					*out = append(*out, head)
					buf, err := t.Source.Read(head)
					if err != nil {
						return err
					}
					op, err := kvpage.DecodeOverflow(buf)
					if err != nil {
						return err
					}
					head = op.Next
				}
			case e.Dup && e.DupRoot != 0:
				sub := &Tree{Source: t.Source, Cmp: t.cmp(), Root: e.DupRoot}
				if err := sub.walkPages(sub.Root, out); err != nil {
					return err
				}
			}
		}
		return nil
	}
	b, err := t.readBranch(id)
	if err != nil {
		return err
	}
	for _, c := range b.Children {
		if err := t.walkPages(c, out); err != nil {
			return err
		}
	}
	return nil
}
