package kvpage

import (
	"fmt"

	"github.com/lambkin-lang/sapling/errs"
)

// BranchNode is the decoded body of a TypeBranch page: Keys holds the
// n separators (each a copy of the leftmost key of its right
// subtree), Children holds the n+1 child page IDs, Children[i] covers
// keys < Keys[i] (or all keys for i==0), Children[i+1] covers keys >=
// Keys[i].
type BranchNode struct {
	TxnID uint64
	Keys [][]byte
	Children []PageID
}

// EncodeBranch serializes a BranchNode into a single page.
func EncodeBranch(pageSize int, n *BranchNode) ([]byte, error) {
	if len(n.Children) != len(n.Keys)+1 {
		return nil, fmt.Errorf("kvpage: branch children/keys mismatch (%d children, %d keys): %w", len(n.Children), len(n.Keys), errs.ErrDB)
	}
	buf := make([]byte, pageSize)
	putHeader(buf, header{Type: TypeBranch, TxnID: n.TxnID, Aux1: uint16(len(n.Keys))})
	off := headerSize
	if off+4 > pageSize {
		return nil, fmt.Errorf("kvpage: branch page full: %w", errs.ErrFull)
	}
	putUint32(buf, off, uint32(n.Children[0]))
	off += 4
	for i, k := range n.Keys {
		if off+2 > pageSize {
			return nil, fmt.Errorf("kvpage: branch page full: %w", errs.ErrFull)
		}
		off = putBytes16(buf, off, k)
		if off+4 > pageSize {
			return nil, fmt.Errorf("kvpage: branch page full: %w", errs.ErrFull)
		}
		putUint32(buf, off, uint32(n.Children[i+1]))
		off += 4
	}
	return buf, nil
}

// BranchNodeSize reports the exact encoded size of n, header
// included, mirroring EncodeBranch's layout.
func BranchNodeSize(n *BranchNode) int {
	s := headerSize + 4
	for _, k := range n.Keys {
		s += 2 + len(k) + 4
	}
	return s
}

// DecodeBranch reads a previously encoded branch page.
func DecodeBranch(buf []byte) (*BranchNode, error) {
	h, err := getHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeBranch {
		return nil, fmt.Errorf("kvpage: expected branch page, got type %d: %w", h.Type, errs.ErrCorrupt)
	}
	n := &BranchNode{TxnID: h.TxnID}
	off := headerSize
	if off+4 > len(buf) {
		return nil, fmt.Errorf("kvpage: truncated branch page: %w", errs.ErrCorrupt)
	}
	n.Children = append(n.Children, PageID(getUint32(buf, off)))
	off += 4
	for i := uint16(0); i < h.Aux1; i++ {
		k, next, err := getBytes16(buf, off)
		if err != nil {
			return nil, err
		}
		off = next
		if off+4 > len(buf) {
			return nil, fmt.Errorf("kvpage: truncated branch child: %w", errs.ErrCorrupt)
		}
		n.Keys = append(n.Keys, k)
		n.Children = append(n.Children, PageID(getUint32(buf, off)))
		off += 4
	}
	return n, nil
}
