package kvpage

import (
	"fmt"

	"github.com/lambkin-lang/sapling/errs"
)

// FreeListPage is one record in the on-disk free-list chain: the
// transaction that freed Pages, linked to the next older record. The
// chain's head is the meta page's FreeListRoot.
type FreeListPage struct {
	FreedTxnID uint64
	Next PageID
	Pages []PageID
}

// EncodeFreeList serializes one free-list record.
func EncodeFreeList(pageSize int, f *FreeListPage) ([]byte, error) {
	need := headerSize + len(f.Pages)*4
	if need > pageSize {
		return nil, fmt.Errorf("kvpage: free-list record too large for one page (%d entries): %w", len(f.Pages), errs.ErrFull)
	}
	buf := make([]byte, pageSize)
	putHeader(buf, header{Type: TypeFreeList, TxnID: f.FreedTxnID, Aux1: uint16(len(f.Pages)), Aux2: uint32(f.Next)})
	off := headerSize
	for _, p := range f.Pages {
		putUint32(buf, off, uint32(p))
		off += 4
	}
	return buf, nil
}

// DecodeFreeList reads one free-list record.
func DecodeFreeList(buf []byte) (*FreeListPage, error) {
	h, err := getHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeFreeList {
		return nil, fmt.Errorf("kvpage: expected free-list page, got type %d: %w", h.Type, errs.ErrCorrupt)
	}
	n := int(h.Aux1)
	if headerSize+n*4 > len(buf) {
		return nil, fmt.Errorf("kvpage: truncated free-list page: %w", errs.ErrCorrupt)
	}
	f := &FreeListPage{FreedTxnID: h.TxnID, Next: PageID(h.Aux2), Pages: make([]PageID, n)}
	off := headerSize
	for i := 0; i < n; i++ {
		f.Pages[i] = PageID(getUint32(buf, off))
		off += 4
	}
	return f, nil
}

// FreeListCapacity reports how many page IDs fit in one free-list
// page of the given size.
func FreeListCapacity(pageSize int) int { return (pageSize - headerSize) / 4 }
