package kvpage

import (
	"fmt"

	"github.com/lambkin-lang/sapling/errs"
)

// OverflowPage is one link in the chain that backs a leaf value too
// large to store inline. Next == 0 marks the chain's end.
type OverflowPage struct {
	TxnID uint64
	Next PageID
	Data []byte
}

// EncodeOverflow serializes one overflow link; Data must already be
// sized to fit (at most OverflowCapacity(pageSize) bytes).
func EncodeOverflow(pageSize int, o *OverflowPage) ([]byte, error) {
	capacity := pageSize - headerSize
	if len(o.Data) > capacity {
		return nil, fmt.Errorf("kvpage: overflow chunk too large (%d > %d): %w", len(o.Data), capacity, errs.ErrFull)
	}
	buf := make([]byte, pageSize)
	putHeader(buf, header{Type: TypeOverflow, TxnID: o.TxnID, Aux1: uint16(len(o.Data)), Aux2: uint32(o.Next)})
	copy(buf[headerSize:], o.Data)
	return buf, nil
}

// DecodeOverflow reads one overflow link.
func DecodeOverflow(buf []byte) (*OverflowPage, error) {
	h, err := getHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeOverflow {
		return nil, fmt.Errorf("kvpage: expected overflow page, got type %d: %w", h.Type, errs.ErrCorrupt)
	}
	n := int(h.Aux1)
	if headerSize+n > len(buf) {
		return nil, fmt.Errorf("kvpage: truncated overflow page: %w", errs.ErrCorrupt)
	}
	data := make([]byte, n)
	copy(data, buf[headerSize:headerSize+n])
	return &OverflowPage{TxnID: h.TxnID, Next: PageID(h.Aux2), Data: data}, nil
}

// OverflowCapacity reports how many payload bytes fit in one overflow
// page of the given size.
func OverflowCapacity(pageSize int) int { return pageSize - headerSize }
