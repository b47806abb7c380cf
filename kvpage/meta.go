package kvpage

import (
	"encoding/binary"
	"fmt"

	"github.com/lambkin-lang/sapling/errs"
)

// DBISlot is one logical database's entry in the meta page: root page, flags, entry count.
type DBISlot struct {
	Root PageID
	EntryCount uint64
	Flags uint8
	InUse bool
}

// Meta is the decoded form of one of the two alternating meta pages:
// magic, page size, format versions, transaction ID, free-list root,
// one slot per DBI, and a trailing checksum over everything before
// it.
type Meta struct {
	PageSize uint16
	MajorVersion uint8
	MinorVersion uint8
	TxnID uint64
	FreeListRoot PageID
	DBIs [MaxDBI]DBISlot
}

// MetaSize returns the encoded size of a meta record; it is fixed
// regardless of PageSize, but must fit within one page.
func MetaSize() int {
	// magic(4) + pagesize(2) + flags(1) + major(1) + minor(1) + txnid(8) + freelistroot(4)
	// + MaxDBI * (root(4) + count(8) + flags(1) + inuse(1)) + checksum(8)
	return 4 + 2 + 1 + 1 + 1 + 8 + 4 + MaxDBI*(4+8+1+1) + 8
}

// EncodeMeta serializes m into buf (which must be at least MetaSize()
// bytes and ideally exactly one page). The trailing checksum covers
// every byte written before it.
func EncodeMeta(buf []byte, m *Meta) error {
	need := MetaSize()
	if len(buf) < need {
		return fmt.Errorf("kvpage: meta page too small (%d < %d): %w", len(buf), need, errs.ErrFull)
	}
	off := 0
	binary.BigEndian.PutUint32(buf[off:], MetaMagic)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], m.PageSize)
	off += 2
	buf[off] = 0 // reserved flags
	off++
	buf[off] = m.MajorVersion
	off++
	buf[off] = m.MinorVersion
	off++
	binary.BigEndian.PutUint64(buf[off:], m.TxnID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(m.FreeListRoot))
	off += 4
	for i := range m.DBIs {
		s := m.DBIs[i]
		binary.BigEndian.PutUint32(buf[off:], uint32(s.Root))
		off += 4
		binary.BigEndian.PutUint64(buf[off:], s.EntryCount)
		off += 8
		buf[off] = s.Flags
		off++
		if s.InUse {
			buf[off] = 1
		} else {
			buf[off] = 0
		}
		off++
	}
	sum := Checksum64(buf[:off])
	binary.BigEndian.PutUint64(buf[off:], sum)
	return nil
}

// DecodeMeta validates magic and checksum before returning a Meta.
// Any mismatch is reported as corrupt.
func DecodeMeta(buf []byte) (*Meta, error) {
	need := MetaSize()
	if len(buf) < need {
		return nil, fmt.Errorf("kvpage: meta page too small: %w", errs.ErrCorrupt)
	}
	off := 0
	magic := binary.BigEndian.Uint32(buf[off:])
	if magic != MetaMagic {
		return nil, fmt.Errorf("kvpage: bad meta magic: %w", errs.ErrCorrupt)
	}
	off += 4
	m := &Meta{}
	m.PageSize = binary.BigEndian.Uint16(buf[off:])
	off += 2
	off++ // reserved flags
	m.MajorVersion = buf[off]
	off++
	m.MinorVersion = buf[off]
	off++
	m.TxnID = binary.BigEndian.Uint64(buf[off:])
	off += 8
	m.FreeListRoot = PageID(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	for i := range m.DBIs {
		root := PageID(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		count := binary.BigEndian.Uint64(buf[off:])
		off += 8
		flags := buf[off]
		off++
		inUse := buf[off] != 0
		off++
		m.DBIs[i] = DBISlot{Root: root, EntryCount: count, Flags: flags, InUse: inUse}
	}
	wantSum := Checksum64(buf[:off])
	gotSum := binary.BigEndian.Uint64(buf[off:])
	if wantSum != gotSum {
		return nil, fmt.Errorf("kvpage: meta checksum mismatch: %w", errs.ErrCorrupt)
	}
	return m, nil
}
