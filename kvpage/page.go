// Package kvpage defines Sapling's on-disk page byte layout: the
// shared page header, the meta page, and the
// branch/leaf/overflow/free-list page bodies. btree, freelist and kv
// all build on these encode/decode primitives rather than poking at
// byte offsets themselves; a page is decoded once into a typed node
// struct and re-encoded on write, so every mutation goes through one
// code path.
package kvpage

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/pagestore"
)

// Type tags a page's role.
type Type uint8

const (
	TypeMeta Type = 1
	TypeBranch Type = 2
	TypeLeaf Type = 3
	TypeOverflow Type = 4
	TypeFreeList Type = 5
)

// MaxDBI is the upper bound on logical databases per DB.
const MaxDBI = 32

// MetaMagic identifies a Sapling meta page.
const MetaMagic uint32 = 0x5341504c // "SAPL"

const (
	FormatMajor uint8 = 1
	FormatMinor uint8 = 0
)

// DBI flag bits, stored per-slot in the meta page.
const (
	DBIFlagDupSort uint8 = 1 << 0
	DBIFlagTTL uint8 = 1 << 1
)

// header is the shared 16-byte prefix on every non-meta page.
type header struct {
	Type Type
	TxnID uint64
	// Aux1/Aux2 carry type-specific meaning:
	// branch/leaf: Aux1 = nkeys, Aux2 = 0
	// overflow: Aux1 = bytes used in page, Aux2 = next page id (0 = chain end)
	// free-list: Aux1 = entry count, Aux2 = next page id (0 = chain end)
	Aux1 uint16
	Aux2 uint32
}

const headerSize = 16

func putHeader(buf []byte, h header) {
	buf[0] = byte(h.Type)
	buf[1] = 0
	binary.BigEndian.PutUint64(buf[2:10], h.TxnID)
	binary.BigEndian.PutUint16(buf[10:12], h.Aux1)
	binary.BigEndian.PutUint32(buf[12:16], h.Aux2)
}

func getHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("kvpage: page shorter than header: %w", errs.ErrCorrupt)
	}
	return header{
		Type: Type(buf[0]),
		TxnID: binary.BigEndian.Uint64(buf[2:10]),
		Aux1: binary.BigEndian.Uint16(buf[10:12]),
		Aux2: binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// PageType peeks at a raw page's type tag without fully decoding it.
func PageType(buf []byte) (Type, error) {
	h, err := getHeader(buf)
	if err != nil {
		return 0, err
	}
	return h.Type, nil
}

// Checksum64 is Sapling's page/record checksum, xxhash64 over the
// supplied bytes. Used for the meta page trailer and the dedupe
// record's checksum slot.
func Checksum64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// --- free-standing helpers shared by leaf/branch/overflow codecs ---

func putBytes16(buf []byte, off int, b []byte) int {
	binary.BigEndian.PutUint16(buf[off:], uint16(len(b)))
	off += 2
	copy(buf[off:], b)
	return off + len(b)
}

func getBytes16(buf []byte, off int) ([]byte, int, error) {
	if off+2 > len(buf) {
		return nil, 0, fmt.Errorf("kvpage: truncated length prefix: %w", errs.ErrCorrupt)
	}
	n := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return nil, 0, fmt.Errorf("kvpage: truncated field (want %d bytes): %w", n, errs.ErrCorrupt)
	}
	out := make([]byte, n)
	copy(out, buf[off:off+n])
	return out, off + n, nil
}

func putBytes32(buf []byte, off int, b []byte) int {
	binary.BigEndian.PutUint32(buf[off:], uint32(len(b)))
	off += 4
	copy(buf[off:], b)
	return off + len(b)
}

func getBytes32(buf []byte, off int) ([]byte, int, error) {
	if off+4 > len(buf) {
		return nil, 0, fmt.Errorf("kvpage: truncated length prefix: %w", errs.ErrCorrupt)
	}
	n := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if n < 0 || off+n > len(buf) {
		return nil, 0, fmt.Errorf("kvpage: truncated field (want %d bytes): %w", n, errs.ErrCorrupt)
	}
	out := make([]byte, n)
	copy(out, buf[off:off+n])
	return out, off + n, nil
}

// PageID is re-exported for callers that only need kvpage.
type PageID = pagestore.PageID
