// Package checkpoint streams a consistent snapshot of a DB out to an
// io.Writer and rehydrates a fresh DB from such a stream. The
// framing follows the length-prefixed record style kvpage uses
// elsewhere in this codebase, and restore reconstructs the store
// through pagestore.DefaultStore's Reserve escape hatch rather than
// replaying Allocate calls (which cannot reproduce the original page
// IDs once any page has ever been freed).
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kv"
	"github.com/lambkin-lang/sapling/kvpage"
	"github.com/lambkin-lang/sapling/pagestore"
)

var (
	streamMagic = [4]byte{'S', 'A', 'P', 'K'}
	streamEndMagic = [4]byte{'E', 'N', 'D', 'K'}
)

// reserver is implemented by pagestore.DefaultStore; Restore requires
// it so reconstructed pages land at their original IDs.
type reserver interface {
	Reserve(id pagestore.PageID, data []byte) error
}

// Write streams a consistent snapshot of db (as of a fresh read
// transaction) to w: a self-describing header (magic, page size,
// format major/minor version) followed by a page count and every
// reachable page (the two meta pages, which carry the DBI slot table,
// come first), each framed with its ID and length, and a trailing end
// marker.
func Write(db *kv.DB, w io.Writer) error {
	tx := db.BeginRead()
	defer tx.Abort()

	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, db.PageSize(), tx.Meta()); err != nil {
		return err
	}

	seen := map[kvpage.PageID]bool{}
	meta := tx.Meta()
	var pageIDs []pagestore.PageID
	for i, slot := range meta.DBIs {
		if !slot.InUse || slot.Root == 0 {
			continue
		}
		ids, err := tx.Tree(i).Pages()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				pageIDs = append(pageIDs, id)
			}
		}
	}
	// The two meta pages themselves are always part of the snapshot.
	pageIDs = append([]pagestore.PageID{0, 1}, pageIDs...)

	if err := binary.Write(bw, binary.BigEndian, uint32(len(pageIDs))); err != nil {
		return err
	}
	alloc := db.Allocator()
	for _, id := range pageIDs {
		buf, err := alloc.Resolve(id)
		if err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, uint32(id)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, uint32(len(buf))); err != nil {
			return err
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	if _, err := bw.Write(streamEndMagic[:]); err != nil {
		return err
	}
	return bw.Flush()
}

func writeHeader(w io.Writer, pageSize int, m kvpage.Meta) error {
	if _, err := w.Write(streamMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(pageSize)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, kvpage.FormatMajor); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, kvpage.FormatMinor)
}

// Restore rebuilds a DB from a stream previously produced by Write.
// alloc must support the reserver interface (pagestore.DefaultStore
// does); restoring onto an allocator backed by a different page size
// than the stream's fails cleanly with errs.ErrCorrupt.
func Restore(alloc pagestore.Allocator, pageSize int, r io.Reader) (*kv.DB, error) {
	rs, ok := alloc.(reserver)
	if !ok {
		return nil, fmt.Errorf("checkpoint: allocator does not support Reserve: %w", errs.ErrDB)
	}
	br := bufio.NewReader(r)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", errs.ErrTruncated)
	}
	if magic != streamMagic {
		return nil, fmt.Errorf("checkpoint: bad stream magic: %w", errs.ErrCorrupt)
	}
	var streamPageSize uint32
	if err := binary.Read(br, binary.BigEndian, &streamPageSize); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", errs.ErrTruncated)
	}
	if int(streamPageSize) != pageSize {
		return nil, fmt.Errorf("checkpoint: stream page size %d does not match %d: %w", streamPageSize, pageSize, errs.ErrCorrupt)
	}
	var major, minor uint8
	if err := binary.Read(br, binary.BigEndian, &major); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", errs.ErrTruncated)
	}
	if err := binary.Read(br, binary.BigEndian, &minor); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", errs.ErrTruncated)
	}
	if major != kvpage.FormatMajor {
		return nil, fmt.Errorf("checkpoint: unsupported format major version %d: %w", major, errs.ErrVersion)
	}

	var numPages uint32
	if err := binary.Read(br, binary.BigEndian, &numPages); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", errs.ErrTruncated)
	}
	for i := uint32(0); i < numPages; i++ {
		var id, length uint32
		if err := binary.Read(br, binary.BigEndian, &id); err != nil {
			return nil, fmt.Errorf("checkpoint: %w", errs.ErrTruncated)
		}
		if err := binary.Read(br, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("checkpoint: %w", errs.ErrTruncated)
		}
		if int(length) != pageSize {
			return nil, fmt.Errorf("checkpoint: page %d has wrong length %d: %w", id, length, errs.ErrCorrupt)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("checkpoint: %w", errs.ErrTruncated)
		}
		if err := rs.Reserve(pagestore.PageID(id), buf); err != nil {
			return nil, err
		}
	}

	var end [4]byte
	if _, err := io.ReadFull(br, end[:]); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", errs.ErrTruncated)
	}
	if end != streamEndMagic {
		return nil, fmt.Errorf("checkpoint: missing end marker: %w", errs.ErrCorrupt)
	}

	// The free list itself is not part of a checkpoint: its pages
	// were never reachable from a DBI root, so none were streamed.
	// A freshly restored DB starts with an empty free list; every
	// page of every DBI is already packed, so there is nothing
	// pending reclamation anyway.
	for _, id := range []pagestore.PageID{0, 1} {
		buf, err := alloc.Resolve(id)
		if err != nil {
			return nil, err
		}
		m, err := kvpage.DecodeMeta(buf)
		if err != nil {
			continue
		}
		m.FreeListRoot = 0
		if err := kvpage.EncodeMeta(buf, m); err != nil {
			return nil, err
		}
	}

	return kv.Open(alloc, pageSize)
}
