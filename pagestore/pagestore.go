// Package pagestore implements Sapling's fixed-size page allocation
// behind a pluggable allocator, with stable numeric page IDs that
// are not required to be contiguous.
//
// The allocator is modelled as a capability record: a set
// of function values plus an opaque context, so the storage engine
// never depends on a concrete backing implementation. DefaultStore is
// the growable-slot-table backing used when the caller supplies none.
package pagestore

import (
	"fmt"

	"github.com/lambkin-lang/sapling/errs"
)

// PageID is a stable, 32-bit page identifier.
type PageID uint32

// Allocator is the caller-pluggable backing for page storage. All of
// its methods may be invoked under the writer gate; none of
// them may assume Resolve returns the same pointer across calls to
// Allocate, since a backing implementation is free to rehome its slot
// table on growth.
type Allocator interface {
	// Allocate reserves a fresh page of pageSize bytes and returns
	// its ID and a writable buffer. The buffer is zero-filled.
	Allocate(pageSize int) (PageID, []byte, error)

	// Free releases a page for reuse by the allocator. Sapling only
	// calls this for pages that the free-list manager has
	// determined are unreachable from any reader's snapshot; the
	// allocator itself does no version tracking.
	Free(id PageID)

	// Resolve returns the current buffer for id. The returned slice
	// must be re-fetched after any call to Allocate; it is not
	// guaranteed stable across allocations.
	Resolve(id PageID) ([]byte, error)
}

// DefaultStore is a growable table of fixed-size byte slots. It never
// shrinks, and never reuses an ID already returned from Allocate
// unless that ID was explicitly Free'd.
type DefaultStore struct {
	pageSize int
	slots [][]byte
	free []PageID
}

// NewDefaultStore builds the default in-memory backing for a page
// size chosen at DB creation (valid sizes are 256 through 65535).
func NewDefaultStore(pageSize int) *DefaultStore {
	return &DefaultStore{pageSize: pageSize}
}

func (s *DefaultStore) Allocate(pageSize int) (PageID, []byte, error) {
	if pageSize != s.pageSize {
		return 0, nil, fmt.Errorf("pagestore: allocate size %d does not match store page size %d: %w", pageSize, s.pageSize, errs.ErrDB)
	}
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		buf := make([]byte, pageSize)
		s.slots[id] = buf
		return id, buf, nil
	}
	buf := make([]byte, pageSize)
	// Growing s.slots may reallocate its backing array; callers must
	// never hold a reference into s.slots across an Allocate call.
	id := PageID(len(s.slots))
	s.slots = append(s.slots, buf)
	return id, buf, nil
}

func (s *DefaultStore) Free(id PageID) {
	if int(id) >= len(s.slots) {
		return
	}
	s.slots[id] = nil
	s.free = append(s.free, id)
}

func (s *DefaultStore) Resolve(id PageID) ([]byte, error) {
	if int(id) >= len(s.slots) || s.slots[id] == nil {
		return nil, fmt.Errorf("pagestore: resolve unknown page %d: %w", id, errs.ErrDB)
	}
	return s.slots[id], nil
}

// PageSize reports the fixed page size this store was created with.
func (s *DefaultStore) PageSize() int { return s.pageSize }

// Reserve places data at exactly id, growing the slot table as
// needed. Used by checkpoint restore to reconstruct a store whose
// page IDs must match the original snapshot; Allocate alone cannot
// do this since it always hands out the next sequential ID.
func (s *DefaultStore) Reserve(id PageID, data []byte) error {
	for int(id) >= len(s.slots) {
		s.slots = append(s.slots, nil)
	}
	buf := make([]byte, s.pageSize)
	copy(buf, data)
	s.slots[id] = buf
	return nil
}

// Len reports the number of slots ever handed out (including freed
// ones).
func (s *DefaultStore) Len() int { return len(s.slots) }
