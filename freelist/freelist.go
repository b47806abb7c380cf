// Package freelist implements Sapling's free-list manager. Freed
// pages are grouped by the transaction ID that freed them and only
// made reusable once no reader snapshot can still observe that
// transaction ID.
package freelist

import (
	"github.com/lambkin-lang/sapling/kvpage"
	"github.com/lambkin-lang/sapling/pagestore"
)

// Stats exposes the free-list corruption counters: inconsistencies
// are observed and counted, never fatal, so long-running tests can
// assert the counters stay at zero.
type Stats struct {
	NullHead uint64 // free-list head page ID did not resolve in the allocator
	NextOutOfRange uint64 // a walked node's next-pointer did not resolve in the allocator
	WalkInconsistent uint64 // any other inconsistency discovered while walking (e.g. a page that does not decode as a free-list record)
}

// Manager owns the on-disk free-list chain plus the in-progress write
// transaction's pending-free and newly-allocated page lists. It is
// exclusively owned by the writer gate: only one write
// transaction's Manager calls are ever in flight at a time.
type Manager struct {
	alloc pagestore.Allocator
	pageSize int

	head PageID

	reusable []PageID // drawn from by Allocate before falling back to alloc

	pending []PageID // pages this write txn retired, to be recorded at Commit
	txnAllocated []PageID // pages this write txn obtained from alloc directly

	stats Stats
}

type PageID = kvpage.PageID

// New constructs a Manager bound to an allocator, a fixed page size,
// and the free-list chain head recorded in the current meta page (0
// if the chain is empty).
func New(alloc pagestore.Allocator, pageSize int, head PageID) *Manager {
	return &Manager{alloc: alloc, pageSize: pageSize, head: head}
}

// Head returns the current free-list chain root, to be recorded in
// the next meta page written.
func (m *Manager) Head() PageID { return m.head }

// Stats returns a snapshot of the corruption counters.
func (m *Manager) Stats() Stats { return m.stats }

// BeginWrite resets per-transaction bookkeeping at the start of a new
// top-level write transaction.
func (m *Manager) BeginWrite() {
	m.pending = m.pending[:0]
	m.txnAllocated = m.txnAllocated[:0]
}

// Free marks id as retired by the in-progress write transaction. The
// page is not reusable until Commit folds it into the chain and a
// later Sweep determines no reader snapshot still pins it.
func (m *Manager) Free(id PageID) {
	m.pending = append(m.pending, id)
}

// Allocate draws from the reusable pool first (pages a prior Sweep
// determined are unreachable by any reader), falling back to the
// backing allocator only when the pool is empty.
func (m *Manager) Allocate() (PageID, []byte, error) {
	if n := len(m.reusable); n > 0 {
		id := m.reusable[n-1]
		m.reusable = m.reusable[:n-1]
		buf, err := m.alloc.Resolve(id)
		if err != nil {
			return 0, nil, err
		}
		for i := range buf {
			buf[i] = 0
		}
		m.txnAllocated = append(m.txnAllocated, id)
		return id, buf, nil
	}
	id, buf, err := m.alloc.Allocate(m.pageSize)
	if err != nil {
		return 0, nil, err
	}
	m.txnAllocated = append(m.txnAllocated, id)
	return id, buf, nil
}

// Sweep moves every free-list record whose FreedTxnID is strictly
// less than watermark (the minimum of all active reader snapshot
// transaction IDs, or the current txn ID if there are no readers)
// into the reusable pool, and advances the chain head past them. A
// free-list page itself is never observed by readers (they only
// traverse DBI trees), so superseded free-list pages are reclaimed
// immediately rather than going through another free/sweep cycle.
func (m *Manager) Sweep(watermark uint64) error {
	for m.head != 0 {
		buf, err := m.alloc.Resolve(m.head)
		if err != nil {
			m.stats.NullHead++
			m.head = 0
			return nil
		}
		rec, err := kvpage.DecodeFreeList(buf)
		if err != nil {
			m.stats.WalkInconsistent++
			m.head = 0
			return nil
		}
		if rec.FreedTxnID >= watermark {
			break
		}
		m.reusable = append(m.reusable, rec.Pages...)
		m.reusable = append(m.reusable, m.head)
		next := rec.Next
		if next != 0 {
			if _, err := m.alloc.Resolve(next); err != nil {
				m.stats.NextOutOfRange++
				m.head = 0
				return nil
			}
		}
		m.head = next
	}
	return nil
}

// Commit folds this write transaction's pending-free pages into the
// chain under txnID, returning the new chain head to be recorded in
// the next meta page. Free-list record pages are themselves drawn
// from the reusable pool first, exactly like data pages.
func (m *Manager) Commit(txnID uint64) (PageID, error) {
	if len(m.pending) == 0 {
		m.txnAllocated = m.txnAllocated[:0]
		return m.head, nil
	}
	capacity := kvpage.FreeListCapacity(m.pageSize)
	pending := m.pending
	newHead := m.head
	for len(pending) > 0 {
		n := len(pending)
		if n > capacity {
			n = capacity
		}
		chunk := pending[:n]
		pending = pending[n:]
		id, buf, err := m.Allocate()
		if err != nil {
			return 0, err
		}
		rec := &kvpage.FreeListPage{FreedTxnID: txnID, Next: newHead, Pages: chunk}
		enc, err := kvpage.EncodeFreeList(m.pageSize, rec)
		if err != nil {
			return 0, err
		}
		copy(buf, enc)
		newHead = id
	}
	m.head = newHead
	m.pending = m.pending[:0]
	m.txnAllocated = m.txnAllocated[:0]
	return m.head, nil
}

// Mark captures the pending/allocated list lengths so a nested
// transaction can later be rolled back without disturbing work its
// parent staged before it began.
type Mark struct {
	pending int
	allocated int
}

// Mark returns a rollback point for the current write transaction
// state; see Rollback.
func (m *Manager) Mark() Mark {
	return Mark{pending: len(m.pending), allocated: len(m.txnAllocated)}
}

// Rollback undoes everything staged since mk was taken: pages freed
// since then become live again, and pages allocated since then return
// to the reusable pool (no reader ever observed them). Used when a
// nested write transaction aborts.
func (m *Manager) Rollback(mk Mark) {
	if mk.pending <= len(m.pending) {
		m.pending = m.pending[:mk.pending]
	}
	if mk.allocated <= len(m.txnAllocated) {
		m.reusable = append(m.reusable, m.txnAllocated[mk.allocated:]...)
		m.txnAllocated = m.txnAllocated[:mk.allocated]
	}
}

// Abort discards the pending-free list (those pages remain exactly as
// live as before this transaction) and hands every page the
// transaction itself allocated directly to the reusable pool, since
// no reader ever observed them.
func (m *Manager) Abort() {
	m.pending = m.pending[:0]
	m.reusable = append(m.reusable, m.txnAllocated...)
	m.txnAllocated = m.txnAllocated[:0]
}

// DeferredCount reports how many freed-page batches (one per
// committing transaction) still sit in the on-disk chain awaiting a
// sweep. With every reader released this collapses to at most one:
// the batch of the commit that just retired its predecessor pages.
func (m *Manager) DeferredCount() (int, error) {
	count := 0
	head := m.head
	for head != 0 {
		buf, err := m.alloc.Resolve(head)
		if err != nil {
			return count, err
		}
		rec, err := kvpage.DecodeFreeList(buf)
		if err != nil {
			return count, err
		}
		count++
		head = rec.Next
	}
	return count, nil
}
