// Package kv is Sapling's meta/version and transaction manager: it
// owns the two alternating meta pages, the reader-pinned free-list
// sweep, and the single-writer/multi-reader transaction lifecycle
// that btree.Tree operations run inside.
//
// A writer mutex serialises write transactions, a transaction ID
// counter and a min-heap of active reader snapshots gate free-page
// reclamation, and a transaction stages its page mutations in an
// overlay before they become visible to new readers at commit. The
// whole layer keys off a Meta struct holding one root per DBI and a
// pluggable pagestore.Allocator.
package kv

import (
	"fmt"
	"sync"

	"github.com/lambkin-lang/sapling/btree"
	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/freelist"
	"github.com/lambkin-lang/sapling/kvpage"
	"github.com/lambkin-lang/sapling/pagestore"
)

// metaPageIDs are the two fixed physical pages the meta record
// alternates between.
var metaPageIDs = [2]pagestore.PageID{0, 1}

// DB is an open Sapling storage engine instance, bound to one
// pagestore.Allocator and a fixed page size chosen at creation.
type DB struct {
	alloc pagestore.Allocator
	pageSize int

	mu     sync.Mutex // protects meta/readers/txnID
	writer sync.Mutex // single-writer gate

	meta kvpage.Meta
	metaSlot int // 0 or 1: which of metaPageIDs currently holds meta
	txnID uint64

	fl *freelist.Manager

	readers readerHeap

	dbiNames [kvpage.MaxDBI]string
	dbiIndex map[string]int
	dbiCmp [kvpage.MaxDBI]btree.Comparator
	watchers [kvpage.MaxDBI]*btree.WatchRegistry
}

// Open initialises a fresh DB on alloc, or resumes one previously
// opened on it: it reads both meta pages, validates each (magic +
// checksum), and adopts the higher valid transaction ID as current.
// If neither page resolves, a brand-new DB is created with
// transaction ID 0 and every DBI slot empty.
func Open(alloc pagestore.Allocator, pageSize int) (*DB, error) {
	db := &DB{alloc: alloc, pageSize: pageSize, dbiIndex: map[string]int{}}

	metas := [2]*kvpage.Meta{}
	anyFound := false
	for i, id := range metaPageIDs {
		buf, err := alloc.Resolve(id)
		if err != nil {
			continue
		}
		m, err := kvpage.DecodeMeta(buf)
		if err != nil {
			continue
		}
		if m.PageSize != uint16(pageSize) {
			return nil, fmt.Errorf("kv: stored page size %d does not match %d: %w", m.PageSize, pageSize, errs.ErrCorrupt)
		}
		metas[i] = m
		anyFound = true
	}

	if !anyFound {
		for _, id := range metaPageIDs {
			allocated, _, err := alloc.Allocate(pageSize)
			if err != nil {
				return nil, err
			}
			if allocated != id {
				return nil, fmt.Errorf("kv: fresh allocator did not hand out meta pages 0 and 1 first: %w", errs.ErrDB)
			}
		}
		fresh := kvpage.Meta{PageSize: uint16(pageSize), MajorVersion: kvpage.FormatMajor, MinorVersion: kvpage.FormatMinor}
		if err := db.writeMetaSlot(0, &fresh); err != nil {
			return nil, err
		}
		db.meta = fresh
		db.metaSlot = 0
		db.txnID = 0
	} else {
		slot := 0
		if metas[0] == nil || (metas[1] != nil && metas[1].TxnID > metas[0].TxnID) {
			slot = 1
		}
		db.meta = *metas[slot]
		db.metaSlot = slot
		db.txnID = db.meta.TxnID
	}

	db.fl = freelist.New(alloc, pageSize, db.meta.FreeListRoot)
	for i := range db.watchers {
		db.watchers[i] = btree.NewWatchRegistry()
	}
	return db, nil
}

func (db *DB) writeMetaSlot(slot int, m *kvpage.Meta) error {
	buf, err := db.alloc.Resolve(metaPageIDs[slot])
	if err != nil {
		return err
	}
	return kvpage.EncodeMeta(buf, m)
}

// CreateDBI registers a new logical database, failing with
// errs.ErrExists if name is already in use and errs.ErrFull if every
// DBI slot is occupied.
func (db *DB) CreateDBI(name string, dupSort bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.dbiIndex[name]; ok {
		return errs.ErrExists
	}
	slot := -1
	for i, s := range db.meta.DBIs {
		if !s.InUse {
			slot = i
			break
		}
	}
	if slot < 0 {
		return errs.ErrFull
	}
	var flags uint8
	if dupSort {
		flags |= kvpage.DBIFlagDupSort
	}
	db.meta.DBIs[slot] = kvpage.DBISlot{InUse: true, Flags: flags}
	db.dbiNames[slot] = name
	db.dbiIndex[name] = slot
	return nil
}

// OpenDBIAt binds name to a fixed slot index, the on-disk contract
// layers with reserved DBI numbering (such as the mailbox) rely on.
// On a fresh DB the slot is claimed; on a reopened or restored DB an
// in-use slot is adopted after its flags are checked against dupSort
// (errs.ErrConflict on mismatch). A slot already bound to a different
// name in this process fails with errs.ErrExists.
func (db *DB) OpenDBIAt(slot int, name string, dupSort bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if slot < 0 || slot >= kvpage.MaxDBI {
		return errs.ErrFull
	}
	var flags uint8
	if dupSort {
		flags |= kvpage.DBIFlagDupSort
	}
	if existing, ok := db.dbiIndex[name]; ok {
		if existing != slot {
			return errs.ErrExists
		}
		return nil
	}
	s := db.meta.DBIs[slot]
	if s.InUse {
		if db.dbiNames[slot] != "" && db.dbiNames[slot] != name {
			return errs.ErrExists
		}
		if s.Flags&kvpage.DBIFlagDupSort != flags&kvpage.DBIFlagDupSort {
			return errs.ErrConflict
		}
	} else {
		db.meta.DBIs[slot] = kvpage.DBISlot{InUse: true, Flags: flags}
	}
	db.dbiNames[slot] = name
	db.dbiIndex[name] = slot
	return nil
}

// DBI looks up a registered logical database's slot index.
func (db *DB) DBI(name string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	idx, ok := db.dbiIndex[name]
	if !ok {
		return 0, errs.ErrNotFound
	}
	return idx, nil
}

// SetComparator overrides the default lexicographic byte order for a
// DBI's keys.
func (db *DB) SetComparator(dbi int, cmp btree.Comparator) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.dbiCmp[dbi] = cmp
}

// Watch returns a DBI's watch registry, on which prefix watchers are
// registered; see btree.WatchRegistry.
func (db *DB) Watch(dbi int) *btree.WatchRegistry {
	return db.watchers[dbi]
}

// PageSize reports the fixed page size this DB was opened with.
func (db *DB) PageSize() int { return db.pageSize }

// TxnID reports the last committed transaction ID.
func (db *DB) TxnID() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.txnID
}

// Allocator exposes the backing pagestore.Allocator, for callers
// (such as the checkpoint codec) that need to read raw page bytes
// directly.
func (db *DB) Allocator() pagestore.Allocator { return db.alloc }

// FreelistStats exposes the free-list manager's corruption counters.
func (db *DB) FreelistStats() freelist.Stats { return db.fl.Stats() }

// DeferredPageCount reports how many freed-page batches still sit in
// the free-list chain awaiting a sweep past the reader watermark.
func (db *DB) DeferredPageCount() (int, error) { return db.fl.DeferredCount() }
