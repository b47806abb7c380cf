package kv

import (
	"bytes"

	"github.com/lambkin-lang/sapling/btree"
	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/freelist"
	"github.com/lambkin-lang/sapling/kvpage"
)

// Txn is a read-only snapshot or a single write transaction. A write
// Txn implements btree.PageSource by overlaying this transaction's
// own allocations on top of the durable store: new pages are
// visible only to this Txn until Commit, the same staged-updates-map
// shape generalised to a pluggable pagestore.Allocator instead of a
// raw mmap offset.
type Txn struct {
	db *DB
	readOnly bool

	meta kvpage.Meta
	startMeta kvpage.Meta // snapshot at begin, for watcher diffing
	rd *reader // non-nil for top-level txns, for watermark pinning
	newID uint64 // this write txn's id (0 for read txns)

	parent *Txn // non-nil for nested write txns
	child *Txn // the one in-progress nested txn, if any
	flMark freelist.Mark // nested only: rollback point for Abort

	overlay map[kvpage.PageID][]byte
	dirty [kvpage.MaxDBI]bool
	changed []change
}

type change struct {
	dbi int
	key []byte
	value []byte
	deleted bool
}

// BeginRead opens a read-only snapshot of the current committed
// state. It never blocks on the writer gate.
func (db *DB) BeginRead() *Txn {
	db.mu.Lock()
	m := db.meta
	txnID := db.txnID
	db.mu.Unlock()
	tx := &Txn{db: db, readOnly: true, meta: m, startMeta: m}
	tx.rd = db.pin(txnID)
	return tx
}

// BeginWrite starts the sole in-progress write transaction, blocking
// until any other write transaction commits or aborts. It sweeps the
// free list against the current reader watermark before handing out
// the first allocation.
func (db *DB) BeginWrite() *Txn {
	db.writer.Lock()
	return db.beginWriteLocked()
}

// TryBeginWrite is BeginWrite without the blocking: if another write
// transaction is in progress it fails immediately with errs.ErrBusy,
// which the attempt engine treats as retryable.
func (db *DB) TryBeginWrite() (*Txn, error) {
	if !db.writer.TryLock() {
		return nil, errs.ErrBusy
	}
	return db.beginWriteLocked(), nil
}

func (db *DB) beginWriteLocked() *Txn {
	db.mu.Lock()
	m := db.meta
	newID := db.txnID + 1
	db.mu.Unlock()

	db.fl.BeginWrite()
	_ = db.fl.Sweep(db.watermark())

	tx := &Txn{db: db, meta: m, startMeta: m, newID: newID, overlay: map[kvpage.PageID][]byte{}}
	tx.rd = db.pin(newID)
	return tx
}

// BeginNested starts a nested write transaction under tx: it shares
// the parent's transaction ID (the global counter does not advance),
// starts from the parent's working state, and stays invisible to the
// parent until Commit merges it back. Aborting discards its staged
// pages without touching the parent's. Only one nested child may be
// open at a time; a second BeginNested fails with errs.ErrBusy.
func (tx *Txn) BeginNested() (*Txn, error) {
	if tx.readOnly {
		return nil, errs.ErrReadOnly
	}
	if tx.child != nil {
		return nil, errs.ErrBusy
	}
	child := &Txn{
		db: tx.db,
		meta: tx.meta,
		startMeta: tx.meta,
		newID: tx.newID,
		parent: tx,
		flMark: tx.db.fl.Mark(),
		overlay: map[kvpage.PageID][]byte{},
	}
	tx.child = child
	return child, nil
}

// --- btree.PageSource ---

func (tx *Txn) PageSize() int { return tx.db.pageSize }

func (tx *Txn) TxnID() uint64 {
	if tx.readOnly {
		return tx.meta.TxnID
	}
	return tx.newID
}

func (tx *Txn) Read(id kvpage.PageID) ([]byte, error) {
	for t := tx; t != nil; t = t.parent {
		if t.overlay != nil {
			if buf, ok := t.overlay[id]; ok {
				return buf, nil
			}
		}
	}
	return tx.db.alloc.Resolve(id)
}

func (tx *Txn) Alloc() (kvpage.PageID, []byte, error) {
	if tx.readOnly {
		return 0, nil, errs.ErrReadOnly
	}
	id, buf, err := tx.db.fl.Allocate()
	if err != nil {
		return 0, nil, err
	}
	tx.overlay[id] = buf
	return id, buf, nil
}

func (tx *Txn) Free(id kvpage.PageID) {
	if tx.readOnly {
		return
	}
	tx.db.fl.Free(id)
	delete(tx.overlay, id)
}

// --- per-DBI operations ---

func (tx *Txn) tree(dbi int) *btree.Tree {
	return &btree.Tree{
		Source: tx,
		Cmp: tx.db.dbiCmp[dbi],
		Root: tx.meta.DBIs[dbi].Root,
		DupSort: tx.meta.DBIs[dbi].Flags&kvpage.DBIFlagDupSort != 0,
	}
}

func (tx *Txn) Get(dbi int, key []byte) ([]byte, error) {
	return tx.tree(dbi).Get(key)
}

// Put writes key/value into dbi, honouring btree.PutNoOverwrite /
// btree.PutReserveSpace flags.
func (tx *Txn) Put(dbi int, key, value []byte, flags uint32) error {
	if tx.readOnly {
		return errs.ErrReadOnly
	}
	t := tx.tree(dbi)
	if err := t.Put(key, value, flags); err != nil {
		return err
	}
	tx.meta.DBIs[dbi].Root = t.Root
	tx.dirty[dbi] = true
	stored := value
	if flags&btree.PutReserveSpace != 0 {
		stored = make([]byte, len(value))
	}
	tx.changed = append(tx.changed, change{dbi: dbi, key: append([]byte(nil), key...), value: append([]byte(nil), stored...)})
	return nil
}

// PutDup adds value to key's duplicate set on a DUPSORT dbi.
func (tx *Txn) PutDup(dbi int, key, value []byte) error {
	if tx.readOnly {
		return errs.ErrReadOnly
	}
	t := tx.tree(dbi)
	if err := t.PutDup(key, value); err != nil {
		return err
	}
	tx.meta.DBIs[dbi].Root = t.Root
	tx.dirty[dbi] = true
	tx.changed = append(tx.changed, change{dbi: dbi, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

// Del removes key (and, on a DUPSORT dbi, every duplicate value under
// it; see DelDup for removing a single duplicate).
func (tx *Txn) Del(dbi int, key []byte) error {
	if tx.readOnly {
		return errs.ErrReadOnly
	}
	t := tx.tree(dbi)
	if err := t.Del(key); err != nil {
		return err
	}
	tx.meta.DBIs[dbi].Root = t.Root
	tx.dirty[dbi] = true
	tx.changed = append(tx.changed, change{dbi: dbi, key: append([]byte(nil), key...), deleted: true})
	return nil
}

// DelDup removes a single duplicate value from key's set.
func (tx *Txn) DelDup(dbi int, key, value []byte) error {
	if tx.readOnly {
		return errs.ErrReadOnly
	}
	t := tx.tree(dbi)
	if err := t.DelDup(key, value); err != nil {
		return err
	}
	tx.meta.DBIs[dbi].Root = t.Root
	tx.dirty[dbi] = true
	tx.changed = append(tx.changed, change{dbi: dbi, key: append([]byte(nil), key...)})
	return nil
}

func (tx *Txn) CountDup(dbi int, key []byte) (int, error) { return tx.tree(dbi).CountDup(key) }
func (tx *Txn) AllDup(dbi int, key []byte) ([][]byte, error) { return tx.tree(dbi).AllDup(key) }

func (tx *Txn) Cursor(dbi int) *btree.Cursor { return btree.NewCursor(tx.tree(dbi)) }

// Tree exposes the underlying btree.Tree for dbi, for callers (such
// as the checkpoint codec) that need to walk every reachable page.
func (tx *Txn) Tree(dbi int) *btree.Tree { return tx.tree(dbi) }

// Meta returns a copy of this transaction's working meta record.
func (tx *Txn) Meta() kvpage.Meta { return tx.meta }

func (tx *Txn) CountRange(dbi int, lo, hi []byte) (int, error) {
	return tx.tree(dbi).CountRange(lo, hi)
}

func (tx *Txn) DelRange(dbi int, lo, hi []byte) (int, error) {
	if tx.readOnly {
		return 0, errs.ErrReadOnly
	}
	t := tx.tree(dbi)
	n, err := t.DelRange(lo, hi)
	if err != nil {
		return 0, err
	}
	tx.meta.DBIs[dbi].Root = t.Root
	tx.dirty[dbi] = true
	return n, nil
}

// RangeScan returns every (key, value) pair in [lo, hi) in sorted
// order.
func (tx *Txn) RangeScan(dbi int, lo, hi []byte) ([]btree.KV, error) {
	return tx.tree(dbi).RangeScan(lo, hi)
}

// LoadSorted bulk-inserts pairs, already in strictly increasing key
// order, into dbi.
func (tx *Txn) LoadSorted(dbi int, pairs []btree.KV) error {
	if tx.readOnly {
		return errs.ErrReadOnly
	}
	t := tx.tree(dbi)
	if err := t.LoadSorted(pairs); err != nil {
		return err
	}
	tx.meta.DBIs[dbi].Root = t.Root
	tx.dirty[dbi] = true
	return nil
}

// PutIf performs a compare-and-swap write on dbi.
func (tx *Txn) PutIf(dbi int, key, expected, value []byte, flags uint32) error {
	if tx.readOnly {
		return errs.ErrReadOnly
	}
	t := tx.tree(dbi)
	if err := t.PutIf(key, expected, value, flags); err != nil {
		return err
	}
	tx.meta.DBIs[dbi].Root = t.Root
	tx.dirty[dbi] = true
	return nil
}

// Merge folds operand into key's current value on dbi via fn.
func (tx *Txn) Merge(dbi int, key, operand []byte, fn btree.MergeFunc) error {
	if tx.readOnly {
		return errs.ErrReadOnly
	}
	t := tx.tree(dbi)
	if err := t.Merge(key, operand, fn); err != nil {
		return err
	}
	tx.meta.DBIs[dbi].Root = t.Root
	tx.dirty[dbi] = true
	return nil
}

// Commit durably installs this write transaction's changes: it
// recomputes entry counts for touched DBIs, folds freed pages into
// the free list under this transaction's ID, writes the new meta
// record to the non-current slot, and finally fires any matching
// watchers. It is a no-op (other than releasing the
// reader pin) for a read-only Txn.
func (tx *Txn) Commit() error {
	if tx.parent != nil {
		return tx.commitNested()
	}
	if tx.child != nil {
		// Precondition failure: the transaction stays open so the
		// caller can resolve the child and retry.
		return errs.ErrBusy
	}
	defer tx.end()
	if tx.readOnly {
		return nil
	}
	for i := range tx.dirty {
		if !tx.dirty[i] {
			continue
		}
		n, err := tx.tree(i).CountRange(nil, nil)
		if err != nil {
			tx.db.fl.Abort()
			return err
		}
		tx.meta.DBIs[i].EntryCount = uint64(n)
	}

	newRoot, err := tx.db.fl.Commit(tx.newID)
	if err != nil {
		return err
	}
	tx.meta.FreeListRoot = newRoot
	tx.meta.TxnID = tx.newID

	newSlot := 1 - tx.db.metaSlot
	if err := tx.db.writeMetaSlot(newSlot, &tx.meta); err != nil {
		return err
	}

	tx.db.mu.Lock()
	tx.db.meta = tx.meta
	tx.db.metaSlot = newSlot
	tx.db.txnID = tx.newID
	tx.db.mu.Unlock()

	tx.notifyWatchers()
	return nil
}

// commitNested merges this nested transaction back into its parent:
// the parent adopts the child's working meta (roots, counts), page
// overlay, dirty set, and change log. Nothing becomes durable until
// the top-level Commit.
func (tx *Txn) commitNested() error {
	if tx.child != nil {
		return errs.ErrBusy
	}
	p := tx.parent
	for id, buf := range tx.overlay {
		p.overlay[id] = buf
	}
	p.meta = tx.meta
	for i := range tx.dirty {
		if tx.dirty[i] {
			p.dirty[i] = true
		}
	}
	p.changed = append(p.changed, tx.changed...)
	p.child = nil
	tx.parent = nil
	return nil
}

// notifyWatchers fires each DBI's watch registry once per key whose
// final committed value differs from the value visible in the
// snapshot this transaction began on. Intermediate states (a put
// later deleted, a delete later re-put to the original value) are
// not reported. Only keys written through Put, PutDup, Del and DelDup
// enter the change log; keys written by PutIf, Merge, LoadSorted or
// DelRange are not reported.
func (tx *Txn) notifyWatchers() {
	if len(tx.changed) == 0 {
		return
	}
	type finalKey struct {
		dbi int
		key string
	}
	final := map[finalKey]change{}
	order := make([]finalKey, 0, len(tx.changed))
	for _, c := range tx.changed {
		fk := finalKey{dbi: c.dbi, key: string(c.key)}
		if _, seen := final[fk]; !seen {
			order = append(order, fk)
		}
		final[fk] = c
	}
	for _, fk := range order {
		c := final[fk]
		old, err := tx.snapshotTree(c.dbi).Get(c.key)
		hadOld := err == nil
		switch {
		case c.deleted && !hadOld:
			continue
		case !c.deleted && hadOld && bytes.Equal(old, c.value):
			continue
		}
		tx.db.watchers[c.dbi].Notify(c.key, c.value, c.deleted)
	}
}

// snapshotTree reads a DBI as of the transaction's begin snapshot.
// Safe during the transaction: copy-on-write means no page reachable
// from startMeta is rewritten before the next writer's sweep.
func (tx *Txn) snapshotTree(dbi int) *btree.Tree {
	return &btree.Tree{
		Source: snapshotSource{tx},
		Cmp: tx.db.dbiCmp[dbi],
		Root: tx.startMeta.DBIs[dbi].Root,
		DupSort: tx.startMeta.DBIs[dbi].Flags&kvpage.DBIFlagDupSort != 0,
	}
}

// snapshotSource is a read-only PageSource over the begin snapshot,
// bypassing the in-progress overlay.
type snapshotSource struct{ tx *Txn }

func (s snapshotSource) PageSize() int { return s.tx.db.pageSize }
func (s snapshotSource) TxnID() uint64 { return s.tx.startMeta.TxnID }
func (s snapshotSource) Read(id kvpage.PageID) ([]byte, error) { return s.tx.db.alloc.Resolve(id) }
func (s snapshotSource) Alloc() (kvpage.PageID, []byte, error) { return 0, nil, errs.ErrReadOnly }
func (s snapshotSource) Free(kvpage.PageID) {}

// Abort discards every change made in this write transaction. Pages
// it allocated directly are recycled; pages it retired remain live.
// For a nested transaction only its own staging since BeginNested is
// undone; the parent continues unaffected.
func (tx *Txn) Abort() {
	if tx.parent != nil {
		tx.db.fl.Rollback(tx.flMark)
		tx.parent.child = nil
		tx.parent = nil
		return
	}
	defer tx.end()
	if !tx.readOnly {
		tx.db.fl.Abort()
	}
}

func (tx *Txn) end() {
	tx.db.unpin(tx.rd)
	if !tx.readOnly {
		tx.db.writer.Unlock()
	}
}
