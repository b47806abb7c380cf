package kv

import "container/heap"

// reader is one live read-only snapshot, pinned at the transaction ID
// that was current when it began. The free-list manager may not
// reclaim any page freed at or after the oldest reader's pin,
// generalising a flat-tree reader list into one that pins a whole
// meta snapshot.
type reader struct {
	txnID uint64
	index int
}

// readerHeap is a min-heap over reader.txnID, so the oldest pinned
// snapshot is always readerHeap[0].
type readerHeap []*reader

func (h readerHeap) Len() int { return len(h) }
func (h readerHeap) Less(i, j int) bool { return h[i].txnID < h[j].txnID }
func (h readerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *readerHeap) Push(x interface{}) {
	r := x.(*reader)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *readerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	r.index = -1
	*h = old[:n-1]
	return r
}

// pin registers a new reader at txnID and returns its heap handle.
func (db *DB) pin(txnID uint64) *reader {
	db.mu.Lock()
	defer db.mu.Unlock()
	r := &reader{txnID: txnID}
	heap.Push(&db.readers, r)
	return r
}

// unpin removes r from the active-reader heap.
func (db *DB) unpin(r *reader) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if r.index >= 0 && r.index < len(db.readers) {
		heap.Remove(&db.readers, r.index)
	}
}

// watermark returns the oldest pinned reader's txnID, or the next
// write transaction's id if no reader is active (nothing can observe
// pages freed up to and including the current committed state).
func (db *DB) watermark() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.readers) > 0 {
		return db.readers[0].txnID
	}
	return db.txnID + 1
}
