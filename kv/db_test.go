package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/btree"
	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kv"
	"github.com/lambkin-lang/sapling/pagestore"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(pagestore.NewDefaultStore(4096), 4096)
	require.NoError(t, err)
	return db
}

func mustDBI(t *testing.T, db *kv.DB, name string, dupSort bool) int {
	t.Helper()
	err := db.CreateDBI(name, dupSort)
	require.NoError(t, err)
	idx, err := db.DBI(name)
	require.NoError(t, err)
	return idx
}

// Basic CRUD.
func TestBasicCRUD(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "kv", false)

	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("k"), []byte("v"), 0))
	require.NoError(t, wtx.Commit())

	rtx := db.BeginRead()
	v, err := rtx.Get(dbi, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	rtx.Abort()

	wtx = db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("k"), []byte("w"), 0))
	require.NoError(t, wtx.Commit())

	rtx = db.BeginRead()
	v, err = rtx.Get(dbi, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("w"), v)
	rtx.Abort()

	wtx = db.BeginWrite()
	require.NoError(t, wtx.Del(dbi, []byte("k")))
	require.NoError(t, wtx.Commit())

	rtx = db.BeginRead()
	_, err = rtx.Get(dbi, []byte("k"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	rtx.Abort()
}

func TestCreateDBIDuplicateFails(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateDBI("dup", false))
	err := db.CreateDBI("dup", false)
	assert.ErrorIs(t, err, errs.ErrExists)
}

func TestDupSortFullScanOrdering(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "dups", true)

	wtx := db.BeginWrite()
	for _, v := range []string{"c", "a", "b"} {
		require.NoError(t, wtx.PutDup(dbi, []byte("k1"), []byte(v)))
	}
	for _, v := range []string{"y", "x"} {
		require.NoError(t, wtx.PutDup(dbi, []byte("k2"), []byte(v)))
	}
	require.NoError(t, wtx.Commit())

	rtx := db.BeginRead()
	defer rtx.Abort()
	cur := rtx.Cursor(dbi)
	has, err := cur.First()
	require.NoError(t, err)

	var seen [][2]string
	for has {
		k, v, err := cur.Entry()
		require.NoError(t, err)
		seen = append(seen, [2]string{string(k), string(v)})
		has, err = cur.Next()
		require.NoError(t, err)
	}
	assert.Equal(t, [][2]string{
		{"k1", "a"}, {"k1", "b"}, {"k1", "c"},
		{"k2", "x"}, {"k2", "y"},
	}, seen)
}

func TestPutIfCompareAndSwap(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "cas", false)

	wtx := db.BeginWrite()
	require.NoError(t, wtx.PutIf(dbi, []byte("k"), nil, []byte("v1"), 0))
	require.NoError(t, wtx.Commit())

	wtx = db.BeginWrite()
	err := wtx.PutIf(dbi, []byte("k"), []byte("wrong"), []byte("v2"), 0)
	assert.ErrorIs(t, err, errs.ErrConflict)
	wtx.Abort()

	wtx = db.BeginWrite()
	require.NoError(t, wtx.PutIf(dbi, []byte("k"), []byte("v1"), []byte("v2"), 0))
	require.NoError(t, wtx.Commit())

	rtx := db.BeginRead()
	v, err := rtx.Get(dbi, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
	rtx.Abort()
}

func TestMergeReadModifyWrite(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "merge", false)

	sum := func(current, operand []byte) ([]byte, error) {
		if current == nil {
			return operand, nil
		}
		return append(append([]byte{}, current...), operand...), nil
	}

	wtx := db.BeginWrite()
	require.NoError(t, wtx.Merge(dbi, []byte("log"), []byte("a"), sum))
	require.NoError(t, wtx.Commit())

	wtx = db.BeginWrite()
	require.NoError(t, wtx.Merge(dbi, []byte("log"), []byte("b"), sum))
	require.NoError(t, wtx.Commit())

	rtx := db.BeginRead()
	v, err := rtx.Get(dbi, []byte("log"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), v)
	rtx.Abort()
}

func TestLoadSortedBulkInsert(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "bulk", false)

	pairs := []btree.KV{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}
	wtx := db.BeginWrite()
	require.NoError(t, wtx.LoadSorted(dbi, pairs))
	require.NoError(t, wtx.Commit())

	rtx := db.BeginRead()
	got, err := rtx.RangeScan(dbi, nil, nil)
	require.NoError(t, err)
	rtx.Abort()
	require.Len(t, got, 3)
	assert.Equal(t, "a", string(got[0].Key))
	assert.Equal(t, "c", string(got[2].Key))
}

func TestLoadSortedRejectsOutOfOrder(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "bulkbad", false)

	wtx := db.BeginWrite()
	err := wtx.LoadSorted(dbi, []btree.KV{
		{Key: []byte("b"), Value: []byte("1")},
		{Key: []byte("a"), Value: []byte("2")},
	})
	assert.ErrorIs(t, err, errs.ErrCorrupt)
	wtx.Abort()
}

func TestWatchNotifiesAndRejectsDuplicatePrefix(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "watched", false)

	var got [][]byte
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := db.Watch(dbi).Register(ctx, []byte("k"), func(key, value []byte, deleted bool) {
		got = append(got, append([]byte(nil), key...))
	})
	require.NoError(t, err)
	defer w.Close()

	_, err = db.Watch(dbi).Register(ctx, []byte("k"), func([]byte, []byte, bool) {})
	assert.ErrorIs(t, err, errs.ErrExists)

	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("key1"), []byte("v"), 0))
	require.NoError(t, wtx.Commit())

	require.Len(t, got, 1)
	assert.Equal(t, []byte("key1"), got[0])
}

// freelist_check invariant: zero out-of-bounds, zero null backings,
// zero cycles, across a sequence of transactions.
func TestFreelistCheckZeroCounters(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "fl", false)

	for i := 0; i < 50; i++ {
		wtx := db.BeginWrite()
		require.NoError(t, wtx.Put(dbi, []byte{byte(i)}, []byte("v"), 0))
		require.NoError(t, wtx.Commit())
	}
	for i := 0; i < 50; i++ {
		wtx := db.BeginWrite()
		require.NoError(t, wtx.Del(dbi, []byte{byte(i)}))
		require.NoError(t, wtx.Commit())
	}

	stats := db.FreelistStats()
	assert.Zero(t, stats.NextOutOfRange)
	assert.Zero(t, stats.NullHead)
	assert.Zero(t, stats.WalkInconsistent)
}

// With every reader released, the deferred page count collapses to
// at most one (the commit that just freed its own predecessor pages).
func TestDeferredPageCountCollapses(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "defer", false)

	for i := 0; i < 10; i++ {
		wtx := db.BeginWrite()
		require.NoError(t, wtx.Put(dbi, []byte{byte(i)}, []byte("v"), 0))
		require.NoError(t, wtx.Commit())
	}
	// All readers from those commits are released (Commit calls end()
	// which unpins); one more commit settles the watermark forward.
	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("last"), []byte("v"), 0))
	require.NoError(t, wtx.Commit())

	n, err := db.DeferredPageCount()
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 1)
}
