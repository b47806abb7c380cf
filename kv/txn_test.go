package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kv"
	"github.com/lambkin-lang/sapling/pagestore"
)

func TestReadOnlyTxnRejectsWrites(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "ro", false)

	rtx := db.BeginRead()
	defer rtx.Abort()
	assert.ErrorIs(t, rtx.Put(dbi, []byte("k"), []byte("v"), 0), errs.ErrReadOnly)
	assert.ErrorIs(t, rtx.Del(dbi, []byte("k")), errs.ErrReadOnly)
	_, err := rtx.DelRange(dbi, nil, nil)
	assert.ErrorIs(t, err, errs.ErrReadOnly)
}

func TestTryBeginWriteBusyUnderContention(t *testing.T) {
	db := openTestDB(t)

	wtx := db.BeginWrite()
	_, err := db.TryBeginWrite()
	assert.ErrorIs(t, err, errs.ErrBusy)
	wtx.Abort()

	wtx2, err := db.TryBeginWrite()
	require.NoError(t, err)
	wtx2.Abort()
}

func TestNestedCommitMergesIntoParent(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "nest", false)

	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("outer"), []byte("1"), 0))

	child, err := wtx.BeginNested()
	require.NoError(t, err)
	require.NoError(t, child.Put(dbi, []byte("inner"), []byte("2"), 0))

	// The child sees its own write and the parent's.
	v, err := child.Get(dbi, []byte("outer"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, child.Commit())

	// After merge the parent reads the child's write.
	v, err = wtx.Get(dbi, []byte("inner"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
	require.NoError(t, wtx.Commit())

	rtx := db.BeginRead()
	defer rtx.Abort()
	v, err = rtx.Get(dbi, []byte("inner"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestNestedAbortLeavesParentUntouched(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "nestabort", false)

	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("outer"), []byte("1"), 0))

	child, err := wtx.BeginNested()
	require.NoError(t, err)
	require.NoError(t, child.Put(dbi, []byte("inner"), []byte("2"), 0))
	require.NoError(t, child.Del(dbi, []byte("outer")))
	child.Abort()

	v, err := wtx.Get(dbi, []byte("outer"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
	_, err = wtx.Get(dbi, []byte("inner"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, wtx.Commit())
}

func TestSecondNestedWhileChildOpenIsBusy(t *testing.T) {
	db := openTestDB(t)

	wtx := db.BeginWrite()
	defer wtx.Abort()
	child, err := wtx.BeginNested()
	require.NoError(t, err)
	_, err = wtx.BeginNested()
	assert.ErrorIs(t, err, errs.ErrBusy)
	child.Abort()

	child2, err := wtx.BeginNested()
	require.NoError(t, err)
	child2.Abort()
}

func TestCommitWithOpenChildIsBusy(t *testing.T) {
	db := openTestDB(t)

	wtx := db.BeginWrite()
	child, err := wtx.BeginNested()
	require.NoError(t, err)
	assert.ErrorIs(t, wtx.Commit(), errs.ErrBusy)
	child.Abort()
	require.NoError(t, wtx.Commit())
}

func TestWatcherSkipsKeysRestoredToSnapshotValue(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "watchfinal", false)

	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("stable"), []byte("v"), 0))
	require.NoError(t, wtx.Commit())

	var events []string
	_, err := db.Watch(dbi).Register(context.Background(), nil, func(key, value []byte, deleted bool) {
		events = append(events, string(key))
	})
	require.NoError(t, err)

	// stable is rewritten to its snapshot value; transient is put then
	// deleted. Neither differs from the begin snapshot at commit, so
	// only changed is reported.
	wtx = db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("stable"), []byte("v"), 0))
	require.NoError(t, wtx.Put(dbi, []byte("transient"), []byte("x"), 0))
	require.NoError(t, wtx.Del(dbi, []byte("transient")))
	require.NoError(t, wtx.Put(dbi, []byte("changed"), []byte("y"), 0))
	require.NoError(t, wtx.Commit())

	assert.Equal(t, []string{"changed"}, events)
}

func TestOpenDBIAtBindsFixedSlotsAcrossReopen(t *testing.T) {
	store := pagestore.NewDefaultStore(4096)
	db, err := kv.Open(store, 4096)
	require.NoError(t, err)
	require.NoError(t, db.OpenDBIAt(3, "fixed", false))

	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(3, []byte("k"), []byte("v"), 0))
	require.NoError(t, wtx.Commit())

	// A second handle over the same store finds the data at the same
	// slot once the binding is re-declared.
	db2, err := kv.Open(store, 4096)
	require.NoError(t, err)
	require.NoError(t, db2.OpenDBIAt(3, "fixed", false))

	rtx := db2.BeginRead()
	defer rtx.Abort()
	v, err := rtx.Get(3, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	// Re-binding the slot under another name in the same process is
	// rejected; adopting it with the wrong flags from a fresh handle
	// is a conflict.
	assert.ErrorIs(t, db2.OpenDBIAt(3, "fixed-dup", true), errs.ErrExists)
	db3, err := kv.Open(store, 4096)
	require.NoError(t, err)
	assert.ErrorIs(t, db3.OpenDBIAt(3, "fixed", true), errs.ErrConflict)
}

func TestAbortDiscardsWrites(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "abort", false)

	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("k"), []byte("v"), 0))
	wtx.Abort()

	rtx := db.BeginRead()
	defer rtx.Abort()
	_, err := rtx.Get(dbi, []byte("k"))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestReaderSnapshotIsolation(t *testing.T) {
	db := openTestDB(t)
	dbi := mustDBI(t, db, "iso", false)

	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("k"), []byte("v1"), 0))
	require.NoError(t, wtx.Commit())

	rtx := db.BeginRead()
	defer rtx.Abort()

	wtx = db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("k"), []byte("v2"), 0))
	require.NoError(t, wtx.Commit())

	// The pinned reader still observes its begin snapshot.
	v, err := rtx.Get(dbi, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	rtx2 := db.BeginRead()
	defer rtx2.Abort()
	v, err = rtx2.Get(dbi, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}
