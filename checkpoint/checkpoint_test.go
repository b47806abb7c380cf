package checkpoint_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/checkpoint"
	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kv"
	"github.com/lambkin-lang/sapling/pagestore"
)

func TestRoundTrip(t *testing.T) {
	const pageSize = 4096
	db, err := kv.Open(pagestore.NewDefaultStore(pageSize), pageSize)
	require.NoError(t, err)
	require.NoError(t, db.CreateDBI("a", false))
	dbi, err := db.DBI("a")
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		wtx := db.BeginWrite()
		require.NoError(t, wtx.Put(dbi, []byte{byte(i), byte(i >> 8)}, bytes.Repeat([]byte{byte(i)}, 20), 0))
		require.NoError(t, wtx.Commit())
	}

	var buf bytes.Buffer
	require.NoError(t, checkpoint.Write(db, &buf))

	restored, err := checkpoint.Restore(pagestore.NewDefaultStore(pageSize), pageSize, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	// DBI names are process-local; a restored handle re-declares the
	// slot binding and finds the data at the same index.
	require.NoError(t, restored.OpenDBIAt(dbi, "a", false))
	ridx, err := restored.DBI("a")
	require.NoError(t, err)

	rtx := restored.BeginRead()
	defer rtx.Abort()
	for i := 0; i < 40; i++ {
		v, err := rtx.Get(ridx, []byte{byte(i), byte(i >> 8)})
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 20), v)
	}
}

func TestRestoreRejectsCorruptMagic(t *testing.T) {
	const pageSize = 4096
	_, err := checkpoint.Restore(pagestore.NewDefaultStore(pageSize), pageSize, bytes.NewReader([]byte("not a checkpoint stream")))
	assert.ErrorIs(t, err, errs.ErrCorrupt)
}

func TestRestoreRejectsTruncatedStream(t *testing.T) {
	const pageSize = 4096
	db, err := kv.Open(pagestore.NewDefaultStore(pageSize), pageSize)
	require.NoError(t, err)
	require.NoError(t, db.CreateDBI("a", false))
	dbi, err := db.DBI("a")
	require.NoError(t, err)
	wtx := db.BeginWrite()
	require.NoError(t, wtx.Put(dbi, []byte("k"), []byte("v"), 0))
	require.NoError(t, wtx.Commit())

	var buf bytes.Buffer
	require.NoError(t, checkpoint.Write(db, &buf))

	truncated := buf.Bytes()[:buf.Len()-5]
	_, err = checkpoint.Restore(pagestore.NewDefaultStore(pageSize), pageSize, bytes.NewReader(truncated))
	assert.ErrorIs(t, err, errs.ErrTruncated)
}
