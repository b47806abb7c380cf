package sapling_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/mailbox"
	"github.com/lambkin-lang/sapling/runner"
	"github.com/lambkin-lang/sapling/sapling"
	"github.com/lambkin-lang/sapling/worker"
)

func TestEndToEndDispatch(t *testing.T) {
	db, err := sapling.Open(sapling.Options{})
	require.NoError(t, err)
	require.NoError(t, db.EnableMailbox())
	require.NoError(t, db.KV.CreateDBI("app", false))
	appDBI, err := db.KV.DBI("app")
	require.NoError(t, err)

	mb := db.Mailbox
	frame := &mailbox.Frame{Kind: mailbox.KindCommand, TargetWorker: 1, Payload: []byte("hello")}
	_, err = db.Run(context.Background(), func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.InboxPut(stack, mb, 1, 1, mailbox.EncodeFrame(frame))
	}, mb.Dispatch)
	require.NoError(t, err)

	var handled [][]byte
	w := db.NewWorker(1, worker.Policy{
		LeaseTTL: time.Minute,
		RetryBudget: 2,
		DeadLetterThreshold: 3,
		IdleSleepCap: time.Second,
		MaxBatch: 4,
	}, func(ctx context.Context, stack *runner.Stack, f *mailbox.Frame) error {
		handled = append(handled, f.Payload)
		stack.Put(appDBI, []byte("handled"), f.Payload)
		stack.EmitOutbox(0, []byte("published"))
		return nil
	}, worker.Config{})

	w.Tick(context.Background())

	require.Len(t, handled, 1)
	assert.Equal(t, []byte("hello"), handled[0])

	rtx := db.KV.BeginRead()
	defer rtx.Abort()
	v, err := rtx.Get(appDBI, []byte("handled"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)

	// The handler's outbox intent was published after commit.
	outbox, err := rtx.RangeScan(mb.OutboxDBI(), nil, nil)
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	assert.Equal(t, []byte("published"), outbox[0].Value)

	// The acked message leaves no inbox or lease entry behind.
	_, err = rtx.Get(mb.InboxDBI(), mailbox.InboxKey(1, 1))
	require.Error(t, err)
	_, err = rtx.Get(mb.LeasesDBI(), mailbox.InboxKey(1, 1))
	require.Error(t, err)
}

func TestCheckpointRestoreThroughFacade(t *testing.T) {
	db, err := sapling.Open(sapling.Options{PageSize: 1024})
	require.NoError(t, err)
	require.NoError(t, db.KV.CreateDBI("data", false))
	dbi, err := db.KV.DBI("data")
	require.NoError(t, err)

	wtx := db.KV.BeginWrite()
	for i := byte(0); i < 40; i++ {
		require.NoError(t, wtx.Put(dbi, []byte{'k', i}, bytes.Repeat([]byte{i}, 20), 0))
	}
	require.NoError(t, wtx.Commit())

	var buf bytes.Buffer
	require.NoError(t, db.Checkpoint(&buf))

	restored, err := sapling.Restore(sapling.Options{PageSize: 1024}, &buf)
	require.NoError(t, err)
	require.NoError(t, restored.KV.OpenDBIAt(dbi, "data", false))

	rtx := restored.KV.BeginRead()
	defer rtx.Abort()
	got, err := rtx.RangeScan(dbi, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 40)
	for i := byte(0); i < 40; i++ {
		assert.Equal(t, bytes.Repeat([]byte{i}, 20), got[i].Value)
	}
}
