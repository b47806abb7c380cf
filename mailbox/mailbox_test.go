package mailbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kv"
	"github.com/lambkin-lang/sapling/mailbox"
	"github.com/lambkin-lang/sapling/pagestore"
	"github.com/lambkin-lang/sapling/runner"
)

func openTestMailbox(t *testing.T) (*kv.DB, *mailbox.Mailbox, *runner.Engine) {
	t.Helper()
	db, err := kv.Open(pagestore.NewDefaultStore(4096), 4096)
	require.NoError(t, err)
	mb, err := mailbox.Open(db)
	require.NoError(t, err)
	engine := runner.New(db, runner.Config{})
	return db, mb, engine
}

func run(t *testing.T, engine *runner.Engine, mb *mailbox.Mailbox, fn runner.Handler) error {
	t.Helper()
	_, err := engine.Run(context.Background(), fn, mb.Dispatch)
	return err
}

// Lease takeover after deadline.
func TestLeaseTakeoverAfterDeadline(t *testing.T) {
	_, mb, engine := openTestMailbox(t)

	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.InboxPut(stack, mb, 7, 1, []byte("frame"))
	}))

	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.Claim(stack, mb, 7, 1, 7, 100, 150)
	}))

	err := run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.Claim(stack, mb, 7, 1, 8, 120, 220)
	})
	assert.ErrorIs(t, err, errs.ErrBusy)

	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.Claim(stack, mb, 7, 1, 8, 200, 260)
	}))

	rtx := mb.ReadTxn()
	defer rtx.Abort()
	leaseBytes, err := rtx.Get(mb.LeasesDBI(), mailbox.InboxKey(7, 1))
	require.NoError(t, err)
	lease, err := mailbox.DecodeLease(leaseBytes)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), lease.Attempts)
	assert.Equal(t, uint64(8), lease.Owner)
}

// Dead-letter cycle.
func TestDeadLetterCycle(t *testing.T) {
	_, mb, engine := openTestMailbox(t)

	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.InboxPut(stack, mb, 7, 2, []byte("frame"))
	}))
	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.Claim(stack, mb, 7, 2, 7, 0, 1000)
	}))

	var leaseBytes []byte
	rtx := mb.ReadTxn()
	var err error
	leaseBytes, err = rtx.Get(mb.LeasesDBI(), mailbox.InboxKey(7, 2))
	require.NoError(t, err)
	rtx.Abort()

	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.MoveToDeadLetter(stack, mb, 7, 2, leaseBytes, int32(errs.Conflict), 3)
	}))

	rtx = mb.ReadTxn()
	_, err = rtx.Get(mb.InboxDBI(), mailbox.InboxKey(7, 2))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = rtx.Get(mb.LeasesDBI(), mailbox.InboxKey(7, 2))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	dlqBytes, err := rtx.Get(mb.DeadLetterDBI(), mailbox.InboxKey(7, 2))
	require.NoError(t, err)
	rtx.Abort()

	rec, err := mailbox.DecodeDeadLetter(dlqBytes)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rec.Attempts)
	assert.Equal(t, int32(errs.Conflict), rec.FailureCode)
	assert.Equal(t, []byte("frame"), rec.Frame)

	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.ReplayDeadLetter(stack, mb, 7, 2, 30)
	}))

	rtx = mb.ReadTxn()
	defer rtx.Abort()
	_, err = rtx.Get(mb.DeadLetterDBI(), mailbox.InboxKey(7, 2))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	frame, err := rtx.Get(mb.InboxDBI(), mailbox.InboxKey(7, 30))
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), frame)
}

// Timer ordering.
func TestTimerOrdering(t *testing.T) {
	_, mb, engine := openTestMailbox(t)

	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.TimerAppend(stack, mb, 100, 2, []byte("a"))
	}))
	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.TimerAppend(stack, mb, 90, 1, []byte("b"))
	}))
	require.NoError(t, run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.TimerAppend(stack, mb, 110, 1, []byte("c"))
	}))

	var processed [][]byte
	n, err := mb.TimerDrainDue(context.Background(), 100, 8, func(ctx context.Context, dueTs int64, seq uint64, payload []byte) error {
		processed = append(processed, append([]byte(nil), payload...))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("a")}, processed)

	rtx := mb.ReadTxn()
	defer rtx.Abort()
	v, err := rtx.Get(mb.TimersDBI(), mailbox.TimerKey(110, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), v)
}

// Dedupe: two successive dispatches of the same message ID with the
// dedupe flag set invoke the user handler exactly once.
func TestDedupeGuardSkipsSecondDispatch(t *testing.T) {
	_, mb, engine := openTestMailbox(t)

	msgID := []byte("fixed-message-id")
	invocations := 0
	dispatch := func(seq uint64) error {
		return run(t, engine, mb, func(ctx context.Context, stack *runner.Stack) error {
			hit, err := mailbox.DedupeGuard(stack, mb, msgID)
			if err != nil {
				return err
			}
			if hit {
				return nil
			}
			invocations++
			mailbox.StageDedupeAccept(stack, mb, msgID, 1000)
			return nil
		})
	}

	require.NoError(t, dispatch(1))
	require.NoError(t, dispatch(2))
	assert.Equal(t, 1, invocations)
}
