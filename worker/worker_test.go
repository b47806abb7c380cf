package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kv"
	"github.com/lambkin-lang/sapling/mailbox"
	"github.com/lambkin-lang/sapling/pagestore"
	"github.com/lambkin-lang/sapling/runner"
	"github.com/lambkin-lang/sapling/worker"
)

func newTestWorker(t *testing.T, policy worker.Policy, handler worker.Handler, cfg worker.Config) (*kv.DB, *mailbox.Mailbox, *runner.Engine, *worker.Worker) {
	t.Helper()
	db, err := kv.Open(pagestore.NewDefaultStore(4096), 4096)
	require.NoError(t, err)
	mb, err := mailbox.Open(db)
	require.NoError(t, err)
	engine := runner.New(db, runner.Config{MaxRetries: 5, InitialBackoffMicros: 1, MaxBackoffMicros: 10})
	w := worker.New(1, mb, engine, policy, handler, cfg)
	return db, mb, engine, w
}

func seedInbox(t *testing.T, engine *runner.Engine, mb *mailbox.Mailbox, worker, seq uint64, frame *mailbox.Frame) {
	t.Helper()
	_, err := engine.Run(context.Background(), func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.InboxPut(stack, mb, worker, seq, mailbox.EncodeFrame(frame))
	}, mb.Dispatch)
	require.NoError(t, err)
}

func defaultPolicy() worker.Policy {
	return worker.Policy{
		LeaseTTL:            time.Minute,
		RetryBudget:         2,
		DeadLetterThreshold: 3,
		IdleSleepCap:        time.Second,
		MaxBatch:            8,
	}
}

func TestTickAcksSuccessfulMessage(t *testing.T) {
	var handled []uint64
	handler := func(ctx context.Context, stack *runner.Stack, frame *mailbox.Frame) error {
		handled = append(handled, frame.TargetWorker)
		return nil
	}
	_, mb, engine, w := newTestWorker(t, defaultPolicy(), handler, worker.Config{Clock: time.Now})
	seedInbox(t, engine, mb, 1, 1, &mailbox.Frame{Kind: mailbox.KindEvent, TargetWorker: 1})

	w.Tick(context.Background())

	assert.Equal(t, []uint64{1}, handled)
	rtx := mb.ReadTxn()
	defer rtx.Abort()
	_, err := rtx.Get(mb.InboxDBI(), mailbox.InboxKey(1, 1))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTickRequeuesRetryableFailureUnderBudget(t *testing.T) {
	attempts := 0
	handler := func(ctx context.Context, stack *runner.Stack, frame *mailbox.Frame) error {
		attempts++
		return errs.ErrBusy
	}
	policy := defaultPolicy()
	policy.RetryBudget = 5
	policy.DeadLetterThreshold = 5
	_, mb, engine, w := newTestWorker(t, policy, handler, worker.Config{Clock: time.Now})
	seedInbox(t, engine, mb, 1, 1, &mailbox.Frame{Kind: mailbox.KindEvent, TargetWorker: 1})

	w.Tick(context.Background())

	require.Equal(t, 1, attempts)
	rtx := mb.ReadTxn()
	defer rtx.Abort()
	_, errOld := rtx.Get(mb.InboxDBI(), mailbox.InboxKey(1, 1))
	assert.ErrorIs(t, errOld, errs.ErrNotFound)
	_, errLease := rtx.Get(mb.LeasesDBI(), mailbox.InboxKey(1, 1))
	assert.ErrorIs(t, errLease, errs.ErrNotFound)

	// The message was relocated to a fresh sequence number rather than
	// dead-lettered, since its (fresh) lease attempts count is still
	// under both the retry budget and the dead-letter threshold.
	cur := rtx.Cursor(mb.InboxDBI())
	has, err := cur.First()
	require.NoError(t, err)
	require.True(t, has)
	k, _, err := cur.Entry()
	require.NoError(t, err)
	worker, seq, err := mailbox.DecodeInboxKey(k)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), worker)
	assert.NotEqual(t, uint64(1), seq)
}

func TestTickDeadLettersWhenThresholdAlreadyMet(t *testing.T) {
	attempts := 0
	handler := func(ctx context.Context, stack *runner.Stack, frame *mailbox.Frame) error {
		attempts++
		return errs.ErrBusy
	}
	policy := defaultPolicy()
	policy.RetryBudget = 5
	policy.DeadLetterThreshold = 1
	_, mb, engine, w := newTestWorker(t, policy, handler, worker.Config{Clock: time.Now})
	seedInbox(t, engine, mb, 1, 1, &mailbox.Frame{Kind: mailbox.KindEvent, TargetWorker: 1})

	w.Tick(context.Background())

	assert.Equal(t, 1, attempts)
	rtx := mb.ReadTxn()
	defer rtx.Abort()
	_, errInbox := rtx.Get(mb.InboxDBI(), mailbox.InboxKey(1, 1))
	assert.ErrorIs(t, errInbox, errs.ErrNotFound)
	dlqBytes, err := rtx.Get(mb.DeadLetterDBI(), mailbox.InboxKey(1, 1))
	require.NoError(t, err)
	rec, err := mailbox.DecodeDeadLetter(dlqBytes)
	require.NoError(t, err)
	assert.Equal(t, int32(errs.Busy), rec.FailureCode)
}

func TestComputeIdleSleepRespectsNextTimer(t *testing.T) {
	handler := func(ctx context.Context, stack *runner.Stack, frame *mailbox.Frame) error { return nil }
	policy := defaultPolicy()
	policy.IdleSleepCap = time.Hour
	fixedNow := time.UnixMilli(0)
	_, mb, engine, w := newTestWorker(t, policy, handler, worker.Config{Clock: func() time.Time { return fixedNow }})

	_, err := engine.Run(context.Background(), func(ctx context.Context, stack *runner.Stack) error {
		return mailbox.TimerAppend(stack, mb, 5000, 1, []byte("x"))
	}, mb.Dispatch)
	require.NoError(t, err)

	idle := w.Tick(context.Background())
	assert.LessOrEqual(t, idle, 5*time.Second)
}

func TestZerologAndPrometheusSinksAreExercised(t *testing.T) {
	logger := worker.DefaultZerologLogger()
	logSink := worker.NewZerologSink(logger)
	logSink(worker.LogEvent{Kind: worker.LogNonRetryableFailure, Worker: 1, Seq: 1, Err: errors.New("boom")})

	reg := prometheus.NewRegistry()
	pm := worker.NewPromMetrics(reg)
	metricsSink := worker.NewPrometheusSink(pm)
	metricsSink(worker.Snapshot{Attempts: 3, Successes: 2, MeanLatency: 10 * time.Millisecond})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
