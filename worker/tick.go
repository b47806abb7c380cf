package worker

import (
	"bytes"
	"context"
	"time"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/mailbox"
	"github.com/lambkin-lang/sapling/runner"
)

// Tick runs one full iteration and
// returns the idle duration the caller should sleep before the next
// call, already capped and shortened to the next due timer.
func (w *Worker) Tick(ctx context.Context) time.Duration {
	now := w.cfg.Clock()
	nowMillis := now.UnixMilli()

	w.drainDueTimers(ctx, nowMillis)
	w.pollInbox(ctx, nowMillis)

	idle := w.computeIdleSleep(nowMillis)
	w.cfg.Metrics(w.stats.snapshot())
	return idle
}

// drainDueTimers is tick step 1.
func (w *Worker) drainDueTimers(ctx context.Context, nowMillis int64) {
	_, _ = w.mb.TimerDrainDue(ctx, nowMillis, w.batchSize(), func(ctx context.Context, dueTs int64, seq uint64, payload []byte) error {
		w.cfg.Replay(ReplayEvent{Kind: ReplayTimerAttempt, Seq: seq, Payload: payload})
		start := w.cfg.Clock()
		err := w.dispatchTimer(ctx, payload)
		w.recordOutcome(err, start)
		w.cfg.Replay(ReplayEvent{Kind: ReplayTimerResult, Seq: seq})
		if err != nil {
			w.cfg.Log(LogEvent{Kind: classifyLogKind(err), Seq: seq, Err: err})
		}
		return err
	})
}

func (w *Worker) dispatchTimer(ctx context.Context, payload []byte) error {
	frame, err := mailbox.DecodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.engine.Run(ctx, func(ctx context.Context, stack *runner.Stack) error {
		return w.handler(ctx, stack, frame)
	}, w.mb.Dispatch)
	return err
}

// pollInbox is tick step 2.
func (w *Worker) pollInbox(ctx context.Context, nowMillis int64) {
	seqs := w.scanInboxSeqs()
	for _, seq := range seqs {
		w.processInboxMessage(ctx, seq, nowMillis)
	}
}

func (w *Worker) batchSize() int {
	if w.policy.MaxBatch <= 0 {
		return 1
	}
	return w.policy.MaxBatch
}

// scanInboxSeqs collects up to MaxBatch pending sequence numbers for
// this worker's inbox prefix, oldest first.
func (w *Worker) scanInboxSeqs() []uint64 {
	rtx := w.mb.ReadTxn()
	defer rtx.Abort()

	prefix := mailbox.InboxPrefix(w.id)
	cur := rtx.Cursor(w.mb.InboxDBI())
	has, _ := cur.Seek(prefix)
	var seqs []uint64
	for has && len(seqs) < w.batchSize() {
		k, _, err := cur.Entry()
		if err != nil || !bytes.HasPrefix(k, prefix) {
			break
		}
		if _, seq, derr := mailbox.DecodeInboxKey(k); derr == nil {
			seqs = append(seqs, seq)
		}
		has, _ = cur.Next()
	}
	return seqs
}

func (w *Worker) processInboxMessage(ctx context.Context, seq uint64, nowMillis int64) {
	w.cfg.Replay(ReplayEvent{Kind: ReplayInboxAttempt, Worker: w.id, Seq: seq})
	start := w.cfg.Clock()

	deadline := nowMillis + w.policy.LeaseTTL.Milliseconds()
	var disposition LogEventKind
	var dispositionErr error

	_, err := w.engine.Run(ctx, func(ctx context.Context, stack *runner.Stack) error {
		// The whole attempt may rerun; start each attempt with a clean
		// disposition.
		disposition, dispositionErr = 0, nil
		if err := mailbox.Claim(stack, w.mb, w.id, seq, w.id, nowMillis, deadline); err != nil {
			return err
		}
		leaseBytes, present, err := stack.Get(w.mb.LeasesDBI(), mailbox.InboxKey(w.id, seq))
		if err != nil {
			return err
		}
		if !present {
			return errs.ErrConflict
		}
		lease, err := mailbox.DecodeLease(leaseBytes)
		if err != nil {
			return err
		}

		frameBytes, present, err := stack.Get(w.mb.InboxDBI(), mailbox.InboxKey(w.id, seq))
		if err != nil {
			return err
		}
		if !present {
			return errs.ErrNotFound
		}
		frame, err := mailbox.DecodeFrame(frameBytes)
		if err != nil {
			return err
		}

		if frame.Dedupe() {
			hit, err := mailbox.DedupeGuard(stack, w.mb, frame.MessageID)
			if err != nil {
				return err
			}
			if hit {
				return mailbox.Ack(stack, w.mb, w.id, seq, leaseBytes)
			}
		}

		guestErr := w.handler(ctx, stack, frame)

		if guestErr == nil {
			if frame.Dedupe() {
				mailbox.StageDedupeAccept(stack, w.mb, frame.MessageID, nowMillis)
			}
			return mailbox.Ack(stack, w.mb, w.id, seq, leaseBytes)
		}

		dispositionErr = guestErr
		if errs.Retryable(guestErr) && lease.Attempts < w.policy.RetryBudget && lease.Attempts < w.policy.DeadLetterThreshold {
			disposition = LogRequeued
			return mailbox.Requeue(stack, w.mb, w.id, seq, leaseBytes, w.mb.NextGenSeq())
		}
		disposition = LogDeadLettered
		return mailbox.MoveToDeadLetter(stack, w.mb, w.id, seq, leaseBytes, int32(errs.StatusOf(guestErr)), lease.Attempts)
	}, w.mb.Dispatch)

	w.recordOutcome(err, start)
	w.cfg.Replay(ReplayEvent{Kind: ReplayInboxResult, Worker: w.id, Seq: seq})

	if err != nil {
		w.cfg.Log(LogEvent{Kind: classifyLogKind(err), Worker: w.id, Seq: seq, Err: err})
		return
	}
	if dispositionErr != nil {
		w.cfg.Log(LogEvent{Kind: disposition, Worker: w.id, Seq: seq, Err: dispositionErr})
		w.cfg.Replay(ReplayEvent{Kind: ReplayDisposition, Worker: w.id, Seq: seq})
		switch disposition {
		case LogRequeued:
			w.stats.Requeues.Add(1)
		case LogDeadLettered:
			w.stats.DeadLetters.Add(1)
		}
	}
}

func (w *Worker) recordOutcome(err error, start time.Time) {
	w.stats.Attempts.Add(1)
	w.stats.recordLatency(w.cfg.Clock().Sub(start))
	if err == nil {
		w.stats.Successes.Add(1)
		return
	}
	switch errs.StatusOf(err) {
	case errs.Busy:
		w.stats.BusyRetries.Add(1)
		w.stats.RetryableFailures.Add(1)
	case errs.Conflict:
		w.stats.ConflictRetries.Add(1)
		w.stats.RetryableFailures.Add(1)
	default:
		w.stats.NonRetryableFailures.Add(1)
	}
}

func classifyLogKind(err error) LogEventKind {
	if errs.Retryable(err) {
		return LogRetryableFailure
	}
	return LogNonRetryableFailure
}

// computeIdleSleep is tick step 3: capped at the configured maximum,
// shortened so the worker wakes at or before the earliest future due
// timestamp.
func (w *Worker) computeIdleSleep(nowMillis int64) time.Duration {
	limit := w.policy.IdleSleepCap
	if limit <= 0 {
		limit = 0
	}
	dueIn, ok := w.mb.NextTimerDue(nowMillis)
	if !ok {
		return limit
	}
	if dueIn < limit || limit == 0 {
		return dueIn
	}
	return limit
}
