package mailbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/runner"
)

// The per-message operations below stage their reads/writes against a
// runner.Stack rather than a kv.Txn directly: each runs as (part of)
// an attempt-engine Handler, so the CAS semantics on the
// lease/inbox/dead-letter records fall out of the stack's root
// read-set validation rather than needing hand-rolled
// compare-and-swap logic here.

// InboxPut appends frame at (worker, seq) if no entry is already
// there; a second put for the same key is a silent no-op.
func InboxPut(stack *runner.Stack, mb *Mailbox, worker, seq uint64, frame []byte) error {
	key := InboxKey(worker, seq)
	_, present, err := stack.Get(mb.inbox, key)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	stack.Put(mb.inbox, key, frame)
	return nil
}

// Claim installs a fresh lease (attempts=1) if none exists, or takes
// over an expired one, bumping attempts. It returns errs.ErrBusy if
// the existing lease has not yet reached deadline.
func Claim(stack *runner.Stack, mb *Mailbox, worker, seq, claimant uint64, now, deadline int64) error {
	key := InboxKey(worker, seq)
	cur, present, err := stack.Get(mb.leases, key)
	if err != nil {
		return err
	}
	if !present {
		stack.Put(mb.leases, key, EncodeLease(&Lease{Owner: claimant, Deadline: deadline, Attempts: 1}))
		return nil
	}
	prev, err := DecodeLease(cur)
	if err != nil {
		return err
	}
	if now <= prev.Deadline {
		return errs.ErrBusy
	}
	stack.Put(mb.leases, key, EncodeLease(&Lease{Owner: claimant, Deadline: deadline, Attempts: prev.Attempts + 1}))
	return nil
}

// Ack verifies the stored lease is byte-identical to expectedLease,
// then removes the inbox entry and its lease.
func Ack(stack *runner.Stack, mb *Mailbox, worker, seq uint64, expectedLease []byte) error {
	key := InboxKey(worker, seq)
	if err := checkLease(stack, mb, key, expectedLease); err != nil {
		return err
	}
	stack.Del(mb.inbox, key)
	stack.Del(mb.leases, key)
	return nil
}

// Requeue moves a message's frame bytes from oldSeq to newSeq
// (no-overwrite on the destination) and clears the old entry and its
// lease. oldSeq == newSeq is rejected.
func Requeue(stack *runner.Stack, mb *Mailbox, worker, oldSeq uint64, expectedLease []byte, newSeq uint64) error {
	if oldSeq == newSeq {
		return fmt.Errorf("mailbox: requeue requires old_seq != new_seq: %w", errs.ErrDB)
	}
	oldKey := InboxKey(worker, oldSeq)
	if err := checkLease(stack, mb, oldKey, expectedLease); err != nil {
		return err
	}
	frame, present, err := stack.Get(mb.inbox, oldKey)
	if err != nil {
		return err
	}
	if !present {
		return errs.ErrNotFound
	}
	newKey := InboxKey(worker, newSeq)
	if _, exists, err := stack.Get(mb.inbox, newKey); err != nil {
		return err
	} else if exists {
		return errs.ErrExists
	}
	stack.Put(mb.inbox, newKey, frame)
	stack.Del(mb.inbox, oldKey)
	stack.Del(mb.leases, oldKey)
	return nil
}

// MoveToDeadLetter guards on expectedLease, then relocates the inbox
// frame into DEAD_LETTER wrapped with failureCode/attempts, removing
// the inbox entry and lease.
func MoveToDeadLetter(stack *runner.Stack, mb *Mailbox, worker, seq uint64, expectedLease []byte, failureCode int32, attempts uint32) error {
	key := InboxKey(worker, seq)
	if err := checkLease(stack, mb, key, expectedLease); err != nil {
		return err
	}
	frame, present, err := stack.Get(mb.inbox, key)
	if err != nil {
		return err
	}
	if !present {
		return errs.ErrNotFound
	}
	rec := &DeadLetterRecord{FailureCode: failureCode, Attempts: attempts, Frame: frame}
	stack.Put(mb.deadLetter, key, EncodeDeadLetter(rec))
	stack.Del(mb.inbox, key)
	stack.Del(mb.leases, key)
	return nil
}

// ReplayDeadLetter reinserts a DLQ entry's embedded frame into the
// inbox at replaySeq (no-overwrite) and removes the DLQ entry.
func ReplayDeadLetter(stack *runner.Stack, mb *Mailbox, worker, seq, replaySeq uint64) error {
	key := InboxKey(worker, seq)
	raw, present, err := stack.Get(mb.deadLetter, key)
	if err != nil {
		return err
	}
	if !present {
		return errs.ErrNotFound
	}
	rec, err := DecodeDeadLetter(raw)
	if err != nil {
		return err
	}
	newKey := InboxKey(worker, replaySeq)
	if _, exists, err := stack.Get(mb.inbox, newKey); err != nil {
		return err
	} else if exists {
		return errs.ErrExists
	}
	stack.Put(mb.inbox, newKey, rec.Frame)
	stack.Del(mb.deadLetter, key)
	return nil
}

// TimerAppend stages a timer entry at (dueTs, seq). Callers owning
// their own seq numbering (as opposed to going through the intent
// sink) use this directly inside a Handler.
func TimerAppend(stack *runner.Stack, mb *Mailbox, dueTs int64, seq uint64, payload []byte) error {
	stack.Put(mb.timers, TimerKey(dueTs, seq), payload)
	return nil
}

// checkLease verifies the stored lease is byte-identical to expected,
// the guard shared by ack/requeue/move_to_dead_letter.
func checkLease(stack *runner.Stack, mb *Mailbox, key, expected []byte) error {
	cur, present, err := stack.Get(mb.leases, key)
	if err != nil {
		return err
	}
	if !present || !bytes.Equal(cur, expected) {
		return errs.ErrConflict
	}
	return nil
}

// DedupeGuard reports whether a dedupe-requesting message ID has
// already been accepted: a hit
// means the handler's guest call should be skipped entirely. Callers
// stage StageDedupeAccept after a successful guest call.
func DedupeGuard(stack *runner.Stack, mb *Mailbox, messageID []byte) (alreadyAccepted bool, err error) {
	raw, present, err := stack.Get(mb.dedupe, messageID)
	if err != nil || !present {
		return false, err
	}
	rec, err := DecodeDedupe(raw)
	if err != nil {
		return false, err
	}
	return rec.Accepted, nil
}

// StageDedupeAccept records messageID as accepted as of now.
func StageDedupeAccept(stack *runner.Stack, mb *Mailbox, messageID []byte, now int64) {
	stack.Put(mb.dedupe, messageID, EncodeDedupe(NewDedupeRecord(now)))
}

// OutboxPublishIntent is a runner.Sink: for outbox-emit intents it
// appends the message to OUTBOX under the next owned sequence. Other
// intent kinds are ignored, since a handler mixing outbox and timer
// intents is expected to dispatch through both sinks (see Dispatch).
func (mb *Mailbox) OutboxPublishIntent(ctx context.Context, intent runner.Intent) error {
	if intent.Kind != runner.IntentOutboxEmit {
		return nil
	}
	tx := mb.db.BeginWrite()
	seq := mb.nextOutboxSeq()
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	if err := tx.Put(mb.outbox, key, intent.Message, 0); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// TimerPublishIntent is a runner.Sink that refuses any intent whose
// kind is not timer_arm, appending accepted ones to
// TIMERS at (due_ts, publisher-owned sequence).
func (mb *Mailbox) TimerPublishIntent(ctx context.Context, intent runner.Intent) error {
	if intent.Kind != runner.IntentTimerArm {
		return fmt.Errorf("mailbox: timer_publish_intent received a non-timer_arm intent: %w", errs.ErrDB)
	}
	var due int64
	if intent.HasDue {
		due = intent.DueTimestamp
	}
	tx := mb.db.BeginWrite()
	seq := mb.nextTimerSeq()
	key := TimerKey(due, seq)
	if err := tx.Put(mb.timers, key, intent.Message, 0); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// Dispatch routes a drained intent to whichever of
// OutboxPublishIntent/TimerPublishIntent matches its kind; it is the
// Sink most callers hand the attempt engine when a single handler can
// produce either intent kind.
func (mb *Mailbox) Dispatch(ctx context.Context, intent runner.Intent) error {
	switch intent.Kind {
	case runner.IntentOutboxEmit:
		return mb.OutboxPublishIntent(ctx, intent)
	case runner.IntentTimerArm:
		return mb.TimerPublishIntent(ctx, intent)
	default:
		return fmt.Errorf("mailbox: unknown intent kind %d: %w", intent.Kind, errs.ErrDB)
	}
}
