package mailbox

import (
	"bytes"
	"context"

	"github.com/lambkin-lang/sapling/errs"
)

// DeadLetterHandler is invoked once per drained DEAD_LETTER record;
// it is a suspension point and may block.
type DeadLetterHandler func(ctx context.Context, worker, seq uint64, rec *DeadLetterRecord) error

// DrainDeadLetter iterates DEAD_LETTER in key order, invoking handler
// with each decoded record, then CAS-deletes the entry against the
// exact bytes observed. If the value changed between the scan and the
// delete, draining stops with errs.ErrConflict; a handler error stops
// draining and is returned directly. Returns how many entries were
// fully processed (handler ran and delete succeeded).
func (mb *Mailbox) DrainDeadLetter(ctx context.Context, max int, handler DeadLetterHandler) (int, error) {
	type item struct {
		key, value []byte
		worker uint64
		seq uint64
	}
	var items []item
	func() {
		rtx := mb.db.BeginRead()
		defer rtx.Abort()
		cur := rtx.Cursor(mb.deadLetter)
		has, _ := cur.First()
		for has && len(items) < max {
			k, v, err := cur.Entry()
			if err != nil {
				break
			}
			worker, seq, derr := DecodeInboxKey(k)
			if derr == nil {
				items = append(items, item{key: append([]byte(nil), k...), value: append([]byte(nil), v...), worker: worker, seq: seq})
			}
			has, _ = cur.Next()
		}
	}()

	processed := 0
	for _, it := range items {
		rec, err := DecodeDeadLetter(it.value)
		if err != nil {
			return processed, err
		}
		if err := handler(ctx, it.worker, it.seq, rec); err != nil {
			return processed, err
		}

		wtx := mb.db.BeginWrite()
		cur, err := wtx.Get(mb.deadLetter, it.key)
		if err != nil && errs.StatusOf(err) != errs.NotFound {
			wtx.Abort()
			return processed, err
		}
		if !bytes.Equal(cur, it.value) {
			wtx.Abort()
			return processed, errs.ErrConflict
		}
		if err := wtx.Del(mb.deadLetter, it.key); err != nil {
			wtx.Abort()
			return processed, err
		}
		if err := wtx.Commit(); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// TimerHandler is invoked once per due timer entry; it is a
// suspension point and may block.
type TimerHandler func(ctx context.Context, dueTs int64, seq uint64, payload []byte) error

// TimerDrainDue iterates TIMERS from the beginning, stopping at the
// first entry whose due timestamp exceeds now (or once max entries
// have been collected), invokes handler for each, and deletes every
// entry the handler accepted. A handler error stops draining at that
// entry; entries processed before it are still deleted.
func (mb *Mailbox) TimerDrainDue(ctx context.Context, now int64, max int, handler TimerHandler) (int, error) {
	type item struct {
		key []byte
		dueTs int64
		seq uint64
		payload []byte
	}
	var items []item
	func() {
		rtx := mb.db.BeginRead()
		defer rtx.Abort()
		cur := rtx.Cursor(mb.timers)
		has, _ := cur.First()
		for has && len(items) < max {
			k, v, err := cur.Entry()
			if err != nil {
				break
			}
			due, seq, derr := DecodeTimerKey(k)
			if derr != nil {
				break
			}
			if due > now {
				break
			}
			items = append(items, item{key: append([]byte(nil), k...), dueTs: due, seq: seq, payload: append([]byte(nil), v...)})
			has, _ = cur.Next()
		}
	}()

	processed := 0
	var handlerErr error
	for _, it := range items {
		if err := handler(ctx, it.dueTs, it.seq, it.payload); err != nil {
			handlerErr = err
			break
		}

		wtx := mb.db.BeginWrite()
		if err := wtx.Del(mb.timers, it.key); err != nil && errs.StatusOf(err) != errs.NotFound {
			wtx.Abort()
			return processed, err
		}
		if err := wtx.Commit(); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, handlerErr
}
