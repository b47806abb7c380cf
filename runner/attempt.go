package runner

import (
	"bytes"
	"context"

	"github.com/lambkin-lang/sapling/errs"
	"github.com/lambkin-lang/sapling/kv"
)

// Handler is the pure function the attempt engine drives repeatedly.
// It stages work against stack and returns
// an error classified via errs.StatusOf; errs.Busy/errs.Conflict are
// retried, anything else (including nil) ends the loop.
type Handler func(ctx context.Context, stack *Stack) error

// Sink receives each root intent, in original insertion order, after
// a successful commit. The first sink error becomes Run's result;
// the write commit itself is never rolled back on a sink failure.
type Sink func(ctx context.Context, intent Intent) error

// Config tunes the attempt engine's retry and backoff behaviour.
type Config struct {
	MaxRetries int
	InitialBackoffMicros int64
	MaxBackoffMicros int64
	// Sleep receives the computed backoff in microseconds; nil waits
	// on a timer that returns early once ctx is done. Tests substitute
	// a fake clock here.
	Sleep func(ctx context.Context, micros int64)
}

// Stats reports what one Run call actually did, independent of its
// final outcome.
type Stats struct {
	Attempts int
	Retries int
	RetryReasons map[string]int
	LastStatus errs.Status
}

// Engine drives Handler calls against one DB to a committed result.
type Engine struct {
	db *kv.DB
	cfg Config
}

// New builds an Engine bound to db with cfg. A zero-value Config
// produces a single attempt with no retries.
func New(db *kv.DB, cfg Config) *Engine {
	if cfg.Sleep == nil {
		cfg.Sleep = defaultSleep
	}
	return &Engine{db: db, cfg: cfg}
}

// Run executes handler to completion: it loops building a fresh
// stack against a read snapshot until the handler and the eventual
// root commit both succeed (or retries are exhausted), then drains
// the committed intents through sink.
func (e *Engine) Run(ctx context.Context, handler Handler, sink Sink) (Stats, error) {
	stats := Stats{RetryReasons: map[string]int{}}
	stack := &Stack{}
	backoff := e.cfg.InitialBackoffMicros

	for {
		stats.Attempts++

		rtx := e.db.BeginRead()
		stack.Reset(rtx)
		hErr := handler(ctx, stack)
		rtx.Abort()

		if hErr != nil {
			status := errs.StatusOf(hErr)
			stats.LastStatus = status
			if errs.Retryable(hErr) && stats.Retries < e.cfg.MaxRetries {
				stats.Retries++
				stats.RetryReasons[status.String()]++
				backoff = e.backoffSleep(ctx, backoff)
				continue
			}
			return stats, hErr
		}

		if stack.Depth() != 1 {
			// A handler that returned success without collapsing
			// every pushed frame violated the root-commit
			// precondition: treat it as busy.
			return stats, errs.ErrBusy
		}

		// A writer already in progress is the retryable "busy" case;
		// the engine never blocks on the gate.
		wtx, commitErr := e.db.TryBeginWrite()
		if commitErr == nil {
			commitErr = applyRoot(wtx, stack)
			if commitErr == nil {
				commitErr = wtx.Commit()
			} else {
				wtx.Abort()
			}
		}

		if commitErr != nil {
			status := errs.StatusOf(commitErr)
			stats.LastStatus = status
			if errs.Retryable(commitErr) && stats.Retries < e.cfg.MaxRetries {
				stats.Retries++
				stats.RetryReasons[status.String()]++
				backoff = e.backoffSleep(ctx, backoff)
				continue
			}
			return stats, commitErr
		}

		stats.LastStatus = errs.OK
		for _, intent := range stack.RootIntents() {
			if err := sink(ctx, intent); err != nil {
				return stats, err
			}
		}
		return stats, nil
	}
}

// applyRoot validates the root read set against wtx's current
// values, then applies the root write set: the preconditions every
// root commit must satisfy before intents may be published.
func applyRoot(wtx *kv.Txn, stack *Stack) error {
	for _, r := range stack.RootReads() {
		cur, err := wtx.Get(r.DBI, r.Key)
		switch {
		case r.Absent:
			if errs.StatusOf(err) != errs.NotFound {
				if err != nil {
					return err
				}
				return errs.ErrConflict
			}
		case errs.StatusOf(err) == errs.NotFound:
			return errs.ErrConflict
		case err != nil:
			return err
		case !bytes.Equal(cur, r.Value):
			return errs.ErrConflict
		}
	}
	for _, w := range stack.RootWrites() {
		switch w.Kind {
		case WritePut:
			if err := wtx.Put(w.DBI, w.Key, w.Value, 0); err != nil {
				return err
			}
		case WriteDel:
			if err := wtx.Del(w.DBI, w.Key); err != nil && errs.StatusOf(err) != errs.NotFound {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) backoffSleep(ctx context.Context, backoff int64) int64 {
	e.cfg.Sleep(ctx, backoff)
	next := backoff * 2
	if next > e.cfg.MaxBackoffMicros {
		next = e.cfg.MaxBackoffMicros
	}
	return next
}

func defaultSleep(ctx context.Context, micros int64) {
	t := timeAfterMicros(micros)
	select {
	case <-t:
	case <-ctx.Done():
	}
}
