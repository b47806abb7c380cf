// Package worker implements Sapling's worker shell: a tick loop that
// polls TIMERS and one worker's INBOX, dispatches each message
// through a guest-supplied handler, and applies the resulting
// ack/requeue/dead-letter disposition. Everything environmental is a
// capability record: pluggable clock/sleep/metrics/log/replay hooks
// passed in as a Config, mirroring runner.Config's shape.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lambkin-lang/sapling/mailbox"
	"github.com/lambkin-lang/sapling/runner"
)

// Handler is the guest's per-message business logic. It runs as the
// body of an attempt-engine Handler: it may stage further
// reads/writes/intents against stack. Since the whole attempt may be
// retried, it must be safely re-runnable. For an inbox message, its
// error is classified with errs.Retryable to choose the message's
// disposition (requeue within budget, dead-letter past it) rather
// than being handed to the attempt engine's own retry machinery; for
// a due timer, its error is returned to the attempt engine, which
// retries busy/conflict. See tick.go.
type Handler func(ctx context.Context, stack *runner.Stack, frame *mailbox.Frame) error

// Policy holds a worker's environment knobs: lease TTL, retry
// budget, dead-letter threshold, and idle sleep cap.
type Policy struct {
	LeaseTTL            time.Duration
	RetryBudget         uint32
	DeadLetterThreshold uint32
	IdleSleepCap        time.Duration
	MaxBatch            int
}

// Config bundles a Worker's pluggable hooks. Every field has a usable
// zero value; Clock defaults to time.Now, Sleep to a timer wait that
// returns early once ctx is done, and the sinks to no-ops.
type Config struct {
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration)
	Metrics MetricsSink
	Log LogSink
	Replay ReplaySink
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		}
	}
	if c.Metrics == nil {
		c.Metrics = func(Snapshot) {}
	}
	if c.Log == nil {
		c.Log = func(LogEvent) {}
	}
	if c.Replay == nil {
		c.Replay = func(ReplayEvent) {}
	}
}

// Worker is one worker-ID's tick loop over a Mailbox, bound to an
// attempt engine and a guest Handler.
type Worker struct {
	id uint64
	mb *mailbox.Mailbox
	engine *runner.Engine
	policy Policy
	handler Handler
	cfg Config

	running atomic.Bool
	stop atomic.Bool

	stats Metrics
}

// New builds a Worker. It does not start running until Run is called.
func New(id uint64, mb *mailbox.Mailbox, engine *runner.Engine, policy Policy, handler Handler, cfg Config) *Worker {
	cfg.setDefaults()
	return &Worker{id: id, mb: mb, engine: engine, policy: policy, handler: handler, cfg: cfg}
}

// Running reports whether the worker's loop is currently executing.
func (w *Worker) Running() bool { return w.running.Load() }

// Stop requests the loop exit; observed between ticks, not mid-tick.
func (w *Worker) Stop() { w.stop.Store(true) }

// Run drives tick in a loop, sleeping the idle duration Tick computes
// between iterations, until Stop is called or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	w.stop.Store(false)

	for !w.stop.Load() {
		if ctx.Err() != nil {
			return
		}
		idle := w.Tick(ctx)
		if w.stop.Load() {
			return
		}
		if idle > 0 {
			w.cfg.Sleep(ctx, idle)
		}
	}
}
