package worker

import (
	"sync/atomic"
	"time"
)

// Metrics accumulates the worker's dispatch counters, updated with
// atomic ops so a metrics sink running on the worker thread can read
// a torn-free Snapshot without a lock.
type Metrics struct {
	Attempts atomic.Int64
	Successes atomic.Int64
	RetryableFailures atomic.Int64
	NonRetryableFailures atomic.Int64
	ConflictRetries atomic.Int64
	BusyRetries atomic.Int64
	Requeues atomic.Int64
	DeadLetters atomic.Int64
	LatencySampleCount atomic.Int64
	LatencySampleSumNS atomic.Int64
}

// Snapshot is an immutable copy of Metrics taken at one instant, the
// payload of a MetricsSink call.
type Snapshot struct {
	Attempts int64
	Successes int64
	RetryableFailures int64
	NonRetryableFailures int64
	ConflictRetries int64
	BusyRetries int64
	Requeues int64
	DeadLetters int64
	MeanLatency time.Duration
}

func (m *Metrics) snapshot() Snapshot {
	s := Snapshot{
		Attempts: m.Attempts.Load(),
		Successes: m.Successes.Load(),
		RetryableFailures: m.RetryableFailures.Load(),
		NonRetryableFailures: m.NonRetryableFailures.Load(),
		ConflictRetries: m.ConflictRetries.Load(),
		BusyRetries: m.BusyRetries.Load(),
		Requeues: m.Requeues.Load(),
		DeadLetters: m.DeadLetters.Load(),
	}
	if n := m.LatencySampleCount.Load(); n > 0 {
		s.MeanLatency = time.Duration(m.LatencySampleSumNS.Load() / n)
	}
	return s
}

func (m *Metrics) recordLatency(d time.Duration) {
	m.LatencySampleCount.Add(1)
	m.LatencySampleSumNS.Add(int64(d))
}

// MetricsSink receives a Snapshot once per tick.
type MetricsSink func(Snapshot)

// LogEventKind distinguishes the disposition-relevant log events the
// worker shell emits.
type LogEventKind int

const (
	LogRetryableFailure LogEventKind = iota
	LogNonRetryableFailure
	LogRequeued
	LogDeadLettered
	LogWorkerError
)

// LogEvent is one structured log emission.
type LogEvent struct {
	Kind LogEventKind
	Worker uint64
	Seq uint64
	Err error
}

// LogSink receives each LogEvent synchronously on the worker thread.
type LogSink func(LogEvent)

// ReplayEventKind distinguishes the dispatch-trace events emitted
// for replay tooling.
type ReplayEventKind int

const (
	ReplayInboxAttempt ReplayEventKind = iota
	ReplayInboxResult
	ReplayTimerAttempt
	ReplayTimerResult
	ReplayDisposition
)

// ReplayEvent carries a view of one dispatch step. Its Payload is
// only valid for the duration of the synchronous ReplaySink call that
// receives it; callers that need to retain it must copy.
type ReplayEvent struct {
	Kind ReplayEventKind
	Worker uint64
	Seq uint64
	Payload []byte
}

// ReplaySink receives each ReplayEvent synchronously on the worker
// thread; it must not re-enter runner or mailbox APIs.
type ReplaySink func(ReplayEvent)
