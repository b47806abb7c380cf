package worker

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// NewZerologSink builds a LogSink that writes each LogEvent as one
// structured line through logger. Pass
// zerolog.New(os.Stdout).With().Timestamp().Logger() or a
// component-scoped child for a usable default.
func NewZerologSink(logger zerolog.Logger) LogSink {
	return func(ev LogEvent) {
		e := logger.Info()
		switch ev.Kind {
		case LogRetryableFailure:
			e = logger.Warn()
		case LogNonRetryableFailure, LogWorkerError:
			e = logger.Error()
		case LogRequeued:
			e = logger.Warn()
		case LogDeadLettered:
			e = logger.Error()
		}
		e = e.Uint64("worker", ev.Worker).Uint64("seq", ev.Seq)
		if ev.Err != nil {
			e = e.Err(ev.Err)
		}
		e.Msg(logKindLabel(ev.Kind))
	}
}

func logKindLabel(k LogEventKind) string {
	switch k {
	case LogRetryableFailure:
		return "attempt retryable failure"
	case LogNonRetryableFailure:
		return "attempt non-retryable failure"
	case LogRequeued:
		return "message requeued"
	case LogDeadLettered:
		return "message dead-lettered"
	case LogWorkerError:
		return "worker error"
	default:
		return "worker event"
	}
}

// DefaultZerologLogger returns a console-formatted, timestamped
// logger scoped to the "worker" component.
func DefaultZerologLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "worker").Logger()
}

// PromMetrics holds the Prometheus collectors a NewPrometheusSink
// reports to. Callers register it against their own
// *prometheus.Registry (rather than the global default registry a
// package-level var would need) so more than one Sapling DB can run
// in the same process without a duplicate-registration panic.
type PromMetrics struct {
	Attempts prometheus.Counter
	Successes prometheus.Counter
	RetryableFailures prometheus.Counter
	NonRetryableFailures prometheus.Counter
	ConflictRetries prometheus.Counter
	BusyRetries prometheus.Counter
	Requeues prometheus.Counter
	DeadLetters prometheus.Counter
	MeanLatencySeconds prometheus.Gauge
}

// NewPromMetrics creates and registers the worker's counters/gauge on
// reg.
func NewPromMetrics(reg *prometheus.Registry) *PromMetrics {
	m := &PromMetrics{
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_worker_attempts_total", Help: "Total attempt-engine runs driven by the worker loop.",
		}),
		Successes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_worker_successes_total", Help: "Total attempts that committed successfully.",
		}),
		RetryableFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_worker_retryable_failures_total", Help: "Total attempts that failed with a retryable status.",
		}),
		NonRetryableFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_worker_non_retryable_failures_total", Help: "Total attempts that failed with a non-retryable status.",
		}),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_worker_conflict_retries_total", Help: "Total attempts retried after a read-set conflict.",
		}),
		BusyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_worker_busy_retries_total", Help: "Total attempts retried after a busy writer.",
		}),
		Requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_worker_requeues_total", Help: "Total inbox messages requeued for another attempt.",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sapling_worker_dead_letters_total", Help: "Total inbox messages moved to the dead-letter DBI.",
		}),
		MeanLatencySeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sapling_worker_mean_latency_seconds", Help: "Mean attempt latency over every attempt the worker has recorded.",
		}),
	}
	reg.MustRegister(m.Attempts, m.Successes, m.RetryableFailures, m.NonRetryableFailures,
		m.ConflictRetries, m.BusyRetries, m.Requeues, m.DeadLetters, m.MeanLatencySeconds)
	return m
}

// NewPrometheusSink builds a MetricsSink that sets m's collectors
// from each tick's Snapshot. Counters are cumulative and monotonic,
// so each call adds the delta since the previous Snapshot rather than
// setting an absolute value.
func NewPrometheusSink(m *PromMetrics) MetricsSink {
	var prev Snapshot
	return func(s Snapshot) {
		m.Attempts.Add(float64(s.Attempts - prev.Attempts))
		m.Successes.Add(float64(s.Successes - prev.Successes))
		m.RetryableFailures.Add(float64(s.RetryableFailures - prev.RetryableFailures))
		m.NonRetryableFailures.Add(float64(s.NonRetryableFailures - prev.NonRetryableFailures))
		m.ConflictRetries.Add(float64(s.ConflictRetries - prev.ConflictRetries))
		m.BusyRetries.Add(float64(s.BusyRetries - prev.BusyRetries))
		m.Requeues.Add(float64(s.Requeues - prev.Requeues))
		m.DeadLetters.Add(float64(s.DeadLetters - prev.DeadLetters))
		m.MeanLatencySeconds.Set(s.MeanLatency.Seconds())
		prev = s
	}
}
