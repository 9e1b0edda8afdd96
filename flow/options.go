package flow

import (
	"fmt"
	"time"

	"github.com/rhagen/taskflow-go/flow/emit"
	"github.com/rhagen/taskflow-go/flow/store"
)

// Options configures an Orchestrator and its engine.
//
// Zero values fall back to the documented defaults, so Options{} is valid.
type Options struct {
	// MaxConcurrency is the worker-count ceiling for parallel execution.
	// Default 8. The engine never runs more tasks at once than this.
	MaxConcurrency int

	// DefaultTaskTimeout bounds each task execution. 0 means unlimited.
	// Exceeding it yields StatusTimeout, treated as a failure for
	// dependency purposes.
	DefaultTaskTimeout time.Duration

	// QueueCapacity bounds the scheduler queue. Default 1024. When full,
	// submission gets ErrQueueSaturated as backpressure.
	QueueCapacity int

	// JitterFraction is the upper bound of retry backoff jitter, as a
	// fraction of the computed delay. Default 0.20 (up to +20%).
	JitterFraction float64

	// DefaultRetry is the fallback retry strategy when no per-type
	// strategy is registered. Defaults to DefaultRetryStrategy().
	DefaultRetry RetryStrategy

	// Store persists workflow state. Defaults to an in-memory store.
	Store store.Store

	// Emitter receives observability events. Defaults to NullEmitter.
	Emitter emit.Emitter

	// Metrics collects Prometheus metrics. Nil disables collection.
	Metrics *Metrics
}

// defaultOptions returns Options with every default applied.
func defaultOptions() Options {
	return Options{
		MaxConcurrency: 8,
		QueueCapacity:  1024,
		JitterFraction: 0.20,
		DefaultRetry:   DefaultRetryStrategy(),
		Store:          store.NewMemStore(),
		Emitter:        emit.NewNullEmitter(),
	}
}

// Option is a functional option for configuring an Orchestrator.
//
// Example:
//
//	orch := flow.New(
//	    flow.WithMaxConcurrency(16),
//	    flow.WithDefaultTaskTimeout(30*time.Second),
//	    flow.WithStore(sqliteStore),
//	)
type Option func(*Options) error

// WithMaxConcurrency sets the worker-count ceiling.
//
// Tuning guidance: CPU-bound runners want runtime.NumCPU(); I/O-bound agent
// calls tolerate 10-50 depending on provider rate limits.
func WithMaxConcurrency(n int) Option {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("max concurrency must be >= 1, got %d", n)
		}
		o.MaxConcurrency = n
		return nil
	}
}

// WithDefaultTaskTimeout sets the per-task execution timeout.
// 0 disables the timeout.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return fmt.Errorf("task timeout cannot be negative")
		}
		o.DefaultTaskTimeout = d
		return nil
	}
}

// WithQueueCapacity bounds the scheduler queue depth.
func WithQueueCapacity(n int) Option {
	return func(o *Options) error {
		if n < 1 {
			return fmt.Errorf("queue capacity must be >= 1, got %d", n)
		}
		o.QueueCapacity = n
		return nil
	}
}

// WithJitterFraction sets the retry backoff jitter bound (0, 1].
func WithJitterFraction(f float64) Option {
	return func(o *Options) error {
		if f <= 0 || f > 1 {
			return fmt.Errorf("jitter fraction must be in (0, 1], got %v", f)
		}
		o.JitterFraction = f
		return nil
	}
}

// WithDefaultRetry sets the fallback retry strategy.
func WithDefaultRetry(rs RetryStrategy) Option {
	return func(o *Options) error {
		if err := rs.Validate(); err != nil {
			return err
		}
		o.DefaultRetry = rs
		return nil
	}
}

// WithStore sets the workflow state persistence backend.
func WithStore(st store.Store) Option {
	return func(o *Options) error {
		if st == nil {
			return fmt.Errorf("store cannot be nil")
		}
		o.Store = st
		return nil
	}
}

// WithEmitter sets the observability event receiver.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) error {
		if e == nil {
			return fmt.Errorf("emitter cannot be nil")
		}
		o.Emitter = e
		return nil
	}
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) error {
		o.Metrics = m
		return nil
	}
}
