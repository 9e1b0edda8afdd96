package flow

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorCategory classifies a task failure for retry decisions.
type ErrorCategory string

const (
	CategoryTimeout    ErrorCategory = "TIMEOUT"
	CategoryConnection ErrorCategory = "CONNECTION_ERROR"
	CategoryRateLimit  ErrorCategory = "RATE_LIMIT"
	CategoryTemporary  ErrorCategory = "TEMPORARY_FAILURE"
	CategoryDeadlock   ErrorCategory = "DEADLOCK"
	CategoryDNS        ErrorCategory = "DNS_ERROR"
	CategoryHTTP5xx    ErrorCategory = "HTTP_5XX"
	CategoryUnknown    ErrorCategory = "UNKNOWN"
)

// Classify infers the failure category from the error type and message.
//
// CategoryUnknown is returned for anything unrecognized; unknown errors are
// never retried by default, so misclassification fails fast instead of
// retrying indefinitely.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "econnrefused"):
		return CategoryConnection
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return CategoryRateLimit
	case strings.Contains(msg, "deadlock"):
		return CategoryDeadlock
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return CategoryDNS
	case strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "bad gateway") || strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") || strings.Contains(msg, "internal server error"):
		return CategoryHTTP5xx
	case strings.Contains(msg, "temporar") || strings.Contains(msg, "try again") || strings.Contains(msg, "unavailable"):
		return CategoryTemporary
	default:
		return CategoryUnknown
	}
}

// RetryStrategy configures retry behavior for one task type.
type RetryStrategy struct {
	// MaxRetries bounds retry attempts. 0 means never retry.
	MaxRetries int

	// BackoffMultiplier is the exponential base: the pre-jitter delay for
	// attempt n is multiplier^n seconds, capped at MaxBackoff.
	BackoffMultiplier float64

	// MaxBackoff caps the computed delay.
	MaxBackoff time.Duration

	// Retryable lists the categories worth retrying. Categories not
	// listed, including CategoryUnknown, are not retryable.
	Retryable []ErrorCategory
}

// Validate checks strategy constraints: MaxRetries >= 0, a multiplier
// greater than 1, and a positive backoff cap.
func (rs RetryStrategy) Validate() error {
	if rs.MaxRetries < 0 {
		return ErrInvalidRetryStrategy
	}
	if rs.BackoffMultiplier <= 1 {
		return ErrInvalidRetryStrategy
	}
	if rs.MaxBackoff <= 0 {
		return ErrInvalidRetryStrategy
	}
	return nil
}

// retryable reports whether the category is listed.
func (rs RetryStrategy) retryable(cat ErrorCategory) bool {
	for _, c := range rs.Retryable {
		if c == cat {
			return true
		}
	}
	return false
}

// DefaultRetryStrategy is the fallback when no per-type strategy is set:
// three retries, doubling delay capped at 60s, retrying only transient
// categories.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxRetries:        3,
		BackoffMultiplier: 2.0,
		MaxBackoff:        60 * time.Second,
		Retryable: []ErrorCategory{
			CategoryTimeout,
			CategoryConnection,
			CategoryRateLimit,
			CategoryTemporary,
			CategoryDeadlock,
			CategoryDNS,
			CategoryHTTP5xx,
		},
	}
}

// ActionKind is the recovery decision for a failed task.
type ActionKind string

const (
	// ActionRetry re-submits the task after a backoff delay.
	ActionRetry ActionKind = "retry"

	// ActionFail finalizes the task as permanently failed.
	ActionFail ActionKind = "fail"
)

// RecoveryAction is the outcome of HandleFailure.
type RecoveryAction struct {
	Action   ActionKind
	Delay    time.Duration
	Attempt  int
	Category ErrorCategory
	Reason   string
}

// RecoveryStats counts recovery decisions for observability.
type RecoveryStats struct {
	RetriesScheduled int
	RetriesFired     int
	RetriesCanceled  int
	PermanentFails   int
}

// RecoveryManager classifies task failures and decides retry-with-backoff
// versus permanent failure.
//
// Retry delays use exponential backoff (multiplier^attempt seconds, capped)
// with bounded jitter of up to +20% so many simultaneously-failing tasks do
// not retry in lockstep. Delays are whole seconds, minimum one second.
//
// Thread-safety: all methods are safe for concurrent use.
type RecoveryManager struct {
	mu         sync.Mutex
	strategies map[string]RetryStrategy
	fallback   RetryStrategy
	jitter     float64
	rng        *rand.Rand
	timers     map[string]*time.Timer
	stats      RecoveryStats
}

// NewRecoveryManager creates a manager with the given default strategy.
// Pass DefaultRetryStrategy() unless the workload needs different bounds.
func NewRecoveryManager(fallback RetryStrategy, jitterFraction float64) *RecoveryManager {
	if jitterFraction <= 0 || jitterFraction > 1 {
		jitterFraction = 0.20
	}
	return &RecoveryManager{
		strategies: make(map[string]RetryStrategy),
		fallback:   fallback,
		jitter:     jitterFraction,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter timing, not security
		timers:     make(map[string]*time.Timer),
	}
}

// SetStrategy overrides the retry strategy for one task type.
func (r *RecoveryManager) SetStrategy(taskType string, strategy RetryStrategy) error {
	if err := strategy.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[taskType] = strategy
	return nil
}

// strategyFor resolves the strategy for a task type.
func (r *RecoveryManager) strategyFor(taskType string) RetryStrategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.strategies[taskType]; ok {
		return s
	}
	return r.fallback
}

// HandleFailure classifies the error and decides the recovery action.
//
// Retry is chosen only when the category is listed as retryable for the
// task's type and the retry budget (min of task MaxRetries and strategy
// MaxRetries) is not exhausted; otherwise the task fails permanently.
func (r *RecoveryManager) HandleFailure(task *Task, err error) RecoveryAction {
	category := Classify(err)
	strategy := r.strategyFor(task.Type)

	if !strategy.retryable(category) {
		r.countFail()
		return RecoveryAction{
			Action:   ActionFail,
			Category: category,
			Reason:   "error category " + string(category) + " is not retryable",
		}
	}

	budget := strategy.MaxRetries
	if task.MaxRetries > 0 && task.MaxRetries < budget {
		budget = task.MaxRetries
	}
	if task.RetryCount >= budget {
		r.countFail()
		return RecoveryAction{
			Action:   ActionFail,
			Category: category,
			Reason:   ErrMaxRetriesExceeded.Error(),
		}
	}

	delay := r.computeBackoff(task.RetryCount, strategy)
	r.mu.Lock()
	r.stats.RetriesScheduled++
	r.mu.Unlock()

	return RecoveryAction{
		Action:   ActionRetry,
		Delay:    delay,
		Attempt:  task.RetryCount + 1,
		Category: category,
	}
}

// computeBackoff calculates the retry delay for the given attempt:
// min(multiplier^attempt, maxBackoff) seconds, plus up to +jitter fraction,
// rounded up to a whole second with a one-second floor.
func (r *RecoveryManager) computeBackoff(attempt int, strategy RetryStrategy) time.Duration {
	seconds := math.Pow(strategy.BackoffMultiplier, float64(attempt))
	capSeconds := strategy.MaxBackoff.Seconds()
	if seconds > capSeconds {
		seconds = capSeconds
	}

	r.mu.Lock()
	seconds += seconds * r.jitter * r.rng.Float64()
	r.mu.Unlock()

	delay := time.Duration(math.Ceil(seconds)) * time.Second
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}

// ExecuteRecovery acts on a RecoveryAction: for ActionRetry, it schedules
// resubmit(task) after the action's delay; for ActionFail it returns
// ErrMaxRetriesExceeded wrapped with the reason so the caller finalizes the
// task.
//
// The manager never mutates the task itself: the resubmit callback runs on
// the timer goroutine and owns resetting the task's status and retry count
// through whatever structure guards them. Pending retries are canceled by
// CancelRetry or by canceling ctx.
func (r *RecoveryManager) ExecuteRecovery(ctx context.Context, task *Task, action RecoveryAction, resubmit func(*Task)) error {
	if action.Action == ActionFail {
		return &TaskError{
			TaskID:  task.ID,
			Code:    string(action.Category),
			Message: action.Reason,
			Cause:   ErrMaxRetriesExceeded,
		}
	}

	r.mu.Lock()
	if _, exists := r.timers[task.ID]; exists {
		r.mu.Unlock()
		return &TaskError{TaskID: task.ID, Code: "RETRY_PENDING", Message: "a retry is already scheduled"}
	}

	timer := time.AfterFunc(action.Delay, func() {
		r.mu.Lock()
		delete(r.timers, task.ID)
		r.stats.RetriesFired++
		r.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		resubmit(task)
	})
	r.timers[task.ID] = timer
	r.mu.Unlock()

	// Reap the timer if the workflow is canceled before it fires.
	go func() {
		select {
		case <-ctx.Done():
			r.CancelRetry(task.ID)
		case <-time.After(action.Delay + time.Second):
		}
	}()

	return nil
}

// CancelRetry stops a pending retry for the task. Returns true if a retry
// was pending.
func (r *RecoveryManager) CancelRetry(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer, ok := r.timers[taskID]
	if !ok {
		return false
	}
	delete(r.timers, taskID)
	r.stats.RetriesCanceled++
	timer.Stop()
	return true
}

// CancelAll stops every pending retry, for workflow-level aborts.
func (r *RecoveryManager) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
		r.stats.RetriesCanceled++
		n++
	}
	return n
}

// ActiveRetries returns the task ids with a retry currently pending.
func (r *RecoveryManager) ActiveRetries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.timers))
	for id := range r.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of recovery counters.
func (r *RecoveryManager) Stats() RecoveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *RecoveryManager) countFail() {
	r.mu.Lock()
	r.stats.PermanentFails++
	r.mu.Unlock()
}
