// Package taskqueue delivers tasks at least once with delayed retries.
//
// A Queue hands out tasks under a lease. A claimed task is either acked
// (done), retried (requeued with a later ready time) or, if its lease runs
// out first, handed out again. Handlers must therefore tolerate duplicate
// invocations.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TaskPrefix prefixes the task id derived from a message id.
const TaskPrefix = "massmailer-"

// ErrClosed is returned when enqueuing onto a closed queue.
var ErrClosed = errors.New("task queue closed")

// Task asks for one message to be delivered.
type Task struct {
	// ID identifies the task. A queue holds at most one live task per ID.
	ID     string
	MailID string
	// Attempt counts previous failed runs.
	Attempt int
	ReadyAt time.Time
	// LeasedUntil is set by Claim. Ack and Retry only act while it is
	// still the task's current lease, so a worker whose lease ran out
	// cannot drop or requeue a task another worker has since claimed.
	LeasedUntil time.Time
}

// NewTask returns the delivery task for a message.
func NewTask(mailID string) Task {
	return Task{ID: TaskPrefix + mailID, MailID: mailID}
}

// Queue is an at-least-once task queue.
type Queue interface {
	// Enqueue adds t unless a task with the same ID is queued or leased.
	Enqueue(ctx context.Context, t Task) error
	// Claim leases the oldest task ready at now.
	Claim(ctx context.Context, now time.Time) (Task, bool, error)
	// Ack removes a leased task. A stale lease is a no-op.
	Ack(ctx context.Context, t Task) error
	// Retry requeues a leased task with Attempt incremented. A stale lease
	// is a no-op.
	Retry(ctx context.Context, t Task, readyAt time.Time) error
	// Len counts queued and leased tasks.
	Len(ctx context.Context) (int, error)
}

// Notifier is implemented by queues that can signal new work, letting
// idle workers wake up without polling.
type Notifier interface {
	Wait() <-chan struct{}
}

// RetryError asks the runner to retry a task. A zero Delay means the
// runner's configured delay.
type RetryError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry requested: %v", e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// IsRetryError reports whether err is or wraps a *RetryError.
func IsRetryError(err error) bool {
	var re *RetryError
	return errors.As(err, &re)
}
