package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/massmailer/internal/taskqueue"
)

// TaskQueue is a taskqueue.Queue persisted in massmailer_tasks, so tasks
// enqueued by one process are delivered by workers in another.
//
// Claim leases a task by pushing its leased_until forward; a worker that
// dies mid-task leaves a lease that simply runs out. Ack and Retry match on
// leased_until as well as id, so they do nothing once the task has been
// claimed again.
type TaskQueue struct {
	db    *sql.DB
	lease time.Duration
}

var _ taskqueue.Queue = (*TaskQueue)(nil)

// Tasks returns the store's task queue. A non-positive lease means
// taskqueue.DefaultLease.
func (s *Store) Tasks(lease time.Duration) *TaskQueue {
	if lease <= 0 {
		lease = taskqueue.DefaultLease
	}
	return &TaskQueue{db: s.db, lease: lease}
}

// Enqueue implements taskqueue.Queue. A task whose id is already queued or
// leased is ignored.
func (q *TaskQueue) Enqueue(ctx context.Context, t taskqueue.Task) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO massmailer_tasks (id, mail_id, attempt, ready_at, leased_until)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, t.MailID, t.Attempt, unixNano(t.ReadyAt))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", t.ID, err)
	}
	return nil
}

// Claim implements taskqueue.Queue. Tasks are handed out by ready time,
// then enqueue order.
func (q *TaskQueue) Claim(ctx context.Context, now time.Time) (taskqueue.Task, bool, error) {
	at := now.UnixNano()
	row := q.db.QueryRowContext(ctx, `
		UPDATE massmailer_tasks
		SET leased_until = ?
		WHERE id = (
			SELECT id FROM massmailer_tasks
			WHERE ready_at <= ? AND leased_until <= ?
			ORDER BY ready_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING id, mail_id, attempt, ready_at, leased_until
	`, now.Add(q.lease).UnixNano(), at, at)

	var (
		t                    taskqueue.Task
		readyAt, leasedUntil int64
	)
	err := row.Scan(&t.ID, &t.MailID, &t.Attempt, &readyAt, &leasedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return taskqueue.Task{}, false, nil
	}
	if err != nil {
		return taskqueue.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	t.ReadyAt = fromUnixNano(readyAt)
	t.LeasedUntil = fromUnixNano(leasedUntil)
	return t, true, nil
}

// Ack implements taskqueue.Queue.
func (q *TaskQueue) Ack(ctx context.Context, t taskqueue.Task) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM massmailer_tasks WHERE id = ? AND leased_until = ?
	`, t.ID, unixNano(t.LeasedUntil))
	if err != nil {
		return fmt.Errorf("ack %s: %w", t.ID, err)
	}
	return nil
}

// Retry implements taskqueue.Queue.
func (q *TaskQueue) Retry(ctx context.Context, t taskqueue.Task, readyAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE massmailer_tasks
		SET attempt = ?, ready_at = ?, leased_until = 0
		WHERE id = ? AND leased_until = ?
	`, t.Attempt+1, unixNano(readyAt), t.ID, unixNano(t.LeasedUntil))
	if err != nil {
		return fmt.Errorf("retry %s: %w", t.ID, err)
	}
	return nil
}

// Len implements taskqueue.Queue.
func (q *TaskQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM massmailer_tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}
