package taskqueue

import (
	"context"
	"sync"
	"time"
)

// DefaultLease is how long a claimed task stays invisible to other workers.
const DefaultLease = 5 * time.Minute

type lease struct {
	task  Task
	until time.Time
}

// Memory is an in-process Queue.
//
// Tasks are kept in enqueue order. Claim skips tasks whose ReadyAt is in
// the future, so a delayed retry never blocks younger tasks.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in worker loops.
type Memory struct {
	mu     sync.Mutex
	tasks  []Task
	leased map[string]lease
	lease  time.Duration
	closed bool
	signal chan struct{} // Signals task availability (buffered, size 1)
}

// NewMemory creates an empty queue. A non-positive lease means DefaultLease.
func NewMemory(leaseFor time.Duration) *Memory {
	if leaseFor <= 0 {
		leaseFor = DefaultLease
	}
	return &Memory{
		tasks:  make([]Task, 0, 64),
		leased: make(map[string]lease),
		lease:  leaseFor,
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds t to the back of the queue.
func (q *Memory) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.liveLocked(t.ID) {
		return nil
	}
	q.tasks = append(q.tasks, t)
	q.notifyLocked()
	return nil
}

func (q *Memory) liveLocked(id string) bool {
	if _, ok := q.leased[id]; ok {
		return true
	}
	for _, t := range q.tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// notifyLocked signals availability (non-blocking - buffer of 1 coalesces
// multiple signals).
func (q *Memory) notifyLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Claim leases the first task ready at now. Expired leases are returned
// to the queue first.
func (q *Memory) Claim(_ context.Context, now time.Time) (Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, l := range q.leased {
		if now.After(l.until) {
			delete(q.leased, id)
			q.tasks = append(q.tasks, l.task)
		}
	}

	for i, t := range q.tasks {
		if t.ReadyAt.After(now) {
			continue
		}
		// Nil out the slot before reslicing so the backing array does
		// not retain the task.
		copy(q.tasks[i:], q.tasks[i+1:])
		q.tasks[len(q.tasks)-1] = Task{}
		q.tasks = q.tasks[:len(q.tasks)-1]

		t.LeasedUntil = now.Add(q.lease)
		q.leased[t.ID] = lease{task: t, until: t.LeasedUntil}
		return t, true, nil
	}
	return Task{}, false, nil
}

// heldLocked reports whether t's lease is the current one.
func (q *Memory) heldLocked(t Task) bool {
	l, ok := q.leased[t.ID]
	return ok && l.until.Equal(t.LeasedUntil)
}

// Ack drops a leased task. Acking an unknown task or a stale lease is a
// no-op.
func (q *Memory) Ack(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heldLocked(t) {
		delete(q.leased, t.ID)
	}
	return nil
}

// Retry moves a leased task back to the queue, ready at readyAt.
func (q *Memory) Retry(_ context.Context, t Task, readyAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.heldLocked(t) {
		return nil
	}
	delete(q.leased, t.ID)
	if q.closed {
		return ErrClosed
	}
	t.Attempt++
	t.ReadyAt = readyAt
	t.LeasedUntil = time.Time{}
	q.tasks = append(q.tasks, t)
	q.notifyLocked()
	return nil
}

// Len counts queued and leased tasks.
func (q *Memory) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) + len(q.leased), nil
}

// Wait returns a channel that signals when tasks may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Try Claim
//	}
func (q *Memory) Wait() <-chan struct{} {
	return q.signal
}

// Close rejects further tasks and wakes any waiters.
func (q *Memory) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
