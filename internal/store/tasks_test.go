package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/massmailer/internal/taskqueue"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTaskQueue_ClaimInOrder(t *testing.T) {
	q := createTestStore(t).Tasks(time.Minute)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask(id)))
	}

	for _, want := range []string{"a", "b", "c"} {
		task, ok, err := q.Claim(ctx, t0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, task.MailID)
		assert.Equal(t, taskqueue.TaskPrefix+want, task.ID)
	}

	_, ok, err := q.Claim(ctx, t0)
	require.NoError(t, err)
	assert.False(t, ok, "every task is leased")
}

func TestTaskQueue_EnqueueDedupes(t *testing.T) {
	q := createTestStore(t).Tasks(time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := q.Claim(ctx, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "leased task is still live")
}

func TestTaskQueue_AckRemoves(t *testing.T) {
	q := createTestStore(t).Tasks(time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	task, ok, err := q.Claim(ctx, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Ack(ctx, task))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTaskQueue_RetryDelays(t *testing.T) {
	q := createTestStore(t).Tasks(time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	task, _, err := q.Claim(ctx, t0)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, task, t0.Add(time.Minute)))

	_, ok, err := q.Claim(ctx, t0.Add(59*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "not ready yet")

	task, ok, err = q.Claim(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, task.Attempt)
	assert.True(t, task.ReadyAt.Equal(t0.Add(time.Minute)))
}

func TestTaskQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	q := createTestStore(t).Tasks(time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	_, ok, err := q.Claim(ctx, t0)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Claim(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	task, ok, err := q.Claim(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", task.MailID)
}

func TestTaskQueue_RunnerDrains(t *testing.T) {
	q := createTestStore(t).Tasks(time.Minute)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask(id)))
	}

	var seen []string
	r := taskqueue.NewRunner(q, func(_ context.Context, task taskqueue.Task) error {
		seen = append(seen, task.MailID)
		return nil
	}, taskqueue.Options{Once: true})
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, []string{"a", "b"}, seen)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTaskQueue_StaleLeaseCannotAckOrRetry(t *testing.T) {
	tests := []struct {
		name  string
		stale func(q *TaskQueue, task taskqueue.Task) error
	}{
		{"ack", func(q *TaskQueue, task taskqueue.Task) error {
			return q.Ack(context.Background(), task)
		}},
		{"retry", func(q *TaskQueue, task taskqueue.Task) error {
			return q.Retry(context.Background(), task, t0)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := createTestStore(t).Tasks(time.Minute)
			ctx := context.Background()

			require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
			first, ok, err := q.Claim(ctx, t0)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, first.LeasedUntil.Equal(t0.Add(time.Minute)))

			second, ok, err := q.Claim(ctx, t0.Add(time.Minute))
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, tt.stale(q, first))
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, ok, err = q.Claim(ctx, t0.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, ok, "task stays leased to the second worker")

			require.NoError(t, q.Ack(ctx, second))
			n, err = q.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}
