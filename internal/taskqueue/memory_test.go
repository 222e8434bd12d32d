package taskqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/massmailer/internal/taskqueue"
	"github.com/roach88/massmailer/internal/testutil"
)

func TestNewTask(t *testing.T) {
	task := taskqueue.NewTask("0191-abc")
	assert.Equal(t, "massmailer-0191-abc", task.ID)
	assert.Equal(t, "0191-abc", task.MailID)
	assert.Zero(t, task.Attempt)
}

func TestMemory_FIFO(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	q := taskqueue.NewMemory(time.Minute)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask(id)))
	}

	var got []string
	for {
		task, ok, err := q.Claim(ctx, clock.Now())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, task.MailID)
		require.NoError(t, q.Ack(ctx, task))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemory_DeduplicatesLiveTasks(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	q := taskqueue.NewMemory(time.Minute)

	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n)

	task, ok, err := q.Claim(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// Still live while leased.
	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	n, _ = q.Len(ctx)
	assert.Equal(t, 1, n)

	// Re-enqueue after ack is a new task.
	require.NoError(t, q.Ack(ctx, task))
	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	n, _ = q.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestMemory_RetryDelaysTask(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	q := taskqueue.NewMemory(time.Minute)

	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("b")))

	a, ok, err := q.Claim(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Retry(ctx, a, clock.Now().Add(30*time.Second)))

	// The delayed task does not block younger ones.
	b, ok, err := q.Claim(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", b.MailID)
	require.NoError(t, q.Ack(ctx, b))

	_, ok, err = q.Claim(ctx, clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(30 * time.Second)
	again, ok, err := q.Claim(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", again.MailID)
	assert.Equal(t, 1, again.Attempt)
}

func TestMemory_ExpiredLeaseIsRedelivered(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	q := taskqueue.NewMemory(time.Minute)

	require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
	first, ok, err := q.Claim(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = q.Claim(ctx, clock.Now())
	assert.False(t, ok, "leased task must be invisible")

	clock.Advance(2 * time.Minute)
	second, ok, err := q.Claim(ctx, clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Attempt, second.Attempt)
}

func TestMemory_Close(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewMemory(0)
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Enqueue(ctx, taskqueue.NewTask("a")), taskqueue.ErrClosed)
	_, open := <-q.Wait()
	assert.False(t, open)
}

func TestMemory_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	q := taskqueue.NewMemory(time.Hour)
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask(string(rune('a'+i%26))+string(rune('0'+i/26)))))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	now := time.Now()
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok, err := q.Claim(ctx, now)
				if !assert.NoError(t, err) || !ok {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}
}

func TestMemory_StaleLeaseCannotAckOrRetry(t *testing.T) {
	tests := []struct {
		name  string
		stale func(q *taskqueue.Memory, task taskqueue.Task) error
	}{
		{"ack", func(q *taskqueue.Memory, task taskqueue.Task) error {
			return q.Ack(context.Background(), task)
		}},
		{"retry", func(q *taskqueue.Memory, task taskqueue.Task) error {
			return q.Retry(context.Background(), task, time.Time{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
			q := taskqueue.NewMemory(time.Minute)

			require.NoError(t, q.Enqueue(ctx, taskqueue.NewTask("a")))
			first, ok, err := q.Claim(ctx, clock.Now())
			require.NoError(t, err)
			require.True(t, ok)

			clock.Advance(2 * time.Minute)
			second, ok, err := q.Claim(ctx, clock.Now())
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, second.LeasedUntil.After(first.LeasedUntil))

			// The first worker's lease ran out; its late call changes nothing.
			require.NoError(t, tt.stale(q, first))
			n, _ := q.Len(ctx)
			assert.Equal(t, 1, n)
			_, ok, _ = q.Claim(ctx, clock.Now())
			assert.False(t, ok, "task stays leased to the second worker")

			require.NoError(t, q.Ack(ctx, second))
			n, _ = q.Len(ctx)
			assert.Zero(t, n)
		})
	}
}
