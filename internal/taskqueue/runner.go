package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/massmailer/internal/metrics"
)

// Defaults for Options.
const (
	DefaultRetryDelay   = 60 * time.Second
	DefaultMaxRetries   = 2
	DefaultPollInterval = time.Second
)

// Handler runs one task. A nil return acks the task; any error retries it
// while retries remain.
type Handler func(ctx context.Context, t Task) error

// Options configures a Runner.
type Options struct {
	Workers      int
	RetryDelay   time.Duration
	MaxRetries   int
	PollInterval time.Duration
	// Once makes each worker return as soon as nothing is claimable,
	// instead of waiting for new work.
	Once bool
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Runner pulls tasks from a queue with a pool of workers.
//
// There is no ordering between workers; handlers must not rely on tasks
// running one at a time.
type Runner struct {
	queue   Queue
	handler Handler
	opts    Options
}

// NewRunner creates a Runner. Zero option fields take their defaults,
// except MaxRetries where zero means "never retry".
func NewRunner(q Queue, h Handler, opts Options) *Runner {
	return &Runner{queue: q, handler: h, opts: opts.withDefaults()}
}

// Run starts the workers and blocks until ctx is cancelled, or in Once
// mode until the queue has nothing claimable. Queue failures stop every
// worker and are returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.Workers; i++ {
		worker := i
		g.Go(func() error {
			return r.work(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) work(ctx context.Context, worker int) error {
	log := r.opts.Logger.With("worker", worker)
	var wake <-chan struct{}
	if n, ok := r.queue.(Notifier); ok {
		wake = n.Wait()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, ok, err := r.queue.Claim(ctx, r.opts.Now())
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if ok {
			if err := r.process(ctx, log, task); err != nil {
				return err
			}
			continue
		}
		if r.opts.Once {
			return nil
		}

		timer := time.NewTimer(r.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case _, open := <-wake:
			timer.Stop()
			if !open {
				return nil
			}
		case <-timer.C:
		}
	}
}

// process runs the handler and settles the task. Only queue failures are
// returned; handler failures are absorbed by retrying.
func (r *Runner) process(ctx context.Context, log *slog.Logger, task Task) error {
	herr := r.handler(ctx, task)
	if herr == nil {
		metrics.Tasks.WithLabelValues("ack").Inc()
		if err := r.queue.Ack(ctx, task); err != nil {
			return fmt.Errorf("ack task %s: %w", task.ID, err)
		}
		return nil
	}

	if task.Attempt >= r.opts.MaxRetries {
		metrics.Tasks.WithLabelValues("exhausted").Inc()
		log.Error("task failed, retries exhausted",
			"task", task.ID,
			"attempt", task.Attempt,
			"error", herr)
		if err := r.queue.Ack(ctx, task); err != nil {
			return fmt.Errorf("ack task %s: %w", task.ID, err)
		}
		return nil
	}

	delay := r.opts.RetryDelay
	var re *RetryError
	if errors.As(herr, &re) && re.Delay > 0 {
		delay = re.Delay
	}
	metrics.Tasks.WithLabelValues("retry").Inc()
	log.Warn("task failed, retrying",
		"task", task.ID,
		"attempt", task.Attempt,
		"delay", delay,
		"error", herr)
	if err := r.queue.Retry(ctx, task, r.opts.Now().Add(delay)); err != nil {
		return fmt.Errorf("retry task %s: %w", task.ID, err)
	}
	return nil
}
