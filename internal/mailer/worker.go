package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/massmailer/internal/metrics"
	"github.com/roach88/massmailer/internal/taskqueue"
)

// Worker delivers one message per task.
//
// A message is transmitted only by the worker that moved it from pending
// to sending, so duplicate or concurrent tasks for one message send it at
// most once.
type Worker struct {
	store     Store
	transport Transport
	from      string
	logger    *slog.Logger
}

// NewWorker creates a Worker. A nil logger means slog.Default().
func NewWorker(s Store, t Transport, from string, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: s, transport: t, from: from, logger: logger}
}

// Handle is a taskqueue.Handler.
//
// A message that is gone or not pending is skipped. A failed send puts the
// message back to pending and asks for a retry.
func (w *Worker) Handle(ctx context.Context, t taskqueue.Task) error {
	log := w.logger.With("mail", t.MailID, "task", t.ID, "attempt", t.Attempt)

	ok, err := swap(ctx, w.store, t.MailID, Transition{From: StatePending, To: StateSending})
	if err != nil {
		return err
	}
	if !ok {
		log.Debug("message not pending, skipping")
		return nil
	}

	msg, err := w.store.Message(ctx, t.MailID)
	if errors.Is(err, ErrNotFound) {
		log.Debug("message deleted while sending")
		return nil
	}
	if err != nil {
		return w.release(ctx, log, t.MailID, err)
	}

	start := time.Now()
	err = w.transport.Send(ctx, NewEnvelope(w.from, msg))
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SendDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err != nil {
		return w.release(ctx, log, t.MailID, err)
	}

	ok, err = swap(ctx, w.store, t.MailID, Transition{From: StateSending, To: StateSent})
	if err != nil {
		// Sent but not recorded. Retrying would send twice, so the
		// message is left in sending.
		log.Error("message sent but state not recorded", "error", err)
		return nil
	}
	if !ok {
		log.Debug("message deleted after sending")
		return nil
	}
	log.Info("message sent", "to", msg.Address)
	return nil
}

// release puts a message back to pending after a failed send. If the
// message is gone or no longer sending there is nothing left to retry.
func (w *Worker) release(ctx context.Context, log *slog.Logger, id string, cause error) error {
	log.Warn("send failed", "error", cause)
	ok, err := swap(ctx, w.store, id, Transition{From: StateSending, To: StatePending, Error: cause.Error()})
	if err != nil {
		return fmt.Errorf("release %s after %v: %w", id, cause, err)
	}
	if !ok {
		log.Debug("message no longer sending, not retrying")
		return nil
	}
	return &taskqueue.RetryError{Err: cause}
}
