package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/massmailer/internal/compiler"
	"github.com/roach88/massmailer/internal/metrics"
	"github.com/roach88/massmailer/internal/queryir"
	"github.com/roach88/massmailer/internal/querylang"
	"github.com/roach88/massmailer/internal/registry"
	"github.com/roach88/massmailer/internal/taskqueue"
)

var (
	// ErrInvalidTransition is returned for state changes the graph forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStateChanged is returned when a message left the expected state
	// before a guarded update could apply.
	ErrStateChanged = errors.New("message state changed concurrently")
)

// Store persists batches and messages.
//
// SwapState must be atomic per message: it applies tr only while the
// message is in tr.From and reports whether it did.
type Store interface {
	// InsertBatch writes b and msgs in one transaction and returns the
	// new batch id. Message BatchID fields are ignored.
	InsertBatch(ctx context.Context, b *Batch, msgs []Message) (int64, error)
	Batch(ctx context.Context, id int64) (*Batch, error)
	Message(ctx context.Context, id string) (*Message, error)
	MessageIDs(ctx context.Context, batchID int64, state MailState) ([]string, error)
	SwapState(ctx context.Context, id string, tr Transition) (bool, error)
	DeleteBatch(ctx context.Context, id int64) error
	BatchStats(ctx context.Context, id int64) (Stats, error)
}

// Engine creates batches and hands their messages to the task queue.
//
// Thread-safety: Engine holds no mutable state of its own and is safe for
// concurrent use when its collaborators are.
type Engine struct {
	store    Store
	backend  compiler.Backend
	reg      *registry.Registry
	queue    taskqueue.Queue
	renderer Renderer
	ids      IDGenerator
	now      func() time.Time
	logger   *slog.Logger
	cache    *querylang.Cache
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRenderer replaces the default TemplateRenderer.
func WithRenderer(r Renderer) EngineOption {
	return func(e *Engine) {
		e.renderer = r
	}
}

// WithIDGenerator sets the message id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithClock sets the time source used for created timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithParseCache parses query text through c.
func WithParseCache(c *querylang.Cache) EngineOption {
	return func(e *Engine) {
		e.cache = c
	}
}

// NewEngine creates an Engine. queue may be nil when the engine is only
// used to create batches and read stats.
func NewEngine(s Store, backend compiler.Backend, reg *registry.Registry, queue taskqueue.Queue, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    s,
		backend:  backend,
		reg:      reg,
		queue:    queue,
		renderer: NewTemplateRenderer(),
		ids:      UUIDv7Generator{},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BatchRequest describes a batch to create.
type BatchRequest struct {
	Name      string
	Template  *Template
	Query     string
	QueryID   *int64
	Initiator string
}

// CreateBatch runs the query, renders one message per result row and
// stores the batch with all its messages, every one pending. Either the
// whole batch is stored or nothing is.
//
// Every row must reach a recipient. Nothing is enqueued; call Dispatch
// once CreateBatch has returned.
func (e *Engine) CreateBatch(ctx context.Context, req BatchRequest) (*Batch, error) {
	if req.Template == nil {
		return nil, fmt.Errorf("create batch: no template")
	}
	cq, err := compiler.Prepare(req.Query, e.reg, e.cache)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := compiler.Execute(ctx, e.backend, cq)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	now := e.now()
	msgs := make([]Message, 0, len(res.Rows))
	for _, row := range res.Rows {
		if row.RecipientID == nil {
			return nil, fmt.Errorf("create batch: %s %d has no recipient", cq.Root.Name, row.ID)
		}
		msg, err := e.render(req.Template, cq, row)
		if err != nil {
			return nil, fmt.Errorf("create batch: %s %d: %w", cq.Root.Name, row.ID, err)
		}
		msg.ID = e.ids.Generate()
		msg.State = StatePending
		msg.CreatedAt = now
		msg.UpdatedAt = now
		msgs = append(msgs, msg)
	}

	b := &Batch{
		Name:       req.Name,
		TemplateID: templateID(req.Template),
		QueryID:    req.QueryID,
		QueryText:  req.Query,
		Initiator:  req.Initiator,
		CreatedAt:  now,
	}
	id, err := e.store.InsertBatch(ctx, b, msgs)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	b.ID = id
	metrics.MessagesCreated.Add(float64(len(msgs)))
	e.logger.Info("batch created", "batch", id, "messages", len(msgs), "initiator", req.Initiator)
	return b, nil
}

func templateID(t *Template) *int64 {
	if t.ID == 0 {
		return nil
	}
	id := t.ID
	return &id
}

func (e *Engine) render(t *Template, cq *queryir.CompiledQuery, row queryir.Row) (Message, error) {
	data := RenderContext(cq, row)
	msg := Message{
		RecipientID:    row.RecipientID,
		Address:        row.Address,
		UnsubscribeURL: unsubscribeURL(cq, row),
	}
	var err error
	if msg.Subject, err = e.renderer.Render(t, ItemSubject, data); err != nil {
		return msg, err
	}
	if msg.PlainBody, err = e.renderer.Render(t, ItemPlain, data); err != nil {
		return msg, err
	}
	if t.HTMLEnabled() {
		if msg.HTMLBody, err = e.renderer.Render(t, ItemHTML, data); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// RenderContext builds the template data for one row: every alias, plus
// the row itself under the query label.
func RenderContext(cq *queryir.CompiledQuery, row queryir.Row) map[string]any {
	data := make(map[string]any, len(row.Aliases)+1)
	for k, v := range row.Aliases {
		data[k] = v
	}
	data[cq.Label] = row.Values
	return data
}

// unsubscribeFieldKey is read from the recipient object when present.
const unsubscribeFieldKey = "unsubscribe_url"

func unsubscribeURL(cq *queryir.CompiledQuery, row queryir.Row) string {
	var obj map[string]any
	if cq.Recipient.Alias == "" {
		obj = row.Values
	} else if m, ok := row.Aliases[cq.Recipient.Alias].(map[string]any); ok {
		obj = m
	}
	s, _ := obj[unsubscribeFieldKey].(string)
	return s
}

// Dispatch enqueues one delivery task per pending message of the batch
// and returns how many were enqueued. A message already queued is not
// queued twice.
func (e *Engine) Dispatch(ctx context.Context, batchID int64) (int, error) {
	n, err := e.enqueuePending(ctx, batchID)
	if err != nil {
		return n, fmt.Errorf("dispatch batch %d: %w", batchID, err)
	}
	e.logger.Info("batch dispatched", "batch", batchID, "tasks", n)
	return n, nil
}

// RetryPending re-enqueues the batch's pending messages, e.g. those whose
// retries ran out. Sent or failed messages are never retried.
func (e *Engine) RetryPending(ctx context.Context, batchID int64) (int, error) {
	n, err := e.enqueuePending(ctx, batchID)
	if err != nil {
		return n, fmt.Errorf("retry batch %d: %w", batchID, err)
	}
	e.logger.Info("pending messages requeued", "batch", batchID, "tasks", n)
	return n, nil
}

func (e *Engine) enqueuePending(ctx context.Context, batchID int64) (int, error) {
	if e.queue == nil {
		return 0, fmt.Errorf("no task queue configured")
	}
	if _, err := e.store.Batch(ctx, batchID); err != nil {
		return 0, err
	}
	ids, err := e.store.MessageIDs(ctx, batchID, StatePending)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := e.queue.Enqueue(ctx, taskqueue.NewTask(id)); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// DeleteBatch removes a batch and its messages. Tasks still queued for
// them find nothing to do.
func (e *Engine) DeleteBatch(ctx context.Context, batchID int64) error {
	if err := e.store.DeleteBatch(ctx, batchID); err != nil {
		return fmt.Errorf("delete batch %d: %w", batchID, err)
	}
	e.logger.Info("batch deleted", "batch", batchID)
	return nil
}

// Stats computes the batch's per-state counts.
func (e *Engine) Stats(ctx context.Context, batchID int64) (Stats, error) {
	if _, err := e.store.Batch(ctx, batchID); err != nil {
		return Stats{}, err
	}
	return e.store.BatchStats(ctx, batchID)
}

// RecordFeedback applies delivery feedback to a sent message: delivered,
// bounced or complained.
func (e *Engine) RecordFeedback(ctx context.Context, mailID string, to MailState) error {
	switch to {
	case StateDelivered, StateBounced, StateComplained:
	default:
		return fmt.Errorf("%w: %s is not a feedback state", ErrInvalidTransition, to)
	}
	msg, err := e.store.Message(ctx, mailID)
	if err != nil {
		return err
	}
	if !CanTransition(msg.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.State, to)
	}
	ok, err := swap(ctx, e.store, mailID, Transition{From: msg.State, To: to})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("feedback for %s: %w", mailID, ErrStateChanged)
	}
	e.logger.Info("feedback recorded", "mail", mailID, "state", to)
	return nil
}

// swap applies a guarded transition and counts the outcome.
func swap(ctx context.Context, s Store, id string, tr Transition) (bool, error) {
	ok, err := s.SwapState(ctx, id, tr)
	result := "won"
	switch {
	case err != nil:
		result = "error"
	case !ok:
		result = "lost"
	}
	metrics.Transitions.WithLabelValues(tr.From.String(), tr.To.String(), result).Inc()
	if err != nil {
		return false, fmt.Errorf("swap %s %s: %w", id, tr, err)
	}
	return ok, nil
}
