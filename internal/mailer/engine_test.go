package mailer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/massmailer/internal/compiler"
	"github.com/roach88/massmailer/internal/mailer"
	"github.com/roach88/massmailer/internal/queryir"
	"github.com/roach88/massmailer/internal/querysql"
	"github.com/roach88/massmailer/internal/store"
	"github.com/roach88/massmailer/internal/taskqueue"
	"github.com/roach88/massmailer/internal/testutil"
)

type fixture struct {
	store  *store.Store
	queue  *taskqueue.Memory
	engine *mailer.Engine
	clock  *testutil.FakeClock
}

// newFixture opens a store over the sample tables and builds an engine
// with deterministic ids ("mail-1", "mail-2", ...).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewFakeClock(time.Time{})
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, testutil.LoadSampleFixtures(ctx, s.DB()))

	q := taskqueue.NewMemory(time.Minute)
	e := mailer.NewEngine(s, querysql.NewBackend(s.DB(), nil), testutil.SampleRegistry(), q,
		mailer.WithIDGenerator(testutil.NewSequenceIDs("")),
		mailer.WithClock(clock.Now),
	)
	return &fixture{store: s, queue: q, engine: e, clock: clock}
}

func welcomeTemplate() *mailer.Template {
	return &mailer.Template{
		Name:      "welcome",
		Subject:   "Hello {{.user.name}}",
		PlainBody: "Your value is {{.somemodel.int_field}}.",
		HTMLBody:  "<p>{{.somemodel.text_field}}</p>",
	}
}

func TestCreateBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.engine.CreateBatch(ctx, mailer.BatchRequest{
		Name:      "hello",
		Template:  welcomeTemplate(),
		Query:     "SomeModel .int_field > 10 alias user",
		Initiator: "admin",
	})
	require.NoError(t, err)
	assert.NotZero(t, b.ID)
	assert.Equal(t, "hello", b.Name)

	msgs, err := f.store.Messages(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	first := msgs[0]
	assert.Equal(t, "mail-1", first.ID)
	assert.Equal(t, "alice@example.com", first.Address)
	assert.Equal(t, "Hello Alice", first.Subject)
	assert.Equal(t, "Your value is 42.", first.PlainBody)
	assert.Equal(t, "<p>foo</p>", first.HTMLBody)
	assert.Equal(t, "https://example.com/unsub/1", first.UnsubscribeURL)
	assert.Equal(t, mailer.StatePending, first.State)
	require.NotNil(t, first.RecipientID)
	assert.Equal(t, int64(1), *first.RecipientID)

	second := msgs[1]
	assert.Equal(t, "bob@example.com", second.Address)
	assert.Empty(t, second.UnsubscribeURL)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "creating a batch enqueues nothing")
}

func TestCreateBatch_RootIsRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.engine.CreateBatch(ctx, mailer.BatchRequest{
		Template: &mailer.Template{Subject: "Hi {{.user.name}}", PlainBody: "{{.user.email}}"},
		Query:    "User .name = 'Alice'",
	})
	require.NoError(t, err)

	msgs, err := f.store.Messages(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi Alice", msgs[0].Subject)
	assert.Equal(t, "https://example.com/unsub/1", msgs[0].UnsubscribeURL)
	assert.Empty(t, msgs[0].HTMLBody)
}

func TestCreateBatch_AllOrNothing(t *testing.T) {
	tests := []struct {
		name  string
		tmpl  *mailer.Template
		query string
	}{
		{"row without recipient", welcomeTemplate(), "SomeModel alias user"},
		{"render failure", &mailer.Template{Subject: "{{.nobody}}", PlainBody: "x"}, "SomeModel .int_field > 10 alias user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.engine.CreateBatch(ctx, mailer.BatchRequest{Template: tt.tmpl, Query: tt.query})
			require.Error(t, err)

			batches, err := f.store.ListBatches(ctx)
			require.NoError(t, err)
			assert.Empty(t, batches)
		})
	}
}

func TestCreateBatch_QueryErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateBatch(ctx, mailer.BatchRequest{Template: welcomeTemplate(), Query: "SomeModel"})
	require.Error(t, err)
	var pe *compiler.ParseError
	assert.ErrorAs(t, err, &pe, "missing user alias is a compile error")

	_, err = f.engine.CreateBatch(ctx, mailer.BatchRequest{Template: welcomeTemplate(), Query: "SomeModel .("})
	require.Error(t, err)
	assert.Contains(t, compiler.Describe(err), "Syntax error at position")
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := createBatch(t, f)

	n, err := f.engine.Dispatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Dispatching twice does not duplicate live tasks.
	_, err = f.engine.Dispatch(ctx, b.ID)
	require.NoError(t, err)
	size, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	task, ok, err := f.queue.Claim(ctx, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, taskqueue.TaskPrefix+"mail-1", task.ID)
	assert.Equal(t, "mail-1", task.MailID)

	_, err = f.engine.Dispatch(ctx, b.ID+100)
	assert.ErrorIs(t, err, mailer.ErrNotFound)
}

func TestRetryPending_SkipsOtherStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := createBatch(t, f)

	ok, err := f.store.SwapState(ctx, "mail-1", mailer.Transition{From: mailer.StatePending, To: mailer.StateSending})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.engine.RetryPending(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, ok, err := f.queue.Claim(ctx, f.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mail-2", task.MailID)
}

func TestDispatch_NoQueue(t *testing.T) {
	f := newFixture(t)
	e := mailer.NewEngine(f.store, querysql.NewBackend(f.store.DB(), nil), testutil.SampleRegistry(), nil)

	_, err := e.Dispatch(context.Background(), 1)
	assert.Error(t, err)
}

func TestRecordFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	createBatch(t, f)

	// Not sent yet.
	err := f.engine.RecordFeedback(ctx, "mail-1", mailer.StateDelivered)
	assert.ErrorIs(t, err, mailer.ErrInvalidTransition)

	markSent(t, f, "mail-1")
	require.NoError(t, f.engine.RecordFeedback(ctx, "mail-1", mailer.StateDelivered))
	require.NoError(t, f.engine.RecordFeedback(ctx, "mail-1", mailer.StateComplained))

	m, err := f.store.Message(ctx, "mail-1")
	require.NoError(t, err)
	assert.Equal(t, mailer.StateComplained, m.State)

	err = f.engine.RecordFeedback(ctx, "mail-1", mailer.StateBounced)
	assert.ErrorIs(t, err, mailer.ErrInvalidTransition, "complained is terminal")

	err = f.engine.RecordFeedback(ctx, "mail-2", mailer.StateSent)
	assert.ErrorIs(t, err, mailer.ErrInvalidTransition, "sent is not feedback")

	err = f.engine.RecordFeedback(ctx, "missing", mailer.StateBounced)
	assert.ErrorIs(t, err, mailer.ErrNotFound)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := createBatch(t, f)

	markSent(t, f, "mail-1")
	require.NoError(t, f.engine.RecordFeedback(ctx, "mail-1", mailer.StateBounced))

	st, err := f.engine.Stats(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Unsent)
	assert.Equal(t, 1, st.Erroneous)
	assert.InDelta(t, 50.0, st.ErroneousPercent(), 1e-9)
	assert.False(t, st.Completed)

	_, err = f.engine.Stats(ctx, b.ID+1)
	assert.ErrorIs(t, err, mailer.ErrNotFound)
}

func TestDeleteBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := createBatch(t, f)

	require.NoError(t, f.engine.DeleteBatch(ctx, b.ID))
	_, err := f.store.Message(ctx, "mail-1")
	assert.ErrorIs(t, err, mailer.ErrNotFound)
	assert.ErrorIs(t, f.engine.DeleteBatch(ctx, b.ID), mailer.ErrNotFound)
}

func TestRenderContext(t *testing.T) {
	reg := testutil.SampleRegistry()
	cq, err := compiler.Prepare("SomeModel as thing alias user alias kids = .children", reg, nil)
	require.NoError(t, err)

	row := queryir.Row{
		ID:     7,
		Values: map[string]any{"id": int64(7), "text_field": "foo"},
		Aliases: map[string]any{
			"user": map[string]any{"id": int64(1), "name": "Alice"},
			"kids": []any{},
		},
	}
	data := mailer.RenderContext(cq, row)
	assert.Equal(t, map[string]any{
		"thing": row.Values,
		"user":  row.Aliases["user"],
		"kids":  []any{},
	}, data)
}

func createBatch(t *testing.T, f *fixture) *mailer.Batch {
	t.Helper()
	b, err := f.engine.CreateBatch(context.Background(), mailer.BatchRequest{
		Template: welcomeTemplate(),
		Query:    "SomeModel .int_field > 10 alias user",
	})
	require.NoError(t, err)
	return b
}

func markSent(t *testing.T, f *fixture, id string) {
	t.Helper()
	for _, tr := range []mailer.Transition{
		{From: mailer.StatePending, To: mailer.StateSending},
		{From: mailer.StateSending, To: mailer.StateSent},
	} {
		ok, err := f.store.SwapState(context.Background(), id, tr)
		require.NoError(t, err)
		require.True(t, ok)
	}
}
