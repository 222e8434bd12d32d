package cli

import (
	"context"
	"fmt"
	"io"
	"os/user"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/massmailer/internal/mailer"
)

// NewBatchCommand creates the batch command group.
func NewBatchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Create, dispatch and inspect mail batches",
	}
	cmd.AddCommand(newBatchCreateCommand(rootOpts))
	cmd.AddCommand(newBatchDispatchCommand(rootOpts))
	cmd.AddCommand(newBatchListCommand(rootOpts))
	cmd.AddCommand(newBatchStatsCommand(rootOpts))
	cmd.AddCommand(newBatchRetryCommand(rootOpts))
	cmd.AddCommand(newBatchDeleteCommand(rootOpts))
	return cmd
}

// StatsView is the printable form of mailer.Stats, keyed by state name.
type StatsView struct {
	Total            int            `json:"total"`
	Counts           map[string]int `json:"counts"`
	Unsent           int            `json:"unsent"`
	UnsentPercent    float64        `json:"unsent_percent"`
	Erroneous        int            `json:"erroneous"`
	ErroneousPercent float64        `json:"erroneous_percent"`
	Completed        bool           `json:"completed"`
}

func newStatsView(st mailer.Stats) StatsView {
	v := StatsView{
		Total:            st.Total,
		Counts:           make(map[string]int, len(mailer.AllStates())),
		Unsent:           st.Unsent,
		UnsentPercent:    st.UnsentPercent(),
		Erroneous:        st.Erroneous,
		ErroneousPercent: st.ErroneousPercent(),
		Completed:        st.Completed,
	}
	for _, s := range mailer.AllStates() {
		v.Counts[s.String()] = st.Count(s)
	}
	return v
}

func (v StatsView) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Total: %d\n", v.Total)
	for _, s := range mailer.AllStates() {
		n := v.Counts[s.String()]
		pct := 0.0
		if v.Total > 0 {
			pct = 100 * float64(n) / float64(v.Total)
		}
		fmt.Fprintf(w, "  %-10s %6d  %5.1f%%\n", s, n, pct)
	}
	fmt.Fprintf(w, "Unsent: %d (%.1f%%)  Erroneous: %d (%.1f%%)\n",
		v.Unsent, v.UnsentPercent, v.Erroneous, v.ErroneousPercent)
	if v.Completed {
		fmt.Fprintln(w, "✓ Completed")
	}
}

// BatchCreated is the output of batch create.
type BatchCreated struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Messages   int    `json:"messages"`
	Dispatch   bool   `json:"-"`
	Dispatched int    `json:"dispatched"`
}

func (b BatchCreated) WriteText(w io.Writer) {
	fmt.Fprintf(w, "✓ Created batch %d (%s) with %d message(s)\n", b.ID, b.Name, b.Messages)
	if b.Dispatch {
		fmt.Fprintf(w, "✓ Queued %d message(s)\n", b.Dispatched)
	}
}

func newBatchCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		templateID int64
		queryID    int64
		name       string
		dispatch   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Render a template for every row of a stored query",
		Long: `Render a template for every row of a stored query and store the
resulting messages as one batch, all pending.

Either the whole batch is stored or nothing is: a row without a recipient
or a render failure rejects the batch. With --dispatch the messages are
queued for delivery right away; otherwise run "batch dispatch".`,
		Example:       `  massmailer batch create --template 1 --query 2 --name "October newsletter" --dispatch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			t, err := a.store.Template(ctx, templateID)
			if err != nil {
				return a.fail(err)
			}
			q, err := a.store.Query(ctx, queryID)
			if err != nil {
				return a.fail(err)
			}

			eng := a.engine()
			b, err := eng.CreateBatch(ctx, mailer.BatchRequest{
				Name:      name,
				Template:  t,
				Query:     q.Text,
				QueryID:   &q.ID,
				Initiator: initiator(),
			})
			if err != nil {
				return a.fail(err)
			}
			st, err := eng.Stats(ctx, b.ID)
			if err != nil {
				return a.fail(err)
			}
			result := BatchCreated{ID: b.ID, Name: b.DisplayName(), Messages: st.Total, Dispatch: dispatch}
			if dispatch {
				if result.Dispatched, err = eng.Dispatch(ctx, b.ID); err != nil {
					return a.fail(err)
				}
			}
			return a.formatter.Success(result)
		},
	}
	cmd.Flags().Int64Var(&templateID, "template", 0, "template id (required)")
	cmd.Flags().Int64Var(&queryID, "query", 0, "stored query id (required)")
	cmd.Flags().StringVar(&name, "name", "", "batch name")
	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "queue the messages for delivery")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

// initiator names the local user creating a batch.
func initiator() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// batchIDCommand builds a command taking one batch id that runs fn and
// reports how many messages it queued.
func batchIDCommand(rootOpts *RootOptions, use, short, verb string, fn func(*mailer.Engine, context.Context, int64) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <batch-id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := parseBatchID(a, args[0])
			if err != nil {
				return err
			}
			n, err := fn(a.engine(), cmd.Context(), id)
			if err != nil {
				return a.fail(err)
			}
			return a.formatter.Success(queuedResult{Batch: id, Queued: n, verb: verb})
		},
	}
}

type queuedResult struct {
	Batch  int64 `json:"batch"`
	Queued int   `json:"queued"`
	verb   string
}

func (r queuedResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s %d message(s) of batch %d\n", r.verb, r.Queued, r.Batch)
}

func newBatchDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	return batchIDCommand(rootOpts, "dispatch", "Queue a batch's pending messages for delivery", "Queued",
		(*mailer.Engine).Dispatch)
}

func newBatchRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return batchIDCommand(rootOpts, "retry", "Queue a batch's pending messages again after retries ran out", "Requeued",
		(*mailer.Engine).RetryPending)
}

func parseBatchID(a *app, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, outputError(a.formatter, ExitCommandError, ErrCodeInput, fmt.Sprintf("invalid batch id %q", arg))
	}
	return id, nil
}

// BatchListItem is one row of batch list.
type BatchListItem struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Initiator string    `json:"initiator,omitempty"`
	CreatedAt string    `json:"created_at"`
	Stats     StatsView `json:"stats"`
}

func newBatchListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List batches with their progress, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			summaries, err := a.store.ListBatches(cmd.Context())
			if err != nil {
				return outputError(a.formatter, ExitFailure, ErrCodeDatabase, err.Error())
			}
			items := make(batchList, 0, len(summaries))
			for _, s := range summaries {
				items = append(items, BatchListItem{
					ID:        s.Batch.ID,
					Name:      s.Batch.DisplayName(),
					Initiator: s.Batch.Initiator,
					CreatedAt: s.Batch.CreatedAt.Format("2006-01-02 15:04"),
					Stats:     newStatsView(s.Stats),
				})
			}
			return a.formatter.Success(items)
		},
	}
}

type batchList []BatchListItem

func (l batchList) WriteText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No batches")
		return
	}
	for _, it := range l {
		status := "in progress"
		if it.Stats.Completed {
			status = "completed"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d message(s)\t%.1f%% unsent\t%s\n",
			it.ID, it.Name, it.CreatedAt, it.Stats.Total, it.Stats.UnsentPercent, status)
	}
}

func newBatchStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats <batch-id>",
		Short:         "Show per-state message counts of a batch",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := parseBatchID(a, args[0])
			if err != nil {
				return err
			}
			st, err := a.engine().Stats(cmd.Context(), id)
			if err != nil {
				return a.fail(err)
			}
			return a.formatter.Success(newStatsView(st))
		},
	}
}

func newBatchDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <batch-id>",
		Short:         "Delete a batch and its messages",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := parseBatchID(a, args[0])
			if err != nil {
				return err
			}
			if err := a.engine().DeleteBatch(cmd.Context(), id); err != nil {
				return a.fail(err)
			}
			return a.formatter.Success(deletedBatch{Batch: id, Deleted: true})
		},
	}
}

type deletedBatch struct {
	Batch   int64 `json:"batch"`
	Deleted bool  `json:"deleted"`
}

func (d deletedBatch) WriteText(w io.Writer) {
	fmt.Fprintf(w, "✓ Deleted batch %d\n", d.Batch)
}
