package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/massmailer/internal/compiler"
	"github.com/roach88/massmailer/internal/mailer"
	"github.com/roach88/massmailer/internal/metrics"
	"github.com/roach88/massmailer/internal/queryir"
	"github.com/roach88/massmailer/internal/querysql"
)

// NewQueryCommand creates the query command group.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Check, preview and store recipient queries",
	}
	cmd.AddCommand(newQueryCheckCommand(rootOpts))
	cmd.AddCommand(newQueryPreviewCommand(rootOpts))
	cmd.AddCommand(newQueryAddCommand(rootOpts))
	cmd.AddCommand(newQueryListCommand(rootOpts))
	return cmd
}

// QueryCheckResult is the output of query check.
type QueryCheckResult struct {
	Root        string `json:"root"`
	Label       string `json:"label"`
	Fingerprint string `json:"fingerprint"`
	SQL         string `json:"sql"`
	Params      []any  `json:"params"`
}

func newQueryCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <text|@file>",
		Short: "Parse and compile a query without running it",
		Example: `  massmailer query check "User .name contains i'ali'"
  massmailer query check @recipients.mmq`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runQueryCheck(a, args[0])
		},
	}
}

func runQueryCheck(a *app, arg string) error {
	text, err := readText(arg)
	if err != nil {
		return outputError(a.formatter, ExitCommandError, ErrCodeInput, err.Error())
	}
	cq, err := compiler.Prepare(text, a.reg, a.cache)
	if err != nil {
		return a.fail(err)
	}
	sql, params, err := querysql.NewSQLCompiler().Compile(cq)
	if err != nil {
		return a.fail(err)
	}
	fp, err := queryir.Fingerprint(cq)
	if err != nil {
		return a.fail(err)
	}

	return a.formatter.Success(QueryCheckResult{
		Root:        cq.Root.Name,
		Label:       cq.Label,
		Fingerprint: fp,
		SQL:         sql,
		Params:      params,
	})
}

func (r QueryCheckResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "✓ Query OK: %s as %s\n", r.Root, r.Label)
	fmt.Fprintf(w, "Fingerprint: %s\n", r.Fingerprint)
	fmt.Fprintf(w, "SQL: %s\n", r.SQL)
	fmt.Fprintf(w, "Params: %v\n", r.Params)
}

// QueryPreview is the output of query preview.
type QueryPreview struct {
	Count      int            `json:"count"`
	Recipients int            `json:"recipients"`
	Page       int            `json:"page"`
	Row        *PreviewRow    `json:"row,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	SQL        string         `json:"sql"`
}

// PreviewRow is one result row of a preview.
type PreviewRow struct {
	ID        int64          `json:"id"`
	Address   string         `json:"address"`
	Recipient *int64         `json:"recipient,omitempty"`
	Values    map[string]any `json:"values"`
	Aliases   map[string]any `json:"aliases"`
}

func newQueryPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:           "preview <text|@file>",
		Short:         "Run a query and show its size and one result row",
		Example:       `  massmailer query preview "Order .total > 100 alias user = .customer" --page 3`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runQueryPreview(cmd.Context(), a, args[0], page)
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "1-based index of the row to show")
	return cmd
}

func runQueryPreview(ctx context.Context, a *app, arg string, page int) error {
	text, err := readText(arg)
	if err != nil {
		return outputError(a.formatter, ExitCommandError, ErrCodeInput, err.Error())
	}
	res, err := a.execute(ctx, text)
	if err != nil {
		return a.fail(err)
	}
	sql, _, err := querysql.NewSQLCompiler().Compile(res.Query)
	if err != nil {
		return a.fail(err)
	}

	preview := QueryPreview{
		Count:      res.Count,
		Recipients: len(res.RecipientIDs),
		Page:       page,
		SQL:        sql,
	}
	if page >= 1 && page <= len(res.Rows) {
		row := res.Rows[page-1]
		preview.Row = &PreviewRow{
			ID:        row.ID,
			Address:   row.Address,
			Recipient: row.RecipientID,
			Values:    row.Values,
			Aliases:   row.Aliases,
		}
		preview.Context = mailer.RenderContext(res.Query, row)
	}

	return a.formatter.Success(preview)
}

func (p QueryPreview) WriteText(w io.Writer) {
	fmt.Fprintf(w, "%d row(s), %d distinct recipient(s)\n", p.Count, p.Recipients)
	if p.Row == nil {
		fmt.Fprintf(w, "No row %d\n", p.Page)
	} else {
		fmt.Fprintf(w, "\nRow %d of %d (id %d) -> %s\n", p.Page, p.Count, p.Row.ID, p.Row.Address)
		for _, k := range sortedKeys(p.Context) {
			fmt.Fprintf(w, "  %s: %v\n", k, p.Context[k])
		}
	}
	fmt.Fprintf(w, "\nSQL: %s\n", p.SQL)
}

// execute compiles and runs query text, recording its duration.
func (a *app) execute(ctx context.Context, text string) (*compiler.ExecutionResult, error) {
	cq, err := compiler.Prepare(text, a.reg, a.cache)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := compiler.Execute(ctx, a.backend, cq)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	return res, err
}

func newQueryAddCommand(rootOpts *RootOptions) *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "add <text|@file>",
		Short: "Store a named query",
		Long: `Store a named query. The query is checked before it is stored and is
parsed again every time it is used.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			text, err := readText(args[0])
			if err != nil {
				return outputError(a.formatter, ExitCommandError, ErrCodeInput, err.Error())
			}
			if _, err := compiler.Prepare(text, a.reg, a.cache); err != nil {
				return a.fail(err)
			}
			q := &mailer.StoredQuery{Name: name, Description: description, Text: text}
			if _, err := a.store.InsertQuery(cmd.Context(), q); err != nil {
				return outputError(a.formatter, ExitFailure, ErrCodeDatabase, err.Error())
			}
			return a.formatter.Success(storedQuery(*q))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "query name (required)")
	cmd.Flags().StringVar(&description, "description", "", "query description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newQueryListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List stored queries",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			queries, err := a.store.ListQueries(cmd.Context())
			if err != nil {
				return outputError(a.formatter, ExitFailure, ErrCodeDatabase, err.Error())
			}
			return a.formatter.Success(queryList(queries))
		},
	}
}

type storedQuery mailer.StoredQuery

func (q storedQuery) WriteText(w io.Writer) {
	fmt.Fprintf(w, "✓ Stored query %d: %s\n", q.ID, q.Name)
}

type queryList []mailer.StoredQuery

func (l queryList) WriteText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No stored queries")
		return
	}
	for _, q := range l {
		fmt.Fprintf(w, "%d\t%s\t%s\n", q.ID, q.Name, q.Description)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
