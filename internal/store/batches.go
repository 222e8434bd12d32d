package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/massmailer/internal/aggregate"
	"github.com/roach88/massmailer/internal/mailer"
)

// InsertBatch writes b and msgs in one transaction and returns the batch
// id. Nothing is written if any message fails.
func (s *Store) InsertBatch(ctx context.Context, b *mailer.Batch, msgs []mailer.Message) (id int64, err error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert batch: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO massmailer_batches (name, template_id, query_id, query_text, initiator, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.Name, b.TemplateID, b.QueryID, b.QueryText, b.Initiator, unixNano(b.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO massmailer_emails
		(id, batch_id, recipient_id, address, unsubscribe_url, subject, plain_body, html_body,
		 state, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("insert batch: prepare: %w", err)
	}
	defer stmt.Close()

	for i := range msgs {
		m := &msgs[i]
		state := m.State
		if state == 0 {
			state = mailer.StatePending
		}
		created := m.CreatedAt
		if created.IsZero() {
			created = b.CreatedAt
		}
		if _, err = stmt.ExecContext(ctx,
			m.ID, id, m.RecipientID, m.Address, m.UnsubscribeURL,
			m.Subject, m.PlainBody, m.HTMLBody, int(state),
			unixNano(created), unixNano(created),
		); err != nil {
			return 0, fmt.Errorf("insert message %s: %w", m.ID, err)
		}
		m.BatchID = id
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert batch: commit: %w", err)
	}
	s.logger.Debug("batch stored", "batch", id, "messages", len(msgs))
	return id, nil
}

const batchColumns = `b.id, b.name, b.template_id, b.query_id, b.query_text, b.initiator, b.created_at`

// Batch returns the batch with the given id.
func (s *Store) Batch(ctx context.Context, id int64) (*mailer.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM massmailer_batches b WHERE b.id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, mailer.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch %d: %w", id, err)
	}
	return b, nil
}

// DeleteBatch removes a batch, its messages and their queued tasks.
func (s *Store) DeleteBatch(ctx context.Context, id int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete batch: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		DELETE FROM massmailer_tasks
		WHERE mail_id IN (SELECT id FROM massmailer_emails WHERE batch_id = ?)
	`, id); err != nil {
		return fmt.Errorf("delete batch %d tasks: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM massmailer_batches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete batch %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete batch %d: %w", id, err)
	}
	if n == 0 {
		err = fmt.Errorf("batch %d: %w", id, mailer.ErrNotFound)
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("delete batch: commit: %w", err)
	}
	return nil
}

// stateColumn names the per-state count column of the stats subquery.
func stateColumn(st mailer.MailState) string {
	return "n_" + st.String()
}

// countsSelect counts a batch's messages per state in one pass.
func countsSelect() aggregate.Expr {
	exprs := []aggregate.Expr{{SQL: "COUNT(*) AS total"}}
	for _, st := range mailer.AllStates() {
		e := aggregate.ConditionalSum("state", int(st))
		e.SQL += " AS " + stateColumn(st)
		exprs = append(exprs, e)
	}
	return aggregate.Select(exprs...)
}

// derivedSelect reads the counts subquery aliased c: total, one count per
// state, unsent, erroneous and completed.
func derivedSelect() aggregate.Expr {
	col := func(name string) string { return "COALESCE(c." + name + ", 0)" }
	sum := func(keep func(mailer.MailState) bool) string {
		var parts string
		for _, st := range mailer.AllStates() {
			if !keep(st) {
				continue
			}
			if parts != "" {
				parts += " + "
			}
			parts += col(stateColumn(st))
		}
		return "(" + parts + ")"
	}
	unsent := sum(mailer.MailState.Unsent)
	erroneous := sum(mailer.MailState.Bad)

	exprs := []aggregate.Expr{{SQL: col("total")}}
	for _, st := range mailer.AllStates() {
		exprs = append(exprs, aggregate.Expr{SQL: col(stateColumn(st))})
	}
	exprs = append(exprs,
		aggregate.Expr{SQL: unsent},
		aggregate.Expr{SQL: erroneous},
		aggregate.CaseMapping(unsent, []aggregate.When{{Key: 0, Value: true}}, false),
	)
	return aggregate.Select(exprs...)
}

// BatchStats computes per-state counts for one batch.
func (s *Store) BatchStats(ctx context.Context, batchID int64) (mailer.Stats, error) {
	derived, counts := derivedSelect(), countsSelect()
	query := `SELECT ` + derived.SQL + ` FROM (SELECT ` + counts.SQL +
		` FROM massmailer_emails WHERE batch_id = ?) c`
	params := append(append(append([]any{}, derived.Params...), counts.Params...), batchID)

	var (
		st  mailer.Stats
		buf statsBuffer
	)
	if err := s.db.QueryRowContext(ctx, query, params...).Scan(buf.dest(&st)...); err != nil {
		return mailer.Stats{}, fmt.Errorf("batch %d stats: %w", batchID, err)
	}
	buf.fill(&st)
	return st, nil
}

// ListBatches returns every batch with its stats, newest first.
func (s *Store) ListBatches(ctx context.Context) ([]mailer.BatchSummary, error) {
	derived, counts := derivedSelect(), countsSelect()
	query := `SELECT ` + batchColumns + `, ` + derived.SQL + `
		FROM massmailer_batches b
		LEFT JOIN (SELECT batch_id, ` + counts.SQL + ` FROM massmailer_emails GROUP BY batch_id) c
		ON c.batch_id = b.id
		ORDER BY b.id DESC`
	params := append(append([]any{}, derived.Params...), counts.Params...)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	out := []mailer.BatchSummary{}
	for rows.Next() {
		var (
			sum     mailer.BatchSummary
			buf     statsBuffer
			tmpl    sql.NullInt64
			qid     sql.NullInt64
			created int64
		)
		dest := []any{&sum.Batch.ID, &sum.Batch.Name, &tmpl, &qid, &sum.Batch.QueryText, &sum.Batch.Initiator, &created}
		if err := rows.Scan(append(dest, buf.dest(&sum.Stats)...)...); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		sum.Batch.TemplateID = nullableID(tmpl)
		sum.Batch.QueryID = nullableID(qid)
		sum.Batch.CreatedAt = fromUnixNano(created)
		buf.fill(&sum.Stats)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// statsBuffer holds per-state counts while a stats row is scanned.
type statsBuffer struct {
	counts []int
}

func (b *statsBuffer) dest(st *mailer.Stats) []any {
	b.counts = make([]int, len(mailer.AllStates()))
	dest := []any{&st.Total}
	for i := range b.counts {
		dest = append(dest, &b.counts[i])
	}
	return append(dest, &st.Unsent, &st.Erroneous, &st.Completed)
}

func (b *statsBuffer) fill(st *mailer.Stats) {
	st.Counts = make(map[mailer.MailState]int, len(b.counts))
	for i, state := range mailer.AllStates() {
		st.Counts[state] = b.counts[i]
	}
}

func scanBatch(sc scanner) (*mailer.Batch, error) {
	var (
		b       mailer.Batch
		tmpl    sql.NullInt64
		qid     sql.NullInt64
		created int64
	)
	if err := sc.Scan(&b.ID, &b.Name, &tmpl, &qid, &b.QueryText, &b.Initiator, &created); err != nil {
		return nil, err
	}
	b.TemplateID = nullableID(tmpl)
	b.QueryID = nullableID(qid)
	b.CreatedAt = fromUnixNano(created)
	return &b, nil
}

func nullableID(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	id := n.Int64
	return &id
}
