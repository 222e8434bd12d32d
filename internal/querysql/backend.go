package querysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/massmailer/internal/queryir"
)

// idChunk bounds the number of ids bound in one IN (...) list.
const idChunk = 500

// Backend executes compiled queries against a SQLite database opened with
// DriverName.
type Backend struct {
	db       *sql.DB
	compiler *SQLCompiler
	logger   *slog.Logger
}

// NewBackend creates a Backend over db. A nil logger means slog.Default().
func NewBackend(db *sql.DB, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{db: db, compiler: NewSQLCompiler(), logger: logger}
}

// Execute runs q and hydrates one Row per matching root row, ordered by id.
func (b *Backend) Execute(ctx context.Context, q *queryir.CompiledQuery) ([]queryir.Row, error) {
	st, err := b.compiler.compile(q)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("executing query", "root", q.Root.Name, "sql", st.sql)

	rows, err := b.db.QueryContext(ctx, st.sql, st.params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Root.Name, err)
	}
	defer rows.Close()

	var out []queryir.Row
	for rows.Next() {
		row, err := scanRow(rows, q, st.layout)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", q.Root.Name, err)
	}
	rows.Close()

	if err := b.loadManyAliases(ctx, q, out); err != nil {
		return nil, err
	}
	b.logger.Debug("query executed", "root", q.Root.Name, "rows", len(out))
	return out, nil
}

func scanRow(rows *sql.Rows, q *queryir.CompiledQuery, lay layout) (queryir.Row, error) {
	n := len(lay.root) + len(lay.annotations) + 2
	for _, a := range lay.aliases {
		if a.Column != nil {
			n++
		} else {
			n += len(a.Target.Columns)
		}
	}
	raw := make([]any, n)
	ptrs := make([]any, n)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return queryir.Row{}, fmt.Errorf("scan %s row: %w", q.Root.Name, err)
	}

	row := queryir.Row{
		Values:  make(map[string]any, len(lay.root)+len(lay.annotations)),
		Aliases: make(map[string]any, len(q.Aliases)),
	}
	i := 0
	for _, col := range lay.root {
		row.Values[col.Key] = normalize(raw[i])
		i++
	}
	row.ID, _ = raw[0].(int64)
	for _, name := range lay.annotations {
		row.Values[name] = normalize(raw[i])
		i++
	}
	if id, ok := raw[i].(int64); ok {
		row.RecipientID = &id
	}
	if addr, ok := normalize(raw[i+1]).(string); ok {
		row.Address = addr
	}
	i += 2

	for _, a := range lay.aliases {
		if a.Column != nil {
			row.Aliases[a.Name] = normalize(raw[i])
			i++
			continue
		}
		obj := entityValues(*a.Target, raw[i:i+len(a.Target.Columns)])
		i += len(a.Target.Columns)
		if obj == nil {
			row.Aliases[a.Name] = nil
		} else {
			row.Aliases[a.Name] = obj
		}
	}
	return row, nil
}

// entityValues maps raw column values to keys. It returns nil when the id
// column is NULL, i.e. the relation led nowhere.
func entityValues(ref queryir.EntityRef, raw []any) map[string]any {
	obj := make(map[string]any, len(ref.Columns))
	for j, tc := range ref.Columns {
		obj[tc.Key] = normalize(raw[j])
	}
	if obj["id"] == nil {
		return nil
	}
	return obj
}

// loadManyAliases fills aliases that cross a to-many relation: a list of
// related rows for relation aliases, a list of values for scalar ones.
// Every row gets an entry, empty when nothing is related.
func (b *Backend) loadManyAliases(ctx context.Context, q *queryir.CompiledQuery, rows []queryir.Row) error {
	if len(rows) == 0 {
		return nil
	}
	index := make(map[int64]int, len(rows))
	ids := make([]int64, len(rows))
	for i, r := range rows {
		index[r.ID] = i
		ids[i] = r.ID
	}

	for _, a := range q.Aliases {
		if !queryir.HasMany(a.Hops) {
			continue
		}
		lists := make([][]any, len(rows))
		for start := 0; start < len(ids); start += idChunk {
			end := min(start+idChunk, len(ids))
			if err := b.loadManyChunk(ctx, q, a, ids[start:end], index, lists); err != nil {
				return fmt.Errorf("load alias %s: %w", a.Name, err)
			}
		}
		for i := range rows {
			if lists[i] == nil {
				lists[i] = []any{}
			}
			rows[i].Aliases[a.Name] = lists[i]
		}
	}
	return nil
}

func (b *Backend) loadManyChunk(ctx context.Context, q *queryir.CompiledQuery, a queryir.AliasBinding, ids []int64, index map[int64]int, lists [][]any) error {
	query, params, err := b.compiler.compileMany(q, a, ids)
	if err != nil {
		return err
	}
	rows, err := b.db.QueryContext(ctx, query, params...)
	if err != nil {
		return err
	}
	defer rows.Close()

	width := 1
	if a.Target != nil {
		width = len(a.Target.Columns)
	}
	raw := make([]any, width+1)
	ptrs := make([]any, width+1)
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		owner, _ := raw[0].(int64)
		i, ok := index[owner]
		if !ok {
			continue
		}
		if a.Target != nil {
			if obj := entityValues(*a.Target, raw[1:]); obj != nil {
				lists[i] = append(lists[i], obj)
			}
			continue
		}
		lists[i] = append(lists[i], normalize(raw[1]))
	}
	return rows.Err()
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
