package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/massmailer/internal/mailer"
)

// InsertTemplate stores t and returns its id. Names are unique.
func (s *Store) InsertTemplate(ctx context.Context, t *mailer.Template) (int64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	lang := t.Language
	if lang == "" {
		lang = mailer.DefaultLanguage
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO massmailer_templates
		(name, description, language, subject, plain_body, html_body, markdown_html, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.Name,
		t.Description,
		lang,
		t.Subject,
		t.PlainBody,
		t.HTMLBody,
		t.MarkdownHTML,
		unixNano(t.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert template %q: %w", t.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert template %q: %w", t.Name, err)
	}
	t.ID = id
	t.Language = lang
	return id, nil
}

const templateColumns = `id, name, description, language, subject, plain_body, html_body, markdown_html, created_at`

// Template returns the template with the given id.
func (s *Store) Template(ctx context.Context, id int64) (*mailer.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM massmailer_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %d: %w", id, mailer.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read template %d: %w", id, err)
	}
	return t, nil
}

// ListTemplates returns every template ordered by id.
func (s *Store) ListTemplates(ctx context.Context) ([]mailer.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM massmailer_templates ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	out := []mailer.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return out, nil
}

// InsertQuery stores q and returns its id. Names are unique.
func (s *Store) InsertQuery(ctx context.Context, q *mailer.StoredQuery) (int64, error) {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO massmailer_queries (name, description, text, created_at)
		VALUES (?, ?, ?, ?)
	`, q.Name, q.Description, q.Text, unixNano(q.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert query %q: %w", q.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert query %q: %w", q.Name, err)
	}
	q.ID = id
	return id, nil
}

const queryColumns = `id, name, description, text, created_at`

// Query returns the stored query with the given id.
func (s *Store) Query(ctx context.Context, id int64) (*mailer.StoredQuery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM massmailer_queries WHERE id = ?`, id)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query %d: %w", id, mailer.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read query %d: %w", id, err)
	}
	return q, nil
}

// ListQueries returns every stored query ordered by id.
func (s *Store) ListQueries(ctx context.Context) ([]mailer.StoredQuery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queryColumns+` FROM massmailer_queries ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query stored queries: %w", err)
	}
	defer rows.Close()

	out := []mailer.StoredQuery{}
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stored query: %w", err)
		}
		out = append(out, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stored queries: %w", err)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(sc scanner) (*mailer.Template, error) {
	var (
		t       mailer.Template
		created int64
	)
	if err := sc.Scan(&t.ID, &t.Name, &t.Description, &t.Language, &t.Subject,
		&t.PlainBody, &t.HTMLBody, &t.MarkdownHTML, &created); err != nil {
		return nil, err
	}
	t.CreatedAt = fromUnixNano(created)
	return &t, nil
}

func scanQuery(sc scanner) (*mailer.StoredQuery, error) {
	var (
		q       mailer.StoredQuery
		created int64
	)
	if err := sc.Scan(&q.ID, &q.Name, &q.Description, &q.Text, &created); err != nil {
		return nil, err
	}
	q.CreatedAt = fromUnixNano(created)
	return &q, nil
}
