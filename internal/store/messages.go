package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/massmailer/internal/mailer"
)

const messageColumns = `id, batch_id, recipient_id, address, unsubscribe_url, subject, plain_body, html_body,
	state, attempts, last_error, created_at, updated_at`

// Message returns the message with the given id.
func (s *Store) Message(ctx context.Context, id string) (*mailer.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM massmailer_emails WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, mailer.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read message %s: %w", id, err)
	}
	return m, nil
}

// Messages returns a batch's messages in creation order.
func (s *Store) Messages(ctx context.Context, batchID int64) ([]mailer.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM massmailer_emails
		WHERE batch_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []mailer.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// MessageIDs lists the ids of a batch's messages in state, in creation
// order.
func (s *Store) MessageIDs(ctx context.Context, batchID int64, state mailer.MailState) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM massmailer_emails
		WHERE batch_id = ? AND state = ?
		ORDER BY created_at ASC, rowid ASC
	`, batchID, int(state))
	if err != nil {
		return nil, fmt.Errorf("query message ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message ids: %w", err)
	}
	return ids, nil
}

// SwapState applies tr to message id if, and only if, the message is in
// tr.From. It reports whether the update applied; false means the message
// is gone or in another state.
//
// Moving to sending counts an attempt. tr.Error, when set, is recorded as
// the last error; reaching sent clears it.
func (s *Store) SwapState(ctx context.Context, id string, tr mailer.Transition) (bool, error) {
	if !mailer.CanTransition(tr.From, tr.To) {
		return false, fmt.Errorf("%w: %s", mailer.ErrInvalidTransition, tr)
	}

	sets := []string{"state = ?", "updated_at = ?"}
	params := []any{int(tr.To), unixNano(s.now())}
	if tr.To == mailer.StateSending {
		sets = append(sets, "attempts = attempts + 1")
	}
	switch {
	case tr.Error != "":
		sets = append(sets, "last_error = ?")
		params = append(params, tr.Error)
	case tr.To == mailer.StateSent:
		sets = append(sets, "last_error = ''")
	}
	params = append(params, id, int(tr.From))

	res, err := s.db.ExecContext(ctx,
		`UPDATE massmailer_emails SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`,
		params...)
	if err != nil {
		return false, fmt.Errorf("swap state of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap state of %s: %w", id, err)
	}
	return n == 1, nil
}

func scanMessage(sc scanner) (*mailer.Message, error) {
	var (
		m                mailer.Message
		recipient        sql.NullInt64
		state            int
		created, updated int64
	)
	if err := sc.Scan(&m.ID, &m.BatchID, &recipient, &m.Address, &m.UnsubscribeURL,
		&m.Subject, &m.PlainBody, &m.HTMLBody, &state, &m.Attempts, &m.LastError,
		&created, &updated); err != nil {
		return nil, err
	}
	m.RecipientID = nullableID(recipient)
	m.State = mailer.MailState(state)
	m.CreatedAt = fromUnixNano(created)
	m.UpdatedAt = fromUnixNano(updated)
	return &m, nil
}
