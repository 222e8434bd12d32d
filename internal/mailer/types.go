package mailer

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by stores for missing rows.
var ErrNotFound = errors.New("not found")

// DefaultLanguage is used for templates that do not set one.
const DefaultLanguage = "en"

// Template is a stored message template. Each item is rendered once per
// message.
type Template struct {
	ID          int64
	Name        string
	Description string
	Language    string
	Subject     string
	PlainBody   string
	HTMLBody    string
	// MarkdownHTML derives the HTML body from the rendered plain body
	// when HTMLBody is empty.
	MarkdownHTML bool
	CreatedAt    time.Time
}

// HTMLEnabled reports whether messages get an HTML alternative.
func (t *Template) HTMLEnabled() bool {
	return strings.TrimSpace(t.HTMLBody) != "" || t.MarkdownHTML
}

// StoredQuery is a named query text. The text is re-parsed on every use.
type StoredQuery struct {
	ID          int64
	Name        string
	Description string
	Text        string
	CreatedAt   time.Time
}

// Batch groups the messages created by one run of a query through a
// template.
type Batch struct {
	ID         int64
	Name       string
	TemplateID *int64
	QueryID    *int64
	QueryText  string
	Initiator  string
	CreatedAt  time.Time
}

// DisplayName is Name, or "Batch <id>" when unnamed.
func (b *Batch) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	return "Batch " + strconv.FormatInt(b.ID, 10)
}

// Message is one rendered email of a batch.
type Message struct {
	ID             string
	BatchID        int64
	RecipientID    *int64
	Address        string
	UnsubscribeURL string
	Subject        string
	PlainBody      string
	HTMLBody       string
	State          MailState
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stats are per-state counts of a batch's messages.
type Stats struct {
	Total     int
	Counts    map[MailState]int
	Unsent    int
	Erroneous int
	// Completed is true when no message is pending or sending.
	Completed bool
}

// Count returns the number of messages in s.
func (st Stats) Count(s MailState) int {
	return st.Counts[s]
}

// Percent returns the share of messages in s, from 0 to 100.
func (st Stats) Percent(s MailState) float64 {
	return percent(st.Counts[s], st.Total)
}

// UnsentPercent returns the share of pending or sending messages.
func (st Stats) UnsentPercent() float64 {
	return percent(st.Unsent, st.Total)
}

// ErroneousPercent returns the share of bounced or complained messages.
func (st Stats) ErroneousPercent() float64 {
	return percent(st.Erroneous, st.Total)
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}

// BatchSummary pairs a batch with its stats for listings.
type BatchSummary struct {
	Batch Batch
	Stats Stats
}
