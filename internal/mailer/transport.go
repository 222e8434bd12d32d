package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wneessen/go-mail"
)

// Header names set on every outgoing message.
const (
	HeaderMessageID       = "X-MID"
	HeaderListUnsubscribe = string(mail.HeaderListUnsubscribe)
)

// Envelope is a message ready for a Transport.
type Envelope struct {
	From    string
	To      string
	Subject string
	Plain   string
	HTML    string
	Headers map[string]string
}

// NewEnvelope addresses m from from, tagging it with its message id and,
// when the recipient has one, an unsubscribe link.
func NewEnvelope(from string, m *Message) Envelope {
	env := Envelope{
		From:    from,
		To:      m.Address,
		Subject: m.Subject,
		Plain:   m.PlainBody,
		HTML:    m.HTMLBody,
		Headers: map[string]string{HeaderMessageID: m.ID},
	}
	if m.UnsubscribeURL != "" {
		env.Headers[HeaderListUnsubscribe] = "<" + m.UnsubscribeURL + ">"
	}
	return env
}

// Msg builds the go-mail message for env. A message with an HTML body is
// multipart/alternative, plain text first.
func (env Envelope) Msg(now time.Time) (*mail.Msg, error) {
	m := mail.NewMsg(mail.WithNoDefaultUserAgent())
	if err := m.From(env.From); err != nil {
		return nil, fmt.Errorf("from %q: %w", env.From, err)
	}
	if err := m.To(env.To); err != nil {
		return nil, fmt.Errorf("to %q: %w", env.To, err)
	}
	m.Subject(env.Subject)
	m.SetDateWithValue(now)

	names := make([]string, 0, len(env.Headers))
	for k := range env.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		m.SetGenHeader(mail.Header(k), env.Headers[k])
	}

	m.SetBodyString(mail.TypeTextPlain, env.Plain)
	if env.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, env.HTML)
	}
	return m, nil
}

// Bytes renders env as an RFC 5322 message.
func (env Envelope) Bytes(now time.Time) ([]byte, error) {
	m, err := env.Msg(now)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Transport delivers envelopes.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// SMTPConfig addresses an SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// Timeout bounds one delivery. Default: 30s.
	Timeout time.Duration
	// TLSConfig is used for STARTTLS. ServerName defaults to Host.
	TLSConfig *tls.Config
}

// SMTPTransport delivers over SMTP, one connection per message. STARTTLS
// is used whenever the relay offers it.
type SMTPTransport struct {
	cfg SMTPConfig
	now func() time.Time
}

// NewSMTPTransport creates an SMTPTransport.
func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg.TLSConfig = cfg.TLSConfig.Clone()
	}
	if cfg.TLSConfig.ServerName == "" {
		cfg.TLSConfig.ServerName = cfg.Host
	}
	return &SMTPTransport{cfg: cfg, now: time.Now}
}

// client returns a fresh go-mail client. Clients hold the open connection,
// so concurrent sends each need their own.
func (t *SMTPTransport) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTimeout(t.cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTLSConfig(t.cfg.TLSConfig),
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password),
		)
	}
	return mail.NewClient(t.cfg.Host, opts...)
}

// Send implements Transport.
func (t *SMTPTransport) Send(ctx context.Context, env Envelope) error {
	m, err := env.Msg(t.now())
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}
	c, err := t.client()
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", env.To, err)
	}
	return nil
}

// LogTransport logs envelopes instead of sending them.
type LogTransport struct {
	Logger *slog.Logger
}

// Send implements Transport.
func (t LogTransport) Send(ctx context.Context, env Envelope) error {
	l := t.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "dry run send",
		"mail", env.Headers[HeaderMessageID],
		"to", env.To,
		"subject", env.Subject,
		"html", env.HTML != "",
	)
	return nil
}
