package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/autointelli/alertd/pkg/types"
	"github.com/k3a/html2text"
	"github.com/nicholas-fedor/shoutrrr"
)

// Message is a rendered email.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Transport delivers a rendered message.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfigSource provides the mail relay configuration.
type SMTPConfigSource interface {
	GetSMTPConfig(ctx context.Context) (*types.SMTPConfig, error)
}

// SecretGetter resolves named secrets.
type SecretGetter interface {
	Get(ctx context.Context, name string) (string, error)
}

// ErrNoSMTPConfig is returned when no mail relay is configured.
var ErrNoSMTPConfig = errors.New("notify: no smtp configuration")

// SMTPTransport sends email through shoutrrr's SMTP service. The relay
// configuration is read on every send so edits apply without a restart.
type SMTPTransport struct {
	source  SMTPConfigSource
	secrets SecretGetter
	html    bool
	send    func(rawURL, body string) error
}

// NewSMTPTransport creates an SMTP transport. secrets may be nil when no
// relay password is stored by reference. With html false the body is
// converted to plain text before sending.
func NewSMTPTransport(source SMTPConfigSource, secrets SecretGetter, html bool) *SMTPTransport {
	return &SMTPTransport{
		source:  source,
		secrets: secrets,
		html:    html,
		send:    shoutrrr.Send,
	}
}

// Send delivers msg to all recipients in one SMTP transaction.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	cfg, err := t.source.GetSMTPConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading smtp config: %w", err)
	}
	if cfg == nil {
		return ErrNoSMTPConfig
	}

	password := cfg.Password
	if cfg.PasswordRef != "" && t.secrets != nil {
		if password, err = t.secrets.Get(ctx, cfg.PasswordRef); err != nil {
			return fmt.Errorf("resolving smtp password: %w", err)
		}
	}

	rawURL := BuildSMTPURL(cfg, password, msg.To, msg.Subject, t.html)
	body := msg.HTML
	if !t.html {
		body = html2text.HTML2Text(msg.HTML)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- t.send(rawURL, body) }()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("sending email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sending email: %w", ctx.Err())
	}
}

// BuildSMTPURL renders a shoutrrr smtp:// URL for the relay.
func BuildSMTPURL(cfg *types.SMTPConfig, password string, to []string, subject string, html bool) string {
	u := url.URL{
		Scheme: "smtp",
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   "/",
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, password)
	}

	q := url.Values{}
	q.Set("fromaddress", cfg.Sender)
	q.Set("toaddresses", strings.Join(to, ","))
	q.Set("subject", subject)
	q.Set("encryption", encryptionFor(cfg.Security))
	if cfg.Username != "" {
		q.Set("auth", "Plain")
	} else {
		q.Set("auth", "None")
	}
	if html {
		q.Set("usehtml", "Yes")
	} else {
		q.Set("usehtml", "No")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func encryptionFor(s types.SMTPSecurity) string {
	switch s {
	case types.SMTPSecurityTLS:
		return "ExplicitTLS"
	case types.SMTPSecuritySSL:
		return "ImplicitTLS"
	default:
		return "None"
	}
}

// LogTransport logs messages instead of sending them.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a dry-run transport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With("component", "notify")}
}

// Send logs the message.
func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	t.logger.Info("dry run: email not sent",
		"to", strings.Join(msg.To, ","),
		"subject", msg.Subject,
		"body_bytes", len(msg.HTML),
	)
	return nil
}
