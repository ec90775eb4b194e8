package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// SMTPConfig holds connection parameters for the email sink.
type SMTPConfig struct {
	Host       string `envconfig:"HOST"`
	Port       int    `envconfig:"PORT" default:"587"`
	Username   string `envconfig:"USERNAME"`
	Password   string `envconfig:"PASSWORD"`
	FromAddr   string `envconfig:"FROM"`
	ToAddrs    string `envconfig:"TO"`
	Encryption string `envconfig:"ENCRYPTION" default:"starttls"` // "none", "starttls", "ssl_tls"
}

// Enabled reports whether enough is configured to send mail.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.FromAddr != ""
}

// SMTPSink delivers batches as email using the go-mail library.
type SMTPSink struct {
	config SMTPConfig
}

// NewSMTPSink creates a new SMTPSink with the given configuration.
func NewSMTPSink(config SMTPConfig) *SMTPSink {
	return &SMTPSink{config: config}
}

// Deliver sends d to the feed targets, or to the configured recipients when
// the feed has none. Address errors are permanent; transport errors are not.
func (s *SMTPSink) Deliver(ctx context.Context, d Delivery) error {
	m := mail.NewMsg()
	if err := m.From(s.config.FromAddr); err != nil {
		return Permanent(fmt.Errorf("invalid from address: %w", err))
	}

	to := s.recipients(d)
	if len(to) == 0 {
		return Permanent(fmt.Errorf("feed %q has no email recipients", d.FeedID))
	}
	for _, r := range to {
		if err := m.AddTo(r); err != nil {
			return Permanent(fmt.Errorf("invalid recipient %q: %w", r, err))
		}
	}

	m.Subject(d.Subject)

	switch d.Format {
	case FormatHTML:
		m.SetBodyString(mail.TypeTextHTML, d.Body)
	default:
		m.SetBodyString(mail.TypeTextPlain, d.Body)
		// Rich alternative for clients that render HTML.
		if html, err := renderHTML(d.Subject, d.Items); err == nil {
			m.AddAlternativeString(mail.TypeTextHTML, html)
		}
	}

	c, err := mail.NewClient(s.config.Host,
		mail.WithPort(s.config.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.config.Username),
		mail.WithPassword(s.config.Password),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(s.config.Encryption)),
	)
	if err != nil {
		return Permanent(fmt.Errorf("failed to create mail client: %w", err))
	}

	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("sending mail for feed %q: %w", d.FeedID, err)
	}
	return nil
}

func (s *SMTPSink) recipients(d Delivery) []string {
	if len(d.Targets) > 0 {
		return d.Targets
	}
	return cleanTargets(strings.Split(s.config.ToAddrs, ","))
}

// tlsPolicyFromEncryption converts the encryption string to a go-mail TLSPolicy.
func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}
