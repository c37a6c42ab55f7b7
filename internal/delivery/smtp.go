package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPTransport delivers digest emails over SMTP.
type SMTPTransport struct {
	client *mail.Client
	from   string
}

// NewSMTPTransport creates a transport for the given SMTP endpoint. An empty
// username skips authentication (local relay setups).
func NewSMTPTransport(host string, port int, username, password, from string) (*SMTPTransport, error) {
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(30 * time.Second),
	}
	if username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(username),
			mail.WithPassword(password),
		)
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	return &SMTPTransport{client: client, from: from}, nil
}

// Send delivers one message. The send is attempted exactly once; the caller
// owns retry policy.
func (t *SMTPTransport) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	msg := mail.NewMsg()
	if err := msg.From(t.from); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("setting recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, textBody)
	msg.AddAlternativeString(mail.TypeTextHTML, htmlBody)

	if err := t.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending to %s: %w", to, err)
	}
	return nil
}
