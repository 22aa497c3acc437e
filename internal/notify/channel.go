package notify

import (
	"context"
	"log"

	"github.com/wneessen/go-mail"
)

// Channel delivers one rendered notification to one recipient.
type Channel interface {
	Send(ctx context.Context, recipient string, subject string, body string) error
}

// SMTPChannel sends notifications by email.
type SMTPChannel struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func NewSMTPChannel(host string, port int, username string, password string, from string) *SMTPChannel {
	return &SMTPChannel{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
	}
}

func (c *SMTPChannel) Send(ctx context.Context, recipient string, subject string, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(c.from); err != nil {
		return err
	}
	if err := msg.To(recipient); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := mail.NewClient(c.host,
		mail.WithPort(c.port),
		mail.WithSMTPAuth(mail.SMTPAuthLogin),
		mail.WithUsername(c.username),
		mail.WithPassword(c.password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return err
	}

	return client.DialAndSendWithContext(ctx, msg)
}

// LogChannel is the dev-mode fallback when no SMTP server is configured. It
// writes the notification to the process log and always succeeds.
type LogChannel struct{}

func (LogChannel) Send(_ context.Context, recipient string, subject string, body string) error {
	log.Printf("[notify] to=%s subject=%q\n%s", recipient, subject, body)
	return nil
}
