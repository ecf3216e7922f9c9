package delivery

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email sends messages over SMTP.
type Email struct {
	dialer mailDialer
	from   string
}

func NewEmail(host string, port int, user, password, from string) *Email {
	return &Email{
		dialer: gomail.NewDialer(host, port, user, password),
		from:   from,
	}
}

func (e *Email) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", subject(msg.Purpose))
	m.SetBody("text/plain", body(msg))

	if err := e.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
