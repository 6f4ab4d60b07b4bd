package utils

import (
	"fmt"
	"time"

	"gopkg.in/gomail.v2"
)

// DefaultSendTimeout bounds the whole SMTP conversation (dial, greeting,
// data) so a stuck send cannot stall a worker; a timeout flows through
// the normal retry path like any transport failure.
const DefaultSendTimeout = 10 * time.Second

// Mailer is the outbound transport: a single send capability. The core
// does not manage transport configuration beyond this.
type Mailer interface {
	Send(to, subject, html string) error
}

// SMTPMailer sends through a plain SMTP relay via gomail.
type SMTPMailer struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

func NewSMTPMailer(host string, port int, username, password, fromEmail, fromName string) *SMTPMailer {
	return &SMTPMailer{
		Host:      host,
		Port:      port,
		Username:  username,
		Password:  password,
		FromEmail: fromEmail,
		FromName:  fromName,
		Timeout:   DefaultSendTimeout,
	}
}

func (m *SMTPMailer) Send(to, subject, html string) error {
	msg := gomail.NewMessage()
	from := m.FromEmail
	if m.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail)
	}
	msg.SetHeader("From", from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", html)

	d := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.DialAndSend(msg)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", to, err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("smtp send to %s: timed out after %s", to, timeout)
	}
}
