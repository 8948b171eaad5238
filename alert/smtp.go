package alert

import (
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPChannel delivers alerts as plain-text email.
type SMTPChannel struct {
	host     string
	port     int
	from     string
	to       []string
	username string
	password string

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPChannel(host string, port int, from string, to []string, username, password string) *SMTPChannel {
	return &SMTPChannel{
		host:     host,
		port:     port,
		from:     from,
		to:       to,
		username: username,
		password: password,
		send:     smtp.SendMail,
	}
}

func (c *SMTPChannel) Name() string { return "smtp" }

func (c *SMTPChannel) Send(subject, body string) error {
	if len(c.to) == 0 {
		return nil
	}
	var auth smtp.Auth
	if c.username != "" {
		auth = smtp.PlainAuth("", c.username, c.password, c.host)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	addr := fmt.Sprintf("%s:%d", c.host, c.port)
	if err := c.send(addr, auth, c.from, c.to, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", addr, err)
	}
	return nil
}
