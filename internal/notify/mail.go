package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"depscan-service/internal/config"
)

// MailSender delivers messages over plain SMTP. No mail library is pulled in;
// the message format is simple enough for net/smtp.
type MailSender struct {
	cfg  config.MailConfig
	addr string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewMailSender(cfg *config.Config) *MailSender {
	return &MailSender{
		cfg:  cfg.Notifications.Mail,
		addr: cfg.MailAddr(),
		send: smtp.SendMail,
	}
}

func (m *MailSender) Send(ctx context.Context, recipient string, msg Message) error {
	if recipient == "" {
		return fmt.Errorf("mail recipient is empty")
	}
	if m.cfg.Host == "" {
		return fmt.Errorf("smtp host is not configured")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.cfg.From, recipient, msg.Subject, strings.Join(msg.Lines, "\r\n"))

	if err := m.send(m.addr, auth, m.cfg.From, []string{recipient}, []byte(body)); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}

	return nil
}
