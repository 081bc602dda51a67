package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mail "gopkg.in/mail.v2"
)

// Sender delivers a composed message. *mail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// Mailer sends notices by SMTP. The requester identity is their address.
type Mailer struct {
	From   string
	Admin  string
	Sender Sender
}

func NewMailer(addr, user, password, from, admin string) (*Mailer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("smtp port: %w", err)
	}
	d := mail.NewDialer(host, port, user, password)
	d.Timeout = 10 * time.Second
	d.StartTLSPolicy = mail.OpportunisticStartTLS
	return &Mailer{From: from, Admin: admin, Sender: d}, nil
}

func (m *Mailer) NotifyUser(ctx context.Context, identity, subject, body string) error {
	return m.send(ctx, identity, subject, body)
}

func (m *Mailer) NotifyAdmin(ctx context.Context, subject, body string) error {
	if m.Admin == "" {
		return nil
	}
	return m.send(ctx, m.Admin, subject, body)
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		return errors.New("mail: empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := mail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	if err := m.Sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("mail to %s: %w", to, err)
	}
	return nil
}
