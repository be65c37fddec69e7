package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"

	"go.uber.org/zap"

	"github.com/matheus3301/mailchat/internal/config"
)

// SMTPSender implements Sender by opening a fresh SMTP transaction per send.
// Chat volume per account is low; a persistent SMTP connection would mostly
// sit idle and time out server-side anyway.
type SMTPSender struct {
	ep     config.Endpoint
	logger *zap.Logger
}

// NewSMTPSender creates a sender for the endpoint.
func NewSMTPSender(ep config.Endpoint, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{ep: ep, logger: logger}
}

// Send delivers raw MIME to the recipients.
func (s *SMTPSender) Send(ctx context.Context, from string, recipients []string, raw []byte) error {
	if len(recipients) == 0 {
		return &Error{Op: "send", Err: fmt.Errorf("no recipients")}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := s.dial(ctx)
	if err != nil {
		return &Error{Op: "send", Err: err}
	}
	defer func() { _ = client.Close() }()

	if s.ep.Username != "" {
		auth := smtp.PlainAuth("", s.ep.Username, s.ep.Password, s.ep.Host)
		if err := client.Auth(auth); err != nil {
			return &Error{Op: "send", Err: fmt.Errorf("auth: %w", err)}
		}
	}

	if err := client.Mail(from); err != nil {
		return &Error{Op: "send", Err: fmt.Errorf("mail from: %w", err)}
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return &Error{Op: "send", Err: fmt.Errorf("rcpt %s: %w", rcpt, err)}
		}
	}

	w, err := client.Data()
	if err != nil {
		return &Error{Op: "send", Err: fmt.Errorf("data: %w", err)}
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return &Error{Op: "send", Err: fmt.Errorf("write body: %w", err)}
	}
	if err := w.Close(); err != nil {
		return &Error{Op: "send", Err: fmt.Errorf("close data: %w", err)}
	}

	if err := client.Quit(); err != nil {
		// The message was accepted; a failed QUIT is not a send failure.
		s.logger.Warn("smtp quit failed", zap.Error(err))
	}
	s.logger.Info("message sent", zap.Int("recipients", len(recipients)), zap.Int("bytes", len(raw)))
	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := s.ep.Addr()

	if s.ep.TLS {
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		client, err := smtp.NewClient(conn, s.ep.Host)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("smtp handshake: %w", err)
		}
		return client, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, s.ep.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}
	if err := client.StartTLS(&tls.Config{ServerName: s.ep.Host}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("starttls: %w", err)
	}
	return client, nil
}
