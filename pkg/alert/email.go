package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// EmailChannel sends alerts through an SMTP relay, upgrading with STARTTLS
// when UseTLS is set.
type EmailChannel struct {
	config    types.EmailConfig
	timeout   time.Duration
	tlsConfig *tls.Config
	log       *logrus.Entry
}

// NewEmailChannel creates an SMTP channel. timeout bounds one delivery.
func NewEmailChannel(config types.EmailConfig, timeout time.Duration) (*EmailChannel, error) {
	if config.SMTPHost == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if config.From == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	if len(config.To) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if config.Name == "" {
		config.Name = TypeEmail
	}
	return &EmailChannel{
		config:  config,
		timeout: timeout,
		tlsConfig: &tls.Config{
			ServerName: config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		},
		log: logger.ForComponent("alert").WithField(logger.FieldChannel, config.Name),
	}, nil
}

func (e *EmailChannel) Name() string          { return e.config.Name }
func (e *EmailChannel) Type() string          { return TypeEmail }
func (e *EmailChannel) Budget() time.Duration { return e.timeout }

// Send makes a single delivery attempt.
func (e *EmailChannel) Send(ctx context.Context, msg Message) (int, error) {
	if err := e.send(ctx, msg); err != nil {
		return 1, &types.DeliveryError{Channel: e.config.Name, Err: err}
	}
	e.log.Debugf("Alert mailed to %d recipients", len(e.config.To))
	return 1, nil
}

func (e *EmailChannel) send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(e.config.SMTPHost, strconv.Itoa(e.config.SMTPPort))
	dialer := net.Dialer{Timeout: e.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// unblock any pending SMTP exchange on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, e.config.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer client.Close()

	if e.config.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("server %s does not support STARTTLS", addr)
		}
		if err := client.StartTLS(e.tlsConfig); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}

	if e.config.Username != "" {
		auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(e.config.From); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	for _, rcpt := range e.config.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s rejected: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(e.buildMessage(msg)); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return client.Quit()
}

func (e *EmailChannel) buildMessage(msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + e.config.From + "\r\n")
	b.WriteString("To: " + strings.Join(e.config.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
