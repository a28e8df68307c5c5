package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/SigNoz/nexus-checkout/internal/models"
	"go.uber.org/zap"
)

// Message is a plain text email
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Mailer delivers email
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPMailer
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
}

// SMTPMailer sends through an SMTP relay with PLAIN auth when credentials are set
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Send delivers msg. net/smtp has no context support; ctx is only checked up front.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)
	if err := m.send(addr, auth, msg.From, msg.To, []byte(b.String())); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", addr, err)
	}
	return nil
}

// LogMailer writes messages to the log instead of sending them
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("email",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

// ConfirmationEmailHandler handles SendPaymentConfirmationEmail tasks
func ConfirmationEmailHandler(mailer Mailer, from string) Handler {
	return func(ctx context.Context, task Task) error {
		var p models.PaymentConfirmation
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return Permanent(fmt.Errorf("invalid payment confirmation payload: %w", err))
		}
		if p.Email == "" {
			return Permanent(fmt.Errorf("payment confirmation for %s has no recipient", p.TxRef))
		}

		return mailer.Send(ctx, Message{
			From:    from,
			To:      []string{p.Email},
			Subject: "Payment Successful",
			Body: fmt.Sprintf("Your payment of %s %s was successful.\nTransaction Ref: %s",
				p.Amount.StringFixed(2), p.Currency, p.TxRef),
		})
	}
}
