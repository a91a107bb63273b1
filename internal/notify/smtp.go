package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string   // SMTP server hostname
	Port     int      // SMTP server port (25, 465, 587)
	Username string   // SMTP auth username, empty to skip AUTH
	Password string   // SMTP auth password
	Protocol string   // "tls" (port 465), "starttls" (port 587), "none" (port 25)
	FromAddr string   // Sender email address
	FromName string   // Sender display name
	ToAddrs  []string // Recipient email addresses
}

// Enabled reports whether enough is configured to attempt delivery.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.FromAddr != "" && len(c.ToAddrs) > 0
}

// SMTPChannel delivers alerts as plaintext email.
type SMTPChannel struct {
	config  SMTPConfig
	logger  *slog.Logger
	timeout time.Duration
}

// NewSMTPChannel creates an SMTP channel with the given config.
func NewSMTPChannel(cfg SMTPConfig, logger *slog.Logger) *SMTPChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Protocol == "none" && cfg.Username != "" {
		logger.Warn("SMTP using unencrypted connection - credentials will be sent in plaintext. Consider using TLS or STARTTLS.")
	}
	return &SMTPChannel{config: cfg, logger: logger, timeout: 10 * time.Second}
}

// Name implements Channel.
func (m *SMTPChannel) Name() string { return "smtp" }

// Send implements Channel.
func (m *SMTPChannel) Send(ctx context.Context, a Alert) error {
	if len(m.config.ToAddrs) == 0 {
		return errors.New("notify.SMTPChannel.Send: no recipients configured")
	}
	subject := "[aipulse] " + a.Title
	msg := m.buildMessage(subject, formatEmailBody(a))

	client, err := m.connect(ctx)
	if err != nil {
		return fmt.Errorf("notify.SMTPChannel.Send: connect: %w", err)
	}
	defer client.Close()

	if m.config.Username != "" {
		if err := m.authenticate(client); err != nil {
			return fmt.Errorf("notify.SMTPChannel.Send: auth: %w", err)
		}
	}

	if err := client.Mail(m.config.FromAddr); err != nil {
		return fmt.Errorf("notify.SMTPChannel.Send: MAIL FROM: %w", err)
	}

	for _, addr := range m.config.ToAddrs {
		if err := client.Rcpt(addr); err != nil {
			return fmt.Errorf("notify.SMTPChannel.Send: RCPT TO %s: %w", addr, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify.SMTPChannel.Send: DATA: %w", err)
	}

	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("notify.SMTPChannel.Send: write: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("notify.SMTPChannel.Send: close data: %w", err)
	}

	client.Quit()
	m.logger.Info("Email sent", "subject", subject, "recipients", len(m.config.ToAddrs))
	return nil
}

// TestConnection verifies SMTP connectivity and authentication.
func (m *SMTPChannel) TestConnection(ctx context.Context) error {
	client, err := m.connect(ctx)
	if err != nil {
		return fmt.Errorf("notify.TestConnection: connect: %w", err)
	}
	defer client.Close()

	if m.config.Username != "" {
		if err := m.authenticate(client); err != nil {
			return fmt.Errorf("notify.TestConnection: auth: %w", err)
		}
	}

	client.Quit()
	return nil
}

// connect establishes an SMTP connection using the configured protocol.
func (m *SMTPChannel) connect(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	dialer := &net.Dialer{Timeout: m.timeout}

	switch m.config.Protocol {
	case "tls":
		// Implicit TLS (port 465): TLS from the start
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: m.config.Host}}
		conn, err := td.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("TLS dial: %w", err)
		}
		client, err := smtp.NewClient(conn, m.config.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("SMTP client: %w", err)
		}
		return client, nil

	case "starttls":
		// STARTTLS (port 587): plain connect, then upgrade
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		client, err := smtp.NewClient(conn, m.config.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("SMTP client: %w", err)
		}
		if err := client.StartTLS(&tls.Config{ServerName: m.config.Host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
		return client, nil

	default:
		// Plain SMTP (port 25): no encryption
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		client, err := smtp.NewClient(conn, m.config.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("SMTP client: %w", err)
		}
		return client, nil
	}
}

// authenticate performs SMTP AUTH PLAIN.
func (m *SMTPChannel) authenticate(client *smtp.Client) error {
	auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	return client.Auth(auth)
}

// buildMessage constructs an RFC 2822 email message.
func (m *SMTPChannel) buildMessage(subject, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s <%s>\r\n", m.config.FromName, m.config.FromAddr)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(m.config.ToAddrs, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", subject)
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return sb.String()
}

func formatEmailBody(a Alert) string {
	var sb strings.Builder
	sb.WriteString(a.Body)
	sb.WriteString("\r\n\r\n")
	if a.Provider != "" {
		fmt.Fprintf(&sb, "Provider: %s\r\n", a.Provider)
	}
	if a.AccountName != "" {
		fmt.Fprintf(&sb, "Account: %s\r\n", a.AccountName)
	}
	if a.LimitID != "" {
		fmt.Fprintf(&sb, "Limit: %s\r\n", a.LimitID)
	}
	if !a.Time.IsZero() {
		fmt.Fprintf(&sb, "Time: %s\r\n", a.Time.UTC().Format(time.RFC3339))
	}
	return sb.String()
}
