package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jordan-wright/email"

	"github.com/bulkmail/bulkmail/internal/model"
)

// Dialer abstracts net.Dialer so tests can supply an in-memory connection
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPConfig configures an SMTP relay adapter
type SMTPConfig struct {
	Name      string
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	FromName  string
	HelloName string
	Timeout   time.Duration
	// TLSConfig is used for STARTTLS when the server offers it. Nil skips STARTTLS.
	TLSConfig *tls.Config
	// Dialer overrides the default dialer, which binds the sending IP from the context.
	Dialer Dialer
}

// SMTP delivers through an SMTP relay. It is the one adapter that honours
// the sending IP chosen by rotation, by binding it as the local address.
type SMTP struct {
	name      string
	host      string
	port      int
	from      string
	fromName  string
	helloName string
	timeout   time.Duration
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
}

// NewSMTP creates an SMTP relay adapter
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp: invalid port %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp: from address is required")
	}
	if cfg.Name == "" {
		cfg.Name = model.ProviderTypeSMTP
	}
	if cfg.HelloName == "" {
		cfg.HelloName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}

	s := &SMTP{
		name:      cfg.Name,
		host:      cfg.Host,
		port:      cfg.Port,
		from:      strings.TrimSpace(cfg.From),
		fromName:  cfg.FromName,
		helloName: cfg.HelloName,
		timeout:   cfg.Timeout,
		tlsConfig: cfg.TLSConfig,
		dialer:    cfg.Dialer,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s, nil
}

// Name implements Adapter
func (s *SMTP) Name() string { return s.name }

// BindsSourceIP implements SourceIPBinder
func (s *SMTP) BindsSourceIP() bool { return true }

// Send implements Adapter
func (s *SMTP) Send(ctx context.Context, req *model.SendRequest) *model.SendResult {
	if err := CheckRequest(req); err != nil {
		return Failure(s.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	from := senderFor(req, s.from)
	envelopeFrom, err := envelopeAddress(from)
	if err != nil {
		return Failure(s.name, fmt.Errorf("smtp: invalid from address: %w", err))
	}

	recipients := make([]string, 0, len(req.To))
	for _, to := range req.To {
		addr, err := envelopeAddress(to)
		if err != nil {
			return Failure(s.name, fmt.Errorf("smtp: invalid recipient %q: %w", to, err))
		}
		recipients = append(recipients, addr)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(envelopeFrom))
	raw, err := s.buildMessage(req, from, messageID)
	if err != nil {
		return Failure(s.name, err)
	}

	if err := s.deliver(ctx, envelopeFrom, recipients, raw); err != nil {
		return Failure(s.name, err)
	}
	return Success(s.name, messageID)
}

func (s *SMTP) buildMessage(req *model.SendRequest, from, messageID string) ([]byte, error) {
	e := email.NewEmail()
	e.From = from
	if s.fromName != "" && req.From == "" {
		e.From = (&mail.Address{Name: s.fromName, Address: from}).String()
	}
	e.To = req.To
	e.Subject = req.Subject
	if req.ReplyTo != "" {
		e.ReplyTo = []string{req.ReplyTo}
	}
	if req.Text != "" {
		e.Text = []byte(req.Text)
	}
	if req.HTML != "" {
		e.HTML = []byte(req.HTML)
	}
	e.Headers.Set("Message-Id", messageID)

	for _, a := range req.Attachments {
		if _, err := e.Attach(bytes.NewReader(a.Content), a.Filename, contentTypeOrDefault(a.ContentType)); err != nil {
			return nil, fmt.Errorf("smtp: failed to attach %s: %w", a.Filename, err)
		}
	}

	raw, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("smtp: failed to build message: %w", err)
	}
	return raw, nil
}

func (s *SMTP) dialerFor(ctx context.Context) (Dialer, error) {
	if s.dialer != nil {
		return s.dialer, nil
	}
	d := &net.Dialer{Timeout: s.timeout}
	if ip := SourceIP(ctx); ip != "" {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return nil, fmt.Errorf("smtp: invalid source ip %q", ip)
		}
		d.LocalAddr = &net.TCPAddr{IP: parsed}
	}
	return d, nil
}

func (s *SMTP) deliver(ctx context.Context, from string, recipients []string, message []byte) error {
	dialer, err := s.dialerFor(ctx)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return fmt.Errorf("smtp: new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(s.helloName); err != nil {
		return fmt.Errorf("smtp: hello: %w", err)
	}

	if s.tlsConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			cfg := s.tlsConfig.Clone()
			if cfg.ServerName == "" {
				cfg.ServerName = s.host
			}
			if err := client.StartTLS(cfg); err != nil {
				return fmt.Errorf("smtp: starttls: %w", err)
			}
		}
	}

	if s.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(s.auth); err != nil {
				return fmt.Errorf("smtp: auth: %w", err)
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp: mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp: rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp: data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: data close: %w", err)
	}

	// The relay has accepted the message; a failed QUIT must not turn it
	// into a failure that failover would send again.
	_ = client.Quit()
	return nil
}

func envelopeAddress(value string) (string, error) {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

func domainOf(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		return address[at+1:]
	}
	return "localhost"
}
