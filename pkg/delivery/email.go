// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/message"
)

// EmailConfig is the destination config of email integrations. Subject and
// body accept {severity}, {alert_type}, {device_id}, {message} and
// {timestamp} placeholders.
type EmailConfig struct {
	Host            string   `json:"host" validate:"required"`
	Port            int      `json:"port" validate:"required,gt=0,lte=65535"`
	Username        string   `json:"username,omitempty"`
	Password        string   `json:"password,omitempty"`
	From            string   `json:"from" validate:"required"`
	To              []string `json:"to" validate:"required,min=1"`
	SubjectTemplate string   `json:"subjectTemplate,omitempty"`
	BodyTemplate    string   `json:"bodyTemplate,omitempty"`
}

const (
	defaultSubjectTemplate = "[{alert_type}] {message}"
	defaultBodyTemplate    = "Device {device_id} reported: {message}\nSeverity: {severity}\nAt: {timestamp}"
)

// errWantImplicitTLS wraps failures of the plaintext-then-STARTTLS path
// that justify retrying with a TLS-wrapped connection instead.
type errWantImplicitTLS struct{ err error }

func (e errWantImplicitTLS) Error() string { return e.err.Error() }
func (e errWantImplicitTLS) Unwrap() error { return e.err }

// SMTPSender delivers alert emails. It prefers plaintext plus STARTTLS and
// falls back to a TLS-wrapped connection when the server speaks TLS from
// the first byte or does not offer the extension.
type SMTPSender struct {
	guard *Guard
	clock clock.Clock
}

// NewSMTPSender returns an SMTP sender behind the address guard.
func NewSMTPSender(guard *Guard, clk clock.Clock) *SMTPSender {
	return &SMTPSender{guard: guard, clock: clk}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, req *Request) Result {
	var cfg EmailConfig
	if err := jsonCodec.Unmarshal(req.Config, &cfg); err != nil {
		return terminal(errors.Wrap(err, "email config"))
	}
	if cfg.Host == "" || cfg.Port <= 0 || cfg.From == "" || len(cfg.To) == 0 {
		return terminal(errors.New("email config needs host, port, from and to"))
	}
	for _, rcpt := range cfg.To {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return terminal(errors.Wrapf(err, "recipient %q", rcpt))
		}
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return terminal(errors.Wrapf(err, "sender %q", cfg.From))
	}

	msg, err := buildMail(&cfg, req.Event, s.clock.Now())
	if err != nil {
		return terminal(err)
	}

	ip, err := s.guard.ResolveHost(ctx, cfg.Host)
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			return terminal(err)
		}
		return transient(err)
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(cfg.Port))

	err = s.deliverStartTLS(ctx, &cfg, addr, msg)
	var fallback errWantImplicitTLS
	if errors.As(err, &fallback) {
		err = s.deliverImplicitTLS(ctx, &cfg, addr, msg)
	}
	if err != nil {
		return classifySMTPError(err)
	}
	return succeeded()
}

func (s *SMTPSender) deliverStartTLS(ctx context.Context, cfg *EmailConfig, addr string, msg []byte) error {
	d := &net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		// Not an SMTP banner; likely a TLS-from-byte-one server.
		return errWantImplicitTLS{err}
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return errWantImplicitTLS{errors.New("server does not offer STARTTLS")}
	}
	if err := c.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
		return err
	}
	return s.transact(c, cfg, msg)
}

func (s *SMTPSender) deliverImplicitTLS(ctx context.Context, cfg *EmailConfig, addr string, msg []byte) error {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    &tls.Config{ServerName: cfg.Host},
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()
	return s.transact(c, cfg, msg)
}

func (s *SMTPSender) transact(c *smtp.Client, cfg *EmailConfig, msg []byte) error {
	if cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(cfg.From); err != nil {
		return err
	}
	for _, rcpt := range cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// classifySMTPError follows the SMTP reply families: 4xx is transient, 5xx
// permanent. Anything that never got a reply code is a network fault and
// retries.
func classifySMTPError(err error) Result {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		if proto.Code >= 400 && proto.Code < 500 {
			return transient(err)
		}
		return terminal(err)
	}
	return transient(err)
}

// buildMail renders the RFC-5322 message: expanded subject, then a
// multipart/alternative body with plain and HTML parts.
func buildMail(cfg *EmailConfig, ev *message.Event, now time.Time) ([]byte, error) {
	vars := ev.TemplateVars()
	subject := sanitizeHeader(message.ExpandTemplate(templateOr(cfg.SubjectTemplate, defaultSubjectTemplate), vars))
	body := message.ExpandTemplate(templateOr(cfg.BodyTemplate, defaultBodyTemplate), vars)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", now.UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@iot-platform>\r\n", uuid.NewString())
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	plain, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := plain.Write([]byte(body)); err != nil {
		return nil, err
	}

	htmlPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	htmlBody := "<html><body><p>" +
		strings.ReplaceAll(html.EscapeString(body), "\n", "<br>") +
		"</p></body></html>"
	if _, err := htmlPart.Write([]byte(htmlBody)); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func templateOr(tmpl, fallback string) string {
	if tmpl == "" {
		return fallback
	}
	return tmpl
}

// sanitizeHeader strips CR/LF so template-expanded values cannot inject
// extra headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}
