// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"encoding/json"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/message"
)

func alertEventFixture() *message.Event {
	return message.AlertEvent("T1", "D1", "A1", "THRESHOLD", "temp_c GT 80 (value=92.5)", 4, time.Unix(1700000000, 0).UTC())
}

func TestBuildMailRendersHeadersAndParts(t *testing.T) {
	cfg := &EmailConfig{
		Host: "mail.example.com",
		Port: 587,
		From: "alerts@example.com",
		To:   []string{"ops@example.com", "oncall@example.com"},
	}
	msg, err := buildMail(cfg, alertEventFixture(), time.Unix(1700000100, 0).UTC())
	require.NoError(t, err)

	text := string(msg)
	assert.Contains(t, text, "From: alerts@example.com\r\n")
	assert.Contains(t, text, "To: ops@example.com, oncall@example.com\r\n")
	assert.Contains(t, text, "Subject: [THRESHOLD] temp_c GT 80 (value=92.5)\r\n")
	assert.Contains(t, text, "MIME-Version: 1.0\r\n")
	assert.Contains(t, text, "multipart/alternative")
	assert.Contains(t, text, "text/plain; charset=utf-8")
	assert.Contains(t, text, "text/html; charset=utf-8")
	assert.Contains(t, text, "Device D1 reported: temp_c GT 80 (value=92.5)")
	assert.Contains(t, text, "Severity: 4")
}

func TestBuildMailExpandsCustomTemplates(t *testing.T) {
	cfg := &EmailConfig{
		Host:            "mail.example.com",
		Port:            587,
		From:            "alerts@example.com",
		To:              []string{"ops@example.com"},
		SubjectTemplate: "sev{severity}: {device_id}",
		BodyTemplate:    "{alert_type} at {timestamp}: {message}",
	}
	msg, err := buildMail(cfg, alertEventFixture(), time.Now())
	require.NoError(t, err)

	text := string(msg)
	assert.Contains(t, text, "Subject: sev4: D1\r\n")
	assert.Contains(t, text, "THRESHOLD at 2023-11-14T22:13:20Z: temp_c GT 80 (value=92.5)")
}

func TestBuildMailSanitizesSubjectInjection(t *testing.T) {
	cfg := &EmailConfig{
		Host:            "mail.example.com",
		Port:            587,
		From:            "alerts@example.com",
		To:              []string{"ops@example.com"},
		SubjectTemplate: "one\r\nBcc: hidden@example.com",
	}
	msg, err := buildMail(cfg, alertEventFixture(), time.Now())
	require.NoError(t, err)
	// The CRLF is flattened, so the smuggled text stays inside the subject.
	assert.NotContains(t, string(msg), "\r\nBcc:")
	assert.Contains(t, string(msg), "Subject: one  Bcc: hidden@example.com\r\n")
}

func TestSMTPSenderRejectsBadAddresses(t *testing.T) {
	s := NewSMTPSender(permissiveGuard(), clock.New())
	ev := alertEventFixture()
	body, _ := ev.Marshal()

	cfg, _ := json.Marshal(map[string]interface{}{
		"host": "mail.example.com", "port": 587,
		"from": "alerts@example.com", "to": []string{"not-an-address"},
	})
	res := s.Send(context.Background(), &Request{Config: cfg, Event: ev, Body: body})
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)

	cfg, _ = json.Marshal(map[string]interface{}{
		"host": "mail.example.com", "port": 587,
		"from": "also bad", "to": []string{"ops@example.com"},
	})
	res = s.Send(context.Background(), &Request{Config: cfg, Event: ev, Body: body})
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
}

func TestSMTPSenderIncompleteConfigIsTerminal(t *testing.T) {
	s := NewSMTPSender(permissiveGuard(), clock.New())
	ev := alertEventFixture()

	res := s.Send(context.Background(), &Request{Config: json.RawMessage(`{"host":"mail.example.com"}`), Event: ev})
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
}

func TestSMTPSenderBlockedHostIsTerminal(t *testing.T) {
	s := NewSMTPSender(NewGuard(), clock.New())
	ev := alertEventFixture()
	body, _ := ev.Marshal()

	cfg, _ := json.Marshal(map[string]interface{}{
		"host": "10.0.0.8", "port": 25,
		"from": "alerts@example.com", "to": []string{"ops@example.com"},
	})
	res := s.Send(context.Background(), &Request{Config: cfg, Event: ev, Body: body})
	assert.False(t, res.Success)
	assert.False(t, res.Retryable)
	assert.True(t, errors.Is(res.Err, ErrBlockedAddress))
}

func TestClassifySMTPError(t *testing.T) {
	res := classifySMTPError(&textproto.Error{Code: 451, Msg: "try again later"})
	assert.True(t, res.Retryable)

	res = classifySMTPError(&textproto.Error{Code: 550, Msg: "no such user"})
	assert.False(t, res.Retryable)

	res = classifySMTPError(&net.OpError{Op: "dial", Err: errors.New("connection refused")})
	assert.True(t, res.Retryable)

	// Wrapped protocol errors still classify by reply code.
	res = classifySMTPError(errors.Wrap(&textproto.Error{Code: 554, Msg: "rejected"}, "sending"))
	assert.False(t, res.Retryable)
}

func TestWantImplicitTLSUnwraps(t *testing.T) {
	inner := errors.New("bad banner")
	err := error(errWantImplicitTLS{inner})

	var fallback errWantImplicitTLS
	require.True(t, errors.As(err, &fallback))
	assert.Equal(t, inner, fallback.err)
}
