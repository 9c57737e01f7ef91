// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/config"
)

// WebhookConfig is the destination config of webhook integrations and
// webhook routes. Secret, when set, signs the body.
type WebhookConfig struct {
	URL    string `json:"url" validate:"required,url"`
	Secret string `json:"secret,omitempty"`
}

// signatureHeader carries the hex HMAC-SHA256 of the exact body bytes.
const signatureHeader = "X-Signature-SHA256"

// HTTPSender posts event JSON to webhook URLs. Redirects are not followed
// and every dial goes through the address guard.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender reads webhook_timeout_secs.
func NewHTTPSender(cfg config.Config, guard *Guard) *HTTPSender {
	timeout := cfg.GetDuration("webhook_timeout_secs") * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{
		// No Proxy: an egress proxy would dial on our behalf and bypass
		// the address guard.
		DialContext:         guard.DialContext,
		TLSHandshakeTimeout: timeout,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPSender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, req *Request) Result {
	var cfg WebhookConfig
	if err := jsonCodec.Unmarshal(req.Config, &cfg); err != nil {
		return terminal(errors.Wrap(err, "webhook config"))
	}
	if cfg.URL == "" {
		return terminal(errors.New("webhook config has no url"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(req.Body))
	if err != nil {
		return terminal(errors.Wrap(err, "building webhook request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		httpReq.Header.Set(signatureHeader, SignBody(cfg.Secret, req.Body))
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, ErrBlockedAddress) {
			return terminal(err)
		}
		return transient(errors.Wrap(err, "webhook request"))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	return classifyHTTPStatus(resp)
}

func classifyHTTPStatus(resp *http.Response) Result {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return succeeded()
	case resp.StatusCode == http.StatusTooManyRequests:
		res := transient(errors.Errorf("webhook returned 429"))
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return res
	case resp.StatusCode >= 500:
		return transient(errors.Errorf("webhook returned %d", resp.StatusCode))
	default:
		// 4xx and unfollowed redirects: retrying cannot help.
		return terminal(errors.Errorf("webhook returned %d", resp.StatusCode))
	}
}

// SignBody returns the hex HMAC-SHA256 of the exact body bytes. Receivers
// verify it against the raw request body before parsing.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
