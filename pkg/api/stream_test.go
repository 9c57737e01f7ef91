// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
)

// openStream connects to the live-stream endpoint on a running server and
// waits for the SSE headers. The client timeout bounds a hung read when an
// expected frame never arrives.
func openStream(t *testing.T, srv *httptest.Server, token, query string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/stream"+query, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func readStreamLine(t *testing.T, rd *bufio.Reader) string {
	t.Helper()
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err, "stream read")
		line = strings.TrimRight(line, "\n")
		if line != "" {
			return line
		}
	}
}

func readFrame(t *testing.T, rd *bufio.Reader) (string, []byte) {
	t.Helper()
	event := readStreamLine(t, rd)
	require.True(t, strings.HasPrefix(event, "event: "), "unexpected line %q", event)
	data := readStreamLine(t, rd)
	require.True(t, strings.HasPrefix(data, "data: "), "unexpected line %q", data)
	return strings.TrimPrefix(event, "event: "), []byte(strings.TrimPrefix(data, "data: "))
}

func (h *apiHarness) waitForSubscriber(t *testing.T, tenant string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount(tenant) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func telemetryEnvelope(h *apiHarness, device string) *message.Envelope {
	return &message.Envelope{
		TenantID:   "T1",
		DeviceID:   device,
		Kind:       message.KindTelemetry,
		Topic:      "tenant/T1/device/" + device + "/telemetry",
		ReceivedAt: h.mock.Now(),
		Seq:        1,
		Metrics:    map[string]message.MetricValue{"temp": {Num: 21.5}},
	}
}

func TestStreamDeliversAcceptedTelemetry(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	srv := httptest.NewServer(h.srv.Handler())
	t.Cleanup(srv.Close)

	rd := openStream(t, srv, tokenTenant1, "")
	h.waitForSubscriber(t, "T1", 1)

	rec := h.postTelemetry(t, "T1", "dev-1", "s3cret-1", telemetryPayload("site-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	event, data := readFrame(t, rd)
	assert.Equal(t, "telemetry", event)
	var frame struct {
		TenantID string             `json:"tenantId"`
		DeviceID string             `json:"deviceId"`
		Metrics  map[string]float64 `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "T1", frame.TenantID)
	assert.Equal(t, "dev-1", frame.DeviceID)
	assert.Equal(t, 21.5, frame.Metrics["temp"])
}

func TestStreamFiltersByDevice(t *testing.T) {
	h := newAPIHarness(t, nil)

	srv := httptest.NewServer(h.srv.Handler())
	t.Cleanup(srv.Close)

	rd := openStream(t, srv, tokenTenant1, "?device=dev-2")
	h.waitForSubscriber(t, "T1", 1)

	h.bus.Publish(telemetryEnvelope(h, "dev-1"))
	h.bus.Publish(telemetryEnvelope(h, "dev-2"))

	_, data := readFrame(t, rd)
	var frame struct {
		DeviceID string `json:"deviceId"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "dev-2", frame.DeviceID, "the dev-1 frame is filtered out")
}

func TestStreamTenantResolution(t *testing.T) {
	h := newAPIHarness(t, nil)

	// Operators stream one tenant at a time.
	rec := h.do(t, http.MethodGet, "/api/v1/stream", tokenOperator, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "operators must name a tenant")

	// Tenants may not stream someone else's fleet.
	rec = h.do(t, http.MethodGet, "/api/v1/stream?tenant=T2", tokenTenant1, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "not accessible")
}

func TestStreamSubscriberCap(t *testing.T) {
	h := newAPIHarness(t, func(cfg *config.MockConfig) {
		cfg.Set("stream_max_subscribers_per_tenant", 1)
	})

	srv := httptest.NewServer(h.srv.Handler())
	t.Cleanup(srv.Close)

	openStream(t, srv, tokenTenant1, "")
	h.waitForSubscriber(t, "T1", 1)

	rec := h.do(t, http.MethodGet, "/api/v1/stream", tokenTenant1, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestStreamKeepalive(t *testing.T) {
	h := newAPIHarness(t, nil)

	srv := httptest.NewServer(h.srv.Handler())
	t.Cleanup(srv.Close)

	rd := openStream(t, srv, tokenTenant1, "")
	h.waitForSubscriber(t, "T1", 1)

	// One real frame first, proving the handler reached its event loop and
	// armed the keepalive ticker.
	h.bus.Publish(telemetryEnvelope(h, "dev-1"))
	event, _ := readFrame(t, rd)
	require.Equal(t, "telemetry", event)

	h.mock.Add(streamKeepAlive)
	assert.Equal(t, ": keepalive", readStreamLine(t, rd))
}
