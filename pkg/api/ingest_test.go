// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/controlplane"
	"github.com/DataDog/iot-platform/pkg/message"
)

func telemetryPayload(site string) []byte {
	return []byte(fmt.Sprintf(`{"siteId":%q,"seq":1,"metrics":{"temp":21.5}}`, site))
}

func (h *apiHarness) postTelemetry(t *testing.T, tenant, device, secret string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	target := fmt.Sprintf("/ingest/v1/tenant/%s/device/%s/telemetry", tenant, device)
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(string(body)))
	if secret != "" {
		req.Header.Set("X-Provision-Token", secret)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func ingestReason(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Reason string `json:"reason"`
	}
	decodeInto(t, rec, &body)
	return body.Reason
}

func TestIngestAcceptsTelemetry(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	rec := h.postTelemetry(t, "T1", "dev-1", "s3cret-1", telemetryPayload("site-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	// The point sits in the batch buffer until the writer drains on stop.
	h.stopPipeline(t)
	points := h.ts.pointsFor("T1")
	require.Len(t, points, 1)
	assert.Equal(t, "dev-1", points[0].DeviceID)
	assert.Equal(t, "temp", points[0].Metric)
	assert.Equal(t, 21.5, points[0].Value)
}

func TestIngestRequiresToken(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	rec := h.postTelemetry(t, "T1", "dev-1", "", telemetryPayload("site-1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(message.ReasonTokenMissing), ingestReason(t, rec))
}

func TestIngestRejectsBadToken(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	rec := h.postTelemetry(t, "T1", "dev-1", "wrong", telemetryPayload("site-1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(message.ReasonTokenInvalid), ingestReason(t, rec))
}

func TestIngestRejectsUnknownDevice(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.postTelemetry(t, "T1", "ghost", "s3cret-1", telemetryPayload("site-1"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(message.ReasonDeviceUnknown), ingestReason(t, rec))
}

func TestIngestRejectsRevokedDevice(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	op := &controlplane.Principal{Subject: "op-1", Role: controlplane.RoleOperator}
	require.NoError(t, h.control.RevokeDevice(context.Background(), op, "T1", "dev-1"))

	rec := h.postTelemetry(t, "T1", "dev-1", "s3cret-1", telemetryPayload("site-1"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(message.ReasonDeviceRevoked), ingestReason(t, rec))
}

func TestIngestRejectsSiteMismatch(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	rec := h.postTelemetry(t, "T1", "dev-1", "s3cret-1", telemetryPayload("site-9"))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(message.ReasonSiteMismatch), ingestReason(t, rec))
}

func TestIngestRejectsMalformedPayload(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	rec := h.postTelemetry(t, "T1", "dev-1", "s3cret-1", []byte(`{"siteId":`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(message.ReasonMalformedJSON), ingestReason(t, rec))
}

func TestIngestEnforcesPayloadLimit(t *testing.T) {
	h := newAPIHarness(t, func(cfg *config.MockConfig) {
		cfg.Set("payload_max_bytes", 64)
	})
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	body := []byte(fmt.Sprintf(`{"siteId":"site-1","seq":1,"metrics":{"temp":1},"pad":%q}`, strings.Repeat("x", 128)))
	rec := h.postTelemetry(t, "T1", "dev-1", "s3cret-1", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(message.ReasonPayloadTooLarge), ingestReason(t, rec))
}

func TestIngestRateLimits(t *testing.T) {
	h := newAPIHarness(t, func(cfg *config.MockConfig) {
		cfg.Set("rate_limit_quota", 1)
	})
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	rec := h.postTelemetry(t, "T1", "dev-1", "s3cret-1", telemetryPayload("site-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.postTelemetry(t, "T1", "dev-1", "s3cret-1", telemetryPayload("site-1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, string(message.ReasonRateLimited), ingestReason(t, rec))
}

func TestRejectedPayloadIsQuarantined(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.provision(t, "T1", "dev-1", "site-1", "s3cret-1")

	rec := h.postTelemetry(t, "T1", "dev-1", "s3cret-1", telemetryPayload("site-9"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Quarantine capture happens before the HTTP reply, so the row is
	// already visible.
	list := h.do(t, http.MethodGet, "/api/v1/quarantine?limit=10", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, list.Code)
	var rows []struct {
		DeviceID string `json:"deviceId"`
		Reason   string `json:"reason"`
	}
	decodeInto(t, list, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, "dev-1", rows[0].DeviceID)
	assert.Equal(t, string(message.ReasonSiteMismatch), rows[0].Reason)
}

func TestProvisionedDeviceCanIngest(t *testing.T) {
	h := newAPIHarness(t, nil)

	body := map[string]interface{}{"tenantId": "T1", "deviceId": "dev-9", "siteId": "site-9"}
	rec := h.do(t, http.MethodPost, "/api/v1/devices", tokenOperator, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		DeviceID string `json:"deviceId"`
		Secret   string `json:"secret"`
	}
	decodeInto(t, rec, &created)
	require.Equal(t, "dev-9", created.DeviceID)
	require.NotEmpty(t, created.Secret, "provisioning response carries the secret")

	post := h.postTelemetry(t, "T1", "dev-9", created.Secret, telemetryPayload("site-9"))
	assert.Equal(t, http.StatusAccepted, post.Code)
}
