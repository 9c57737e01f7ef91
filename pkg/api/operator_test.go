// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/storage"
)

func TestRuleCRUD(t *testing.T) {
	h := newAPIHarness(t, nil)

	body := map[string]interface{}{
		"name": "high-temp", "metricName": "temp", "operator": "GT",
		"threshold": 30.0, "severity": 2, "enabled": true,
	}
	rec := h.do(t, http.MethodPost, "/api/v1/rules", tokenTenant1, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		RuleID   string `json:"ruleId"`
		TenantID string `json:"tenantId"`
	}
	decodeInto(t, rec, &created)
	require.NotEmpty(t, created.RuleID)
	assert.Equal(t, "T1", created.TenantID)

	rec = h.do(t, http.MethodGet, "/api/v1/rules/"+created.RuleID, tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Name      string  `json:"name"`
		Threshold float64 `json:"threshold"`
	}
	decodeInto(t, rec, &got)
	assert.Equal(t, "high-temp", got.Name)

	rec = h.do(t, http.MethodGet, "/api/v1/rules", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []json.RawMessage
	decodeInto(t, rec, &list)
	assert.Len(t, list, 1)

	body["operator"] = "GTE"
	body["threshold"] = 35.0
	rec = h.do(t, http.MethodPut, "/api/v1/rules/"+created.RuleID, tokenTenant1, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeInto(t, rec, &got)
	assert.Equal(t, 35.0, got.Threshold)

	// The other tenant can neither read nor see the rule.
	rec = h.do(t, http.MethodGet, "/api/v1/rules/"+created.RuleID, tokenTenant2, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/v1/rules", tokenTenant2, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &list)
	assert.Empty(t, list)

	// Asking for another tenant's listing by name is refused outright.
	rec = h.do(t, http.MethodGet, "/api/v1/rules?tenant=T2", tokenTenant1, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/v1/rules/"+created.RuleID, tokenTenant1, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/v1/rules/"+created.RuleID, tokenTenant1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleValidation(t *testing.T) {
	h := newAPIHarness(t, nil)

	base := func() map[string]interface{} {
		return map[string]interface{}{
			"name": "r", "metricName": "temp", "operator": "GT",
			"threshold": 1.0, "severity": 1, "enabled": true,
		}
	}

	bad := base()
	bad["operator"] = "ABOVE"
	rec := h.do(t, http.MethodPost, "/api/v1/rules", tokenTenant1, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad = base()
	bad["severity"] = 9
	rec = h.do(t, http.MethodPost, "/api/v1/rules", tokenTenant1, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad = base()
	bad["metricName"] = "9starts-with-digit"
	rec = h.do(t, http.MethodPost, "/api/v1/rules", tokenTenant1, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/rules", tokenTenant1, []byte(`{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "request body")
}

func TestOperatorCreatesRuleForTenant(t *testing.T) {
	h := newAPIHarness(t, nil)

	body := map[string]interface{}{
		"name": "fleet-wide", "metricName": "battery", "operator": "LT",
		"threshold": 10.0, "severity": 4, "enabled": true,
	}
	// An operator rule needs an explicit tenant.
	rec := h.do(t, http.MethodPost, "/api/v1/rules", tokenOperator, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "tenant id is required")

	body["tenantId"] = "T1"
	rec = h.do(t, http.MethodPost, "/api/v1/rules", tokenOperator, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/v1/rules", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []struct {
		Name string `json:"name"`
	}
	decodeInto(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "fleet-wide", list[0].Name)
}

func TestRouteCRUDAndDryRun(t *testing.T) {
	h := newAPIHarness(t, nil)

	body := map[string]interface{}{
		"name":              "to-webhook",
		"topicFilter":       "tenant/T1/device/+/telemetry",
		"destinationType":   "webhook",
		"destinationConfig": map[string]string{"url": "https://192.0.2.10/hook"},
		"enabled":           true,
	}
	rec := h.do(t, http.MethodPost, "/api/v1/routes", tokenTenant1, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		RouteID string `json:"routeId"`
	}
	decodeInto(t, rec, &created)
	require.NotEmpty(t, created.RouteID)

	// A private-network destination never reaches the routes table.
	private := map[string]interface{}{
		"name": "to-internal", "topicFilter": "tenant/T1/#", "destinationType": "webhook",
		"destinationConfig": map[string]string{"url": "http://10.0.0.5/hook"}, "enabled": true,
	}
	rec = h.do(t, http.MethodPost, "/api/v1/routes", tokenTenant1, private)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	testURL := "/api/v1/routes/" + created.RouteID + "/test"
	var result struct {
		TopicMatched   bool   `json:"topicMatched"`
		PayloadMatched bool   `json:"payloadMatched"`
		WouldDispatch  bool   `json:"wouldDispatch"`
		Probed         bool   `json:"probed"`
		ProbeError     string `json:"probeError"`
	}

	rec = h.do(t, http.MethodPost, testURL, tokenTenant1, map[string]interface{}{
		"topic":   "tenant/T1/device/dev-1/telemetry",
		"payload": map[string]interface{}{"siteId": "site-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeInto(t, rec, &result)
	assert.True(t, result.TopicMatched)
	assert.True(t, result.PayloadMatched)
	assert.True(t, result.WouldDispatch)
	assert.False(t, result.Probed)

	rec = h.do(t, http.MethodPost, testURL, tokenTenant1, map[string]interface{}{
		"topic": "tenant/T1/device/dev-1/heartbeat",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &result)
	assert.False(t, result.TopicMatched)
	assert.False(t, result.WouldDispatch)

	rec = h.do(t, http.MethodPost, testURL, tokenTenant1, map[string]interface{}{
		"topic": "tenant/T1/device/dev-1/telemetry",
		"probe": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &result)
	assert.True(t, result.Probed)
	assert.Empty(t, result.ProbeError)
	require.Len(t, h.probe.sent(), 1)
	assert.Equal(t, "T1", h.probe.sent()[0].TenantID)

	rec = h.do(t, http.MethodDelete, "/api/v1/routes/"+created.RouteID, tokenTenant1, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/v1/routes/"+created.RouteID, tokenTenant1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntegrationLifecycle(t *testing.T) {
	h := newAPIHarness(t, nil)

	body := map[string]interface{}{
		"kind":    "webhook",
		"name":    "ops-hook",
		"config":  map[string]string{"url": "https://192.0.2.10/hook"},
		"enabled": true,
	}
	rec := h.do(t, http.MethodPost, "/api/v1/integrations", tokenTenant1, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		IntegrationID string `json:"integrationId"`
	}
	decodeInto(t, rec, &created)
	require.NotEmpty(t, created.IntegrationID)

	rec = h.do(t, http.MethodGet, "/api/v1/integrations", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []json.RawMessage
	decodeInto(t, rec, &list)
	assert.Len(t, list, 1)

	// Test-firing an integration enqueues a synthetic delivery job.
	rec = h.do(t, http.MethodPost, "/api/v1/integrations/"+created.IntegrationID+"/test", tokenTenant1, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job struct {
		JobID      string `json:"jobId"`
		Status     string `json:"status"`
		MessageRef string `json:"messageRef"`
	}
	decodeInto(t, rec, &job)
	require.NotEmpty(t, job.JobID)
	assert.Equal(t, string(storage.JobPending), job.Status)
	assert.True(t, strings.HasPrefix(job.MessageRef, "integration-test:"))

	rec = h.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/retry", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var retried struct {
		Requeued bool `json:"requeued"`
	}
	decodeInto(t, rec, &retried)
	assert.True(t, retried.Requeued)

	rec = h.do(t, http.MethodDelete, "/api/v1/integrations/"+created.IntegrationID, tokenTenant1, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAlertLifecycle(t *testing.T) {
	h := newAPIHarness(t, nil)
	scope := h.systemScope(t)
	require.NoError(t, h.mem.InsertAlert(context.Background(), scope, &storage.FleetAlert{
		AlertID:     "A1",
		TenantID:    "T1",
		DeviceID:    "dev-1",
		AlertType:   "threshold",
		Severity:    2,
		Status:      storage.AlertOpen,
		Summary:     "temp over threshold",
		Fingerprint: "fp-1",
	}))

	rec := h.do(t, http.MethodGet, "/api/v1/alerts?status=OPEN", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []struct {
		AlertID string `json:"alertId"`
	}
	decodeInto(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "A1", list[0].AlertID)

	rec = h.do(t, http.MethodGet, "/api/v1/alerts?status=CLOSED", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &list)
	assert.Empty(t, list)

	// The other tenant cannot see the alert at all.
	rec = h.do(t, http.MethodGet, "/api/v1/alerts/A1", tokenTenant2, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/alerts/A1/acknowledge", tokenTenant1, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/alerts/A1/silence", tokenTenant1, map[string]bool{"silenced": true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	var got struct {
		Status   string     `json:"status"`
		Silenced bool       `json:"silenced"`
		ClosedAt *time.Time `json:"closedAt"`
	}
	rec = h.do(t, http.MethodGet, "/api/v1/alerts/A1", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &got)
	assert.Equal(t, string(storage.AlertAcknowledged), got.Status)
	assert.True(t, got.Silenced)
	assert.Nil(t, got.ClosedAt)

	rec = h.do(t, http.MethodPost, "/api/v1/alerts/A1/close", tokenTenant1, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/alerts/A1", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &got)
	assert.Equal(t, string(storage.AlertClosed), got.Status)
	require.NotNil(t, got.ClosedAt)
}

func TestDeadLetterFlow(t *testing.T) {
	h := newAPIHarness(t, nil)
	scope := h.systemScope(t)
	ctx := context.Background()
	now := h.mock.Now().UTC()

	require.NoError(t, h.mem.AppendDeadLetter(ctx, scope, &storage.DeadLetterRecord{
		DLQID:           "dlq-1",
		TenantID:        "T1",
		DestinationType: storage.IntegrationWebhook,
		ErrorMessage:    "connection refused",
		Attempts:        5,
		Status:          storage.DLQFailed,
		CreatedAt:       now,
	}))
	require.NoError(t, h.mem.AppendDeadLetter(ctx, scope, &storage.DeadLetterRecord{
		DLQID:           "dlq-2",
		TenantID:        "T1",
		DestinationType: storage.IntegrationWebhook,
		ErrorMessage:    "timeout",
		Attempts:        5,
		Status:          storage.DLQFailed,
		CreatedAt:       now.Add(-48 * time.Hour),
	}))
	job := h.replayer.add("dlq-1")

	rec := h.do(t, http.MethodGet, "/api/v1/deadletters", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []struct {
		DLQID string `json:"dlqId"`
	}
	decodeInto(t, rec, &list)
	assert.Len(t, list, 2)

	rec = h.do(t, http.MethodGet, "/api/v1/deadletters/dlq-1", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		ErrorMessage string `json:"errorMessage"`
	}
	decodeInto(t, rec, &got)
	assert.Equal(t, "connection refused", got.ErrorMessage)

	rec = h.do(t, http.MethodPost, "/api/v1/deadletters/dlq-1/replay", tokenTenant1, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var replayed struct {
		JobID string `json:"jobId"`
	}
	decodeInto(t, rec, &replayed)
	assert.Equal(t, job.JobID, replayed.JobID)

	// Batch entries fail independently, in request order.
	rec = h.do(t, http.MethodPost, "/api/v1/deadletters/replay", tokenTenant1,
		map[string][]string{"dlqIds": {"dlq-1", "missing"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcomes []struct {
		DLQID string `json:"dlqId"`
		JobID string `json:"jobId"`
		Error string `json:"error"`
	}
	decodeInto(t, rec, &outcomes)
	require.Len(t, outcomes, 2)
	assert.Equal(t, job.JobID, outcomes[0].JobID)
	assert.Empty(t, outcomes[0].Error)
	assert.Equal(t, "missing", outcomes[1].DLQID)
	assert.NotEmpty(t, outcomes[1].Error)

	rec = h.do(t, http.MethodPost, "/api/v1/deadletters/dlq-1/discard", tokenTenant1, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodPost, "/api/v1/deadletters/dlq-1/discard", tokenTenant1, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/deadletters/purge", tokenTenant1,
		map[string]int{"olderThanDays": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/deadletters/purge", tokenTenant1,
		map[string]int{"olderThanDays": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var purged struct {
		Purged int64 `json:"purged"`
	}
	decodeInto(t, rec, &purged)
	assert.Equal(t, int64(1), purged.Purged)
}

func TestDeviceLifecycle(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/v1/devices", tokenTenant1,
		map[string]string{"deviceId": "dev-5", "siteId": "site-5"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		TenantID string `json:"tenantId"`
		Secret   string `json:"secret"`
	}
	decodeInto(t, rec, &created)
	assert.Equal(t, "T1", created.TenantID)
	require.NotEmpty(t, created.Secret)

	// Reads never echo the secret back.
	var got struct {
		Status           string     `json:"status"`
		Secret           string     `json:"secret"`
		DecommissionedAt *time.Time `json:"decommissionedAt"`
	}
	rec = h.do(t, http.MethodGet, "/api/v1/devices/dev-5", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &got)
	assert.Empty(t, got.Secret)

	rec = h.do(t, http.MethodGet, "/api/v1/devices", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []json.RawMessage
	decodeInto(t, rec, &list)
	assert.Len(t, list, 1)

	rec = h.do(t, http.MethodPost, "/api/v1/devices/dev-5/revoke", tokenTenant1, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/devices/dev-5", tokenTenant1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &got)
	assert.Equal(t, "REVOKED", got.Status)
	assert.NotNil(t, got.DecommissionedAt)

	rec = h.do(t, http.MethodPost, "/api/v1/devices", tokenTenant1,
		map[string]string{"deviceId": "bad device id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A tenant cannot provision into another tenant.
	rec = h.do(t, http.MethodPost, "/api/v1/devices", tokenTenant1,
		map[string]string{"tenantId": "T2", "deviceId": "dev-6"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuditTrail(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/devices?tenant=T1", tokenOperator, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/audit?limit=50", tokenOperator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []struct {
		OperatorID   string `json:"operatorId"`
		Action       string `json:"action"`
		TargetTenant string `json:"targetTenant"`
		RequestIP    string `json:"requestIp"`
		ResultCode   int    `json:"resultCode"`
	}
	decodeInto(t, rec, &rows)

	var found bool
	for _, row := range rows {
		if row.Action == "list_devices" {
			found = true
			assert.Equal(t, "op-1", row.OperatorID)
			assert.Equal(t, "T1", row.TargetTenant)
			assert.Equal(t, "192.0.2.1", row.RequestIP)
			assert.Equal(t, http.StatusOK, row.ResultCode)
		}
	}
	assert.True(t, found, "list_devices access is on the trail")

	// The trail is operator-only.
	rec = h.do(t, http.MethodGet, "/api/v1/audit", tokenTenant1, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
