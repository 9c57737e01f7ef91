// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/timeseries"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*storage.FleetAlert
}

func (n *recordingNotifier) AlertOpened(_ context.Context, alert *storage.FleetAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *recordingNotifier) opened() []*storage.FleetAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*storage.FleetAlert(nil), n.alerts...)
}

type engineHarness struct {
	mem      *storage.Memory
	ts       *timeseries.MemoryStore
	mock     *clock.Mock
	notifier *recordingNotifier
	engine   *Engine
}

func newEngineHarness(t *testing.T) *engineHarness {
	h := &engineHarness{
		mem:      nil,
		ts:       timeseries.NewMemoryStore(),
		mock:     clock.NewMock(),
		notifier: &recordingNotifier{},
	}
	h.mem = storage.NewMemoryWithClock(h.mock)
	h.engine = NewEngine(config.Mock(), h.mem, h.mem, h.mem, h.ts, h.notifier, h.mock)

	ctx := context.Background()
	op, err := h.mem.Operator(ctx, storage.OperatorEntry{OperatorID: "op-1", Action: "test.setup"})
	require.NoError(t, err)
	defer op.Close(ctx)
	require.NoError(t, h.mem.CreateTenant(ctx, op, &storage.Tenant{TenantID: "T1", Status: storage.TenantActive}))
	return h
}

func (h *engineHarness) addRule(t *testing.T, rule *storage.AlertRule) *storage.AlertRule {
	ctx := context.Background()
	scope, err := h.mem.Tenant(ctx, rule.TenantID)
	require.NoError(t, err)
	defer scope.Close(ctx)
	require.NoError(t, h.mem.CreateRule(ctx, scope, rule))
	return rule
}

func (h *engineHarness) writePoint(t *testing.T, device, site, metric string, value float64) {
	_, err := h.ts.WritePoints(context.Background(), "T1", []message.Point{{
		TenantID: "T1", DeviceID: device, SiteID: site, Metric: metric,
		Value: value, TS: h.mock.Now().UTC(), Seq: 1,
	}})
	require.NoError(t, err)
}

func (h *engineHarness) listAlerts(t *testing.T, filter storage.AlertListFilter) []storage.FleetAlert {
	ctx := context.Background()
	scope, err := h.mem.Tenant(ctx, "T1")
	require.NoError(t, err)
	defer scope.Close(ctx)
	alerts, err := h.mem.ListAlerts(ctx, scope, filter)
	require.NoError(t, err)
	return alerts
}

func hotRule() *storage.AlertRule {
	return &storage.AlertRule{
		TenantID:   "T1",
		Name:       "too hot",
		MetricName: "temp_c",
		Operator:   storage.OpGT,
		Threshold:  80,
		Severity:   4,
		Enabled:    true,
	}
}

func TestEngineOpensAlertOnBreach(t *testing.T) {
	h := newEngineHarness(t)
	h.addRule(t, hotRule())
	h.writePoint(t, "D1", "S1", "temp_c", 92.5)

	h.engine.EvaluateAll(context.Background())

	alerts := h.listAlerts(t, storage.AlertListFilter{})
	require.Len(t, alerts, 1)
	alert := alerts[0]
	assert.Equal(t, storage.AlertOpen, alert.Status)
	assert.Equal(t, "THRESHOLD", alert.AlertType)
	assert.Equal(t, 4, alert.Severity)
	assert.Equal(t, "D1", alert.DeviceID)
	assert.Equal(t, "temp_c GT 80 (value=92.5)", alert.Summary)
	assert.Contains(t, string(alert.Details), `"observation"`)
	assert.Contains(t, string(alert.Details), `"rule"`)

	opened := h.notifier.opened()
	require.Len(t, opened, 1)
	assert.Equal(t, alert.AlertID, opened[0].AlertID)
}

func TestEngineDedupsActiveFingerprint(t *testing.T) {
	h := newEngineHarness(t)
	h.addRule(t, hotRule())
	h.writePoint(t, "D1", "S1", "temp_c", 92.5)

	h.engine.EvaluateAll(context.Background())
	h.mock.Add(time.Second)
	h.writePoint(t, "D1", "S1", "temp_c", 97.0)
	h.engine.EvaluateAll(context.Background())

	assert.Len(t, h.listAlerts(t, storage.AlertListFilter{}), 1, "still breaching, still one alert")
	assert.Len(t, h.notifier.opened(), 1, "no duplicate fan-out")
}

func TestEngineClosesOnRecovery(t *testing.T) {
	h := newEngineHarness(t)
	h.addRule(t, hotRule())
	h.writePoint(t, "D1", "S1", "temp_c", 92.5)
	h.engine.EvaluateAll(context.Background())

	h.mock.Add(time.Second)
	h.writePoint(t, "D1", "S1", "temp_c", 75.0)
	h.engine.EvaluateAll(context.Background())

	alerts := h.listAlerts(t, storage.AlertListFilter{})
	require.Len(t, alerts, 1)
	assert.Equal(t, storage.AlertClosed, alerts[0].Status)
	assert.False(t, alerts[0].ClosedAt.IsZero())

	// a later breach opens a fresh alert under the same fingerprint
	h.mock.Add(time.Second)
	h.writePoint(t, "D1", "S1", "temp_c", 99.0)
	h.engine.EvaluateAll(context.Background())
	assert.Len(t, h.listAlerts(t, storage.AlertListFilter{}), 2)
}

func TestEngineSiteFilter(t *testing.T) {
	h := newEngineHarness(t)
	rule := hotRule()
	rule.SiteFilter = []string{"S1"}
	h.addRule(t, rule)

	h.writePoint(t, "D1", "S1", "temp_c", 95)
	h.writePoint(t, "D2", "S2", "temp_c", 95)

	h.engine.EvaluateAll(context.Background())

	alerts := h.listAlerts(t, storage.AlertListFilter{})
	require.Len(t, alerts, 1)
	assert.Equal(t, "D1", alerts[0].DeviceID, "devices outside the site filter are ignored")
}

func TestEngineFreshWindow(t *testing.T) {
	h := newEngineHarness(t)
	h.addRule(t, hotRule())

	// a breaching point older than 3x the 15 s eval interval opens nothing
	h.writePoint(t, "D1", "S1", "temp_c", 95)
	h.mock.Add(46 * time.Second)
	h.engine.EvaluateAll(context.Background())
	assert.Empty(t, h.listAlerts(t, storage.AlertListFilter{}))

	// a fresh breach opens
	h.writePoint(t, "D1", "S1", "temp_c", 95)
	h.engine.EvaluateAll(context.Background())
	require.Len(t, h.listAlerts(t, storage.AlertListFilter{}), 1)

	// a recovery point that has itself gone stale does not close
	h.mock.Add(time.Second)
	h.writePoint(t, "D1", "S1", "temp_c", 10)
	h.mock.Add(46 * time.Second)
	h.engine.EvaluateAll(context.Background())
	alerts := h.listAlerts(t, storage.AlertListFilter{})
	require.Len(t, alerts, 1)
	assert.Equal(t, storage.AlertOpen, alerts[0].Status)
}

func TestEngineIgnoresDisabledRulesAndTenants(t *testing.T) {
	h := newEngineHarness(t)
	rule := hotRule()
	rule.Enabled = false
	h.addRule(t, rule)
	h.writePoint(t, "D1", "S1", "temp_c", 95)

	h.engine.EvaluateAll(context.Background())
	assert.Empty(t, h.listAlerts(t, storage.AlertListFilter{}))
}

func TestEngineMultipleDevices(t *testing.T) {
	h := newEngineHarness(t)
	h.addRule(t, hotRule())
	h.writePoint(t, "D1", "S1", "temp_c", 95)
	h.writePoint(t, "D2", "S1", "temp_c", 60)
	h.writePoint(t, "D3", "S1", "temp_c", 81)

	h.engine.EvaluateAll(context.Background())

	alerts := h.listAlerts(t, storage.AlertListFilter{Status: storage.AlertOpen})
	require.Len(t, alerts, 2)
	devices := []string{alerts[0].DeviceID, alerts[1].DeviceID}
	assert.ElementsMatch(t, []string{"D1", "D3"}, devices)
}

func TestCompare(t *testing.T) {
	cases := []struct {
		value     float64
		op        storage.RuleOperator
		threshold float64
		want      bool
	}{
		{81, storage.OpGT, 80, true},
		{80, storage.OpGT, 80, false},
		{80, storage.OpGTE, 80, true},
		{79, storage.OpLT, 80, true},
		{80, storage.OpLT, 80, false},
		{80, storage.OpLTE, 80, true},
		{80, storage.OpEQ, 80, true},
		{80.1, storage.OpEQ, 80, false},
		{80.1, storage.OpNE, 80, true},
		{80, storage.OpNE, 80, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Compare(tc.value, tc.op, tc.threshold), "%v %s %v", tc.value, tc.op, tc.threshold)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint("T1", "D1", "R1")
	assert.Equal(t, a, Fingerprint("T1", "D1", "R1"))
	assert.NotEqual(t, a, Fingerprint("T1", "D2", "R1"))
	assert.NotEqual(t, a, Fingerprint("T1", "D1", "R2"))
	assert.NotEqual(t, a, Fingerprint("T2", "D1", "R1"))
	assert.Len(t, a, 32)
}

func TestSummaryFormatting(t *testing.T) {
	assert.Equal(t, "temp_c GT 80 (value=92.5)", Summary("temp_c", storage.OpGT, 80, 92.5))
	assert.Equal(t, "humidity LTE 0.35 (value=0.2)", Summary("humidity", storage.OpLTE, 0.35, 0.2))
}
