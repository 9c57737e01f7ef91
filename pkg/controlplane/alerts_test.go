// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/storage"
)

func (h *svcHarness) seedAlert(t *testing.T, tenant, device, fingerprint string) *storage.FleetAlert {
	t.Helper()
	a := &storage.FleetAlert{
		TenantID:    tenant,
		DeviceID:    device,
		AlertType:   "THRESHOLD",
		Severity:    3,
		Summary:     "temp_c GT 80 (value=92.5)",
		Fingerprint: fingerprint,
	}
	scope := h.tenantScope(t, tenant)
	require.NoError(t, h.mem.InsertAlert(context.Background(), scope, a))
	return a
}

func TestAlertLifecycle(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	p := tenantUser("T1")
	a := h.seedAlert(t, "T1", "D1", "fp-1")

	require.NoError(t, h.svc.AcknowledgeAlert(ctx, p, a.AlertID))
	got, err := h.svc.GetAlert(ctx, p, a.AlertID)
	require.NoError(t, err)
	assert.Equal(t, storage.AlertAcknowledged, got.Status)

	// acknowledging again is a no-op
	require.NoError(t, h.svc.AcknowledgeAlert(ctx, p, a.AlertID))

	require.NoError(t, h.svc.CloseAlert(ctx, p, a.AlertID))
	got, err = h.svc.GetAlert(ctx, p, a.AlertID)
	require.NoError(t, err)
	assert.Equal(t, storage.AlertClosed, got.Status)
	assert.Equal(t, h.mock.Now().UTC(), got.ClosedAt)

	// closing twice is a no-op, acknowledging a closed alert is not
	require.NoError(t, h.svc.CloseAlert(ctx, p, a.AlertID))
	err = h.svc.AcknowledgeAlert(ctx, p, a.AlertID)
	require.ErrorIs(t, err, storage.ErrBadState)
	assert.Equal(t, http.StatusConflict, StatusCode(err))
}

func TestAlertIDRequired(t *testing.T) {
	h := newSvcHarness(t)

	err := h.svc.AcknowledgeAlert(context.Background(), tenantUser("T1"), "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestAlertTenantIsolation(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	a := h.seedAlert(t, "T1", "D1", "fp-1")

	_, err := h.svc.GetAlert(ctx, tenantUser("T2"), a.AlertID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	alerts, err := h.svc.ListAlerts(ctx, tenantUser("T2"), storage.AlertListFilter{})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	err = h.svc.CloseAlert(ctx, tenantUser("T2"), a.AlertID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOperatorListsAlertsAcrossTenants(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	h.seedAlert(t, "T1", "D1", "fp-1")
	h.seedAlert(t, "T2", "D9", "fp-2")

	all, err := h.svc.ListAlerts(ctx, operatorUser(), storage.AlertListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	only, err := h.svc.ListAlerts(ctx, operatorUser(), storage.AlertListFilter{TenantID: "T2"})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "T2", only[0].TenantID)
	assert.Equal(t, "D9", only[0].DeviceID)
}

func TestListAlertsFilters(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	p := tenantUser("T1")
	a1 := h.seedAlert(t, "T1", "D1", "fp-1")
	h.seedAlert(t, "T1", "D2", "fp-2")
	require.NoError(t, h.svc.AcknowledgeAlert(ctx, p, a1.AlertID))

	acked, err := h.svc.ListAlerts(ctx, p, storage.AlertListFilter{Status: storage.AlertAcknowledged})
	require.NoError(t, err)
	require.Len(t, acked, 1)
	assert.Equal(t, a1.AlertID, acked[0].AlertID)

	byDevice, err := h.svc.ListAlerts(ctx, p, storage.AlertListFilter{DeviceID: "D2"})
	require.NoError(t, err)
	require.Len(t, byDevice, 1)
	assert.Equal(t, "D2", byDevice[0].DeviceID)
}

func TestSilenceAlertKeepsLifecycleState(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	p := tenantUser("T1")
	a := h.seedAlert(t, "T1", "D1", "fp-1")

	require.NoError(t, h.svc.SilenceAlert(ctx, p, a.AlertID, true))
	got, err := h.svc.GetAlert(ctx, p, a.AlertID)
	require.NoError(t, err)
	assert.True(t, got.Silenced)
	assert.Equal(t, storage.AlertOpen, got.Status)

	require.NoError(t, h.svc.SilenceAlert(ctx, p, a.AlertID, false))
	got, err = h.svc.GetAlert(ctx, p, a.AlertID)
	require.NoError(t, err)
	assert.False(t, got.Silenced)
}
