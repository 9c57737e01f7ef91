// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/storage"
)

func webhookIntegration() *storage.Integration {
	return &storage.Integration{
		Name:    "ops hook",
		Kind:    storage.IntegrationWebhook,
		Config:  []byte(`{"url":"` + publicWebhookURL + `","secret":"s3cret"}`),
		Enabled: true,
	}
}

func TestCreateIntegrationValidation(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	p := tenantUser("T1")

	_, err := h.svc.CreateIntegration(ctx, p, nil)
	assert.ErrorIs(t, err, ErrInvalid)

	cases := map[string]*storage.Integration{
		"empty name": {
			Kind:   storage.IntegrationWebhook,
			Config: []byte(`{"url":"` + publicWebhookURL + `"}`),
		},
		"unknown kind": {
			Name:   "pager",
			Kind:   "pager",
			Config: []byte(`{}`),
		},
		"webhook without config": {
			Name: "hook",
			Kind: storage.IntegrationWebhook,
		},
		"email with bad sender": {
			Name:   "mail",
			Kind:   storage.IntegrationEmail,
			Config: []byte(`{"host":"203.0.113.25","port":587,"from":"not an address","to":["ops@example.com"]}`),
		},
		"email without recipients": {
			Name:   "mail",
			Kind:   storage.IntegrationEmail,
			Config: []byte(`{"host":"203.0.113.25","port":587,"from":"alerts@example.com","to":[]}`),
		},
		"email with internal relay": {
			Name:   "mail",
			Kind:   storage.IntegrationEmail,
			Config: []byte(`{"host":"10.0.0.25","port":587,"from":"alerts@example.com","to":["ops@example.com"]}`),
		},
		"snmp with unknown version": {
			Name:   "traps",
			Kind:   storage.IntegrationSNMP,
			Config: []byte(`{"host":"203.0.113.30","version":"9","community":"public"}`),
		},
		"snmp v2c without community": {
			Name:   "traps",
			Kind:   storage.IntegrationSNMP,
			Config: []byte(`{"host":"203.0.113.30","version":"2c"}`),
		},
		"mqtt with wildcard topic": {
			Name:   "republish",
			Kind:   storage.IntegrationMQTT,
			Config: []byte(`{"topic":"alerts/#"}`),
		},
		"mqtt with qos 2": {
			Name:   "republish",
			Kind:   storage.IntegrationMQTT,
			Config: []byte(`{"topic":"alerts/out","qos":2}`),
		},
	}
	for name, in := range cases {
		_, err := h.svc.CreateIntegration(ctx, p, in)
		assert.ErrorIs(t, err, ErrInvalid, name)
	}

	ins, err := h.svc.ListIntegrations(ctx, p, "")
	require.NoError(t, err)
	assert.Empty(t, ins, "no rejected integration may be persisted")
}

func TestCreateIntegrationBlocksPrivateWebhookTarget(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	p := tenantUser("T1")

	in := webhookIntegration()
	in.Config = []byte(`{"url":"http://10.0.0.8/hook"}`)
	_, err := h.svc.CreateIntegration(ctx, p, in)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 400, StatusCode(err))

	ins, err := h.svc.ListIntegrations(ctx, p, "")
	require.NoError(t, err)
	assert.Empty(t, ins)
}

func TestIntegrationCRUD(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	p := tenantUser("T1")

	created, err := h.svc.CreateIntegration(ctx, p, webhookIntegration())
	require.NoError(t, err)
	require.NotEmpty(t, created.IntegrationID)
	assert.Equal(t, "T1", created.TenantID)

	got, err := h.svc.GetIntegration(ctx, p, created.IntegrationID)
	require.NoError(t, err)
	assert.Equal(t, "ops hook", got.Name)

	edit := webhookIntegration()
	edit.IntegrationID = created.IntegrationID
	edit.Name = "ops hook v2"
	edit.Enabled = false
	_, err = h.svc.UpdateIntegration(ctx, p, edit)
	require.NoError(t, err)

	got, err = h.svc.GetIntegration(ctx, p, created.IntegrationID)
	require.NoError(t, err)
	assert.Equal(t, "ops hook v2", got.Name)
	assert.False(t, got.Enabled)
	assert.Equal(t, "T1", got.TenantID)

	ins, err := h.svc.ListIntegrations(ctx, p, "")
	require.NoError(t, err)
	require.Len(t, ins, 1)

	require.NoError(t, h.svc.DeleteIntegration(ctx, p, created.IntegrationID))
	_, err = h.svc.GetIntegration(ctx, p, created.IntegrationID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIntegrationTenantIsolation(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	created, err := h.svc.CreateIntegration(ctx, tenantUser("T1"), webhookIntegration())
	require.NoError(t, err)

	_, err = h.svc.GetIntegration(ctx, tenantUser("T2"), created.IntegrationID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = h.svc.DeleteIntegration(ctx, tenantUser("T2"), created.IntegrationID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ins, err := h.svc.ListIntegrations(ctx, tenantUser("T2"), "")
	require.NoError(t, err)
	assert.Empty(t, ins)
}

func TestTestIntegrationEnqueuesSyntheticAlert(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	p := tenantUser("T1")

	in := webhookIntegration()
	in.Enabled = false // testable before being switched on
	created, err := h.svc.CreateIntegration(ctx, p, in)
	require.NoError(t, err)

	job, err := h.svc.TestIntegration(ctx, p, created.IntegrationID)
	require.NoError(t, err)
	require.NotEmpty(t, job.JobID)
	assert.Equal(t, "T1", job.TenantID)
	assert.Equal(t, "integration-test:"+job.JobID, job.MessageRef)
	assert.Equal(t, created.IntegrationID, job.IntegrationID)
	assert.Equal(t, storage.IntegrationWebhook, job.Kind)
	assert.JSONEq(t, string(created.Config), string(job.DestinationConfig))
	assert.Equal(t, storage.JobPending, job.Status)
	assert.Equal(t, h.mock.Now().UTC(), job.NextAttemptAt)

	var ev message.Event
	require.NoError(t, json.Unmarshal(job.Event, &ev))
	assert.Equal(t, message.EventTypeAlert, ev.Type)
	assert.Equal(t, "T1", ev.TenantID)
	assert.Equal(t, "TEST", ev.AlertType)
	assert.Equal(t, 1, ev.Severity)
	assert.Contains(t, ev.Summary, created.Name)

	// the job is due immediately for the worker pool
	sys := h.systemScope(t)
	claimed, err := h.mem.Claim(ctx, sys, h.mock.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.JobID, claimed.JobID)
}

func TestTestIntegrationRequiresWriteGrant(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	created, err := h.svc.CreateIntegration(ctx, tenantUser("T1"), webhookIntegration())
	require.NoError(t, err)

	reader := tenantUser("T1")
	reader.Permissions = []string{PermIntegrationsRead}

	_, err = h.svc.GetIntegration(ctx, reader, created.IntegrationID)
	require.NoError(t, err)

	_, err = h.svc.TestIntegration(ctx, reader, created.IntegrationID)
	assert.ErrorIs(t, err, ErrForbidden)
}
