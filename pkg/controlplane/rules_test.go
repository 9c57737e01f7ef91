// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/storage"
)

func sampleRule() *storage.AlertRule {
	return &storage.AlertRule{
		Name:       "too hot",
		MetricName: "temp_c",
		Operator:   storage.OpGT,
		Threshold:  80,
		Severity:   4,
		Enabled:    true,
	}
}

func TestCreateRuleValidation(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	p := tenantUser("T1")

	cases := map[string]func(r *storage.AlertRule){
		"empty name":       func(r *storage.AlertRule) { r.Name = "" },
		"bad metric name":  func(r *storage.AlertRule) { r.MetricName = "1starts_with_digit" },
		"empty metric":     func(r *storage.AlertRule) { r.MetricName = "" },
		"unknown operator": func(r *storage.AlertRule) { r.Operator = "BETWEEN" },
		"nan threshold":    func(r *storage.AlertRule) { r.Threshold = math.NaN() },
		"inf threshold":    func(r *storage.AlertRule) { r.Threshold = math.Inf(1) },
		"severity low":     func(r *storage.AlertRule) { r.Severity = 0 },
		"severity high":    func(r *storage.AlertRule) { r.Severity = 6 },
	}
	for name, mutate := range cases {
		r := sampleRule()
		mutate(r)
		_, err := h.svc.CreateRule(ctx, p, r)
		assert.ErrorIs(t, err, ErrInvalid, name)
	}

	_, err := h.svc.CreateRule(ctx, p, nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRuleCRUD(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()
	p := tenantUser("T1")

	created, err := h.svc.CreateRule(ctx, p, sampleRule())
	require.NoError(t, err)
	assert.NotEmpty(t, created.RuleID)
	assert.Equal(t, "T1", created.TenantID)
	assert.Equal(t, h.mock.Now().UTC(), created.CreatedAt)

	got, err := h.svc.GetRule(ctx, p, created.RuleID)
	require.NoError(t, err)
	assert.Equal(t, "too hot", got.Name)

	got.Threshold = 90
	updated, err := h.svc.UpdateRule(ctx, p, got)
	require.NoError(t, err)
	assert.Equal(t, float64(90), updated.Threshold)

	got, err = h.svc.GetRule(ctx, p, created.RuleID)
	require.NoError(t, err)
	assert.Equal(t, float64(90), got.Threshold)
	assert.Equal(t, "T1", got.TenantID)

	rules, err := h.svc.ListRules(ctx, p, "")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	require.NoError(t, h.svc.DeleteRule(ctx, p, created.RuleID))
	_, err = h.svc.GetRule(ctx, p, created.RuleID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOperatorCreateRuleNamesTenant(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	// operators must say whose rule it is
	_, err := h.svc.CreateRule(ctx, operatorUser(), sampleRule())
	assert.ErrorIs(t, err, ErrInvalid)

	r := sampleRule()
	r.TenantID = "T2"
	created, err := h.svc.CreateRule(ctx, operatorUser(), r)
	require.NoError(t, err)
	assert.Equal(t, "T2", created.TenantID)

	recs := h.auditByAction(t, "create_rule")
	require.Len(t, recs, 1)
	assert.Equal(t, "T2", recs[0].TargetTenant)
}

func TestRuleTenantIsolation(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	created, err := h.svc.CreateRule(ctx, tenantUser("T1"), sampleRule())
	require.NoError(t, err)

	_, err = h.svc.GetRule(ctx, tenantUser("T2"), created.RuleID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = h.svc.DeleteRule(ctx, tenantUser("T2"), created.RuleID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOperatorListRulesFiltersByTenant(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateRule(ctx, tenantUser("T1"), sampleRule())
	require.NoError(t, err)
	r2 := sampleRule()
	r2.Name = "too cold"
	r2.Operator = storage.OpLT
	r2.Threshold = 5
	_, err = h.svc.CreateRule(ctx, tenantUser("T2"), r2)
	require.NoError(t, err)

	all, err := h.svc.ListRules(ctx, operatorUser(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := h.svc.ListRules(ctx, operatorUser(), "T2")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "too cold", only[0].Name)
}
