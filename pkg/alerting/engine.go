// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package alerting evaluates threshold rules against the freshest
// telemetry and drives the fleet alert lifecycle: open on breach, close on
// recovery, at most one active alert per fingerprint.
package alerting

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/timeseries"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// freshWindowFactor scales the evaluation interval into the freshness
// window: points older than that neither open nor close alerts.
const freshWindowFactor = 3

// Notifier is told about newly opened alerts, so deliveries fan out. The
// dispatcher implements it; a nil notifier disables fan-out.
type Notifier interface {
	AlertOpened(ctx context.Context, alert *storage.FleetAlert)
}

// Engine is the rule evaluation loop.
type Engine struct {
	scopes   storage.ScopeFactory
	rules    storage.RuleStore
	alerts   storage.AlertStore
	ts       timeseries.Store
	notifier Notifier
	clock    clock.Clock

	interval     time.Duration
	queryTimeout time.Duration
	freshWindow  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewEngine reads eval_interval_secs and eval_query_timeout_secs.
func NewEngine(cfg config.Config, scopes storage.ScopeFactory, rules storage.RuleStore, alerts storage.AlertStore, ts timeseries.Store, notifier Notifier, clk clock.Clock) *Engine {
	interval := cfg.GetDuration("eval_interval_secs") * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	queryTimeout := cfg.GetDuration("eval_query_timeout_secs") * time.Second
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}

	return &Engine{
		scopes:       scopes,
		rules:        rules,
		alerts:       alerts,
		ts:           ts,
		notifier:     notifier,
		clock:        clk,
		interval:     interval,
		queryTimeout: queryTimeout,
		freshWindow:  freshWindowFactor * interval,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the evaluation loop.
func (e *Engine) Start() {
	go e.run()
	log.Infof("rule engine started, evaluating every %s", e.interval)
}

// Stop halts the loop and waits for the current pass to finish, bounded by
// ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run() {
	defer close(e.done)

	ticker := e.clock.Ticker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.EvaluateAll(context.Background())
		}
	}
}

// EvaluateAll runs one evaluation pass over every ACTIVE tenant holding at
// least one enabled rule. No state is carried between passes beyond the
// alert store.
func (e *Engine) EvaluateAll(ctx context.Context) {
	tenants, err := e.listTenants(ctx)
	if err != nil {
		log.Errorf("rule evaluation pass aborted: %v", err)
		return
	}
	for _, tenantID := range tenants {
		if err := e.EvaluateTenant(ctx, tenantID); err != nil {
			log.Errorf("rule evaluation for tenant %s failed: %v", tenantID, err)
		}
	}
}

func (e *Engine) listTenants(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	scope, err := e.scopes.System(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "system scope")
	}
	defer scope.Close(ctx)
	return e.rules.TenantsWithEnabledRules(ctx, scope)
}

// EvaluateTenant evaluates every enabled rule of one tenant.
func (e *Engine) EvaluateTenant(ctx context.Context, tenantID string) error {
	scope, err := e.scopes.Tenant(ctx, tenantID)
	if err != nil {
		return errors.Wrap(err, "tenant scope")
	}
	defer scope.Close(ctx)

	rules, err := e.rules.EnabledRules(ctx, scope)
	if err != nil {
		return errors.Wrap(err, "load rules")
	}

	now := e.clock.Now().UTC()
	for _, rule := range rules {
		if err := e.evaluateRule(ctx, scope, &rule, now); err != nil {
			log.Warnf("rule %s (%s) evaluation failed: %v", rule.RuleID, rule.Name, err)
		}
	}
	return nil
}

func (e *Engine) evaluateRule(ctx context.Context, scope *storage.Scope, rule *storage.AlertRule, now time.Time) error {
	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	points, err := e.ts.QueryLatest(qctx, rule.TenantID, "", []string{rule.MetricName}, 1)
	cancel()
	if err != nil {
		return errors.Wrap(err, "query latest")
	}

	// Deterministic pass order: freshest first, ties broken toward the
	// higher device id.
	sort.Slice(points, func(i, j int) bool {
		if !points[i].TS.Equal(points[j].TS) {
			return points[i].TS.After(points[j].TS)
		}
		return points[i].DeviceID > points[j].DeviceID
	})

	sites := siteSet(rule.SiteFilter)
	for _, p := range points {
		if sites != nil {
			if _, ok := sites[p.SiteID]; !ok {
				continue
			}
		}
		if now.Sub(p.TS) > e.freshWindow {
			// The device went quiet; neither open nor close.
			continue
		}
		if math.IsNaN(p.Value) {
			continue
		}

		if Compare(p.Value, rule.Operator, rule.Threshold) {
			e.openAlert(ctx, scope, rule, p, now)
		} else {
			e.closeAlert(ctx, scope, rule, p.DeviceID, now)
		}
	}
	return nil
}

func (e *Engine) openAlert(ctx context.Context, scope *storage.Scope, rule *storage.AlertRule, p message.Point, now time.Time) {
	details, err := jsonCodec.Marshal(map[string]interface{}{
		"rule": map[string]interface{}{
			"ruleId":     rule.RuleID,
			"name":       rule.Name,
			"metricName": rule.MetricName,
			"operator":   rule.Operator,
			"threshold":  rule.Threshold,
			"severity":   rule.Severity,
		},
		"observation": map[string]interface{}{
			"deviceId": p.DeviceID,
			"siteId":   p.SiteID,
			"value":    p.Value,
			"ts":       p.TS.UTC().Format(time.RFC3339Nano),
			"seq":      p.Seq,
		},
	})
	if err != nil {
		details = nil
	}

	alert := &storage.FleetAlert{
		AlertID:     uuid.NewString(),
		TenantID:    rule.TenantID,
		DeviceID:    p.DeviceID,
		AlertType:   "THRESHOLD",
		Severity:    rule.Severity,
		Status:      storage.AlertOpen,
		Summary:     Summary(rule.MetricName, rule.Operator, rule.Threshold, p.Value),
		Fingerprint: Fingerprint(rule.TenantID, p.DeviceID, rule.RuleID),
		Details:     details,
		CreatedAt:   now,
	}

	err = e.alerts.InsertAlert(ctx, scope, alert)
	if errors.Is(err, storage.ErrActiveFingerprint) {
		return
	}
	if err != nil {
		log.Warnf("alert open for rule %s device %s failed: %v", rule.RuleID, p.DeviceID, err)
		return
	}

	health.CountAlertOpened()
	log.Infof("alert %s opened: tenant %s device %s %s", alert.AlertID, alert.TenantID, alert.DeviceID, alert.Summary)
	if e.notifier != nil {
		e.notifier.AlertOpened(ctx, alert)
	}
}

func (e *Engine) closeAlert(ctx context.Context, scope *storage.Scope, rule *storage.AlertRule, deviceID string, now time.Time) {
	fingerprint := Fingerprint(rule.TenantID, deviceID, rule.RuleID)
	closed, err := e.alerts.CloseByFingerprint(ctx, scope, fingerprint, now)
	if err != nil {
		log.Warnf("alert close for rule %s device %s failed: %v", rule.RuleID, deviceID, err)
		return
	}
	if closed {
		health.CountAlertClosed()
		log.Infof("alert closed: tenant %s device %s rule %s recovered", rule.TenantID, deviceID, rule.RuleID)
	}
}

// Compare applies a rule operator. Stored metric values are always finite,
// so EQ and NE use exact comparison.
func Compare(value float64, op storage.RuleOperator, threshold float64) bool {
	switch op {
	case storage.OpGT:
		return value > threshold
	case storage.OpGTE:
		return value >= threshold
	case storage.OpLT:
		return value < threshold
	case storage.OpLTE:
		return value <= threshold
	case storage.OpEQ:
		return value == threshold
	case storage.OpNE:
		return value != threshold
	}
	return false
}

// Summary renders the one-line alert text, e.g. "temp_c GT 80 (value=92.5)".
func Summary(metric string, op storage.RuleOperator, threshold, value float64) string {
	return metric + " " + string(op) + " " + formatNumber(threshold) + " (value=" + formatNumber(value) + ")"
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func siteSet(filter []string) map[string]struct{} {
	if len(filter) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(filter))
	for _, site := range filter {
		set[site] = struct{}{}
	}
	return set
}
