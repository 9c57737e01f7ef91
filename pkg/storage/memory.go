// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/registry"
)

// Memory is the in-process twin of the Postgres store. It mirrors the row
// policy through the scope's visibility check and keeps the same lifecycle
// semantics, so every component above the stores runs in tests unchanged.
type Memory struct {
	mu  sync.Mutex
	clk clock.Clock

	tenants      map[string]*Tenant
	devices      map[string]*registry.Record // keyed tenant/device
	rules        map[string]*AlertRule
	alerts       map[string]*FleetAlert
	activeFP     map[string]string // fingerprint -> alert id while active
	routes       map[string]*MessageRoute
	integrations map[string]*Integration
	jobs         map[string]*DeliveryJob
	deadLetters  map[string]*DeadLetterRecord
	deviceStates map[string]*DeviceState
	quarantine   []QuarantineRecord
	audit        []AuditRecord

	nextQuarantineID int64
	nextAuditID      int64
}

var (
	_ ScopeFactory        = (*Memory)(nil)
	_ TenantStore         = (*Memory)(nil)
	_ DeviceRegistryStore = (*Memory)(nil)
	_ RuleStore           = (*Memory)(nil)
	_ AlertStore          = (*Memory)(nil)
	_ RouteStore          = (*Memory)(nil)
	_ IntegrationStore    = (*Memory)(nil)
	_ JobStore            = (*Memory)(nil)
	_ DeadLetterStore     = (*Memory)(nil)
	_ AuditStore          = (*Memory)(nil)
	_ QuarantineStore     = (*Memory)(nil)
	_ DeviceStateStore    = (*Memory)(nil)
	_ registry.Store      = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store on the wall clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(clock.New())
}

// NewMemoryWithClock lets tests drive time.
func NewMemoryWithClock(clk clock.Clock) *Memory {
	return &Memory{
		clk:          clk,
		tenants:      make(map[string]*Tenant),
		devices:      make(map[string]*registry.Record),
		rules:        make(map[string]*AlertRule),
		alerts:       make(map[string]*FleetAlert),
		activeFP:     make(map[string]string),
		routes:       make(map[string]*MessageRoute),
		integrations: make(map[string]*Integration),
		jobs:         make(map[string]*DeliveryJob),
		deadLetters:  make(map[string]*DeadLetterRecord),
		deviceStates: make(map[string]*DeviceState),
	}
}

// Tenant implements ScopeFactory.
func (m *Memory) Tenant(_ context.Context, tenantID string) (*Scope, error) {
	return &Scope{mode: ModeTenant, tenantID: tenantID, mem: m}, nil
}

// Operator implements ScopeFactory, appending the audit record before the
// scope is handed out.
func (m *Memory) Operator(_ context.Context, entry OperatorEntry) (*Scope, error) {
	if entry.OperatorID == "" {
		return nil, errors.New("operator id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAuditID++
	m.audit = append(m.audit, AuditRecord{
		AuditID:      m.nextAuditID,
		Timestamp:    m.clk.Now().UTC(),
		OperatorID:   entry.OperatorID,
		Action:       entry.Action,
		TargetTenant: entry.TargetTenant,
		RequestIP:    entry.RequestIP,
	})
	return &Scope{mode: ModeOperator, operatorID: entry.OperatorID, auditID: m.nextAuditID, mem: m}, nil
}

// System implements ScopeFactory.
func (m *Memory) System(_ context.Context) (*Scope, error) {
	return &Scope{mode: ModeSystem, mem: m}, nil
}

func (m *Memory) setAuditResult(auditID int64, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.audit {
		if m.audit[i].AuditID == auditID {
			m.audit[i].ResultCode = code
			return
		}
	}
}

// writeAllowed mirrors the policy's WITH CHECK clause for new and updated
// rows.
func writeAllowed(s *Scope, rowTenant string) error {
	if err := requireWrite(s); err != nil {
		return err
	}
	if !s.visible(rowTenant) {
		return errors.Wrap(ErrNoScope, "row is outside the scope's tenant")
	}
	return nil
}

func cloneJSON(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneMetrics(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// --- tenants ---

// CreateTenant implements TenantStore.
func (m *Memory) CreateTenant(_ context.Context, scope *Scope, t *Tenant) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	if !scope.Bypass() {
		return errors.Wrap(ErrNoScope, "tenant management requires an operator scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.TenantID]; ok {
		return errors.Wrapf(ErrDuplicate, "tenant %s", t.TenantID)
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.clk.Now().UTC()
	}
	cp := *t
	m.tenants[t.TenantID] = &cp
	return nil
}

// GetTenant implements TenantStore.
func (m *Memory) GetTenant(_ context.Context, scope *Scope, tenantID string) (*Tenant, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if !scope.visible(tenantID) {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// SetTenantStatus implements TenantStore.
func (m *Memory) SetTenantStatus(_ context.Context, scope *Scope, tenantID string, status TenantStatus) error {
	if err := requireScope(scope); err != nil {
		return err
	}
	if !scope.Bypass() {
		return errors.Wrap(ErrNoScope, "tenant management requires an operator scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	if status == TenantDeleted && t.DeletedAt.IsZero() {
		t.DeletedAt = m.clk.Now().UTC()
	}
	return nil
}

// --- device registry ---

// CreateDevice implements DeviceRegistryStore.
func (m *Memory) CreateDevice(_ context.Context, scope *Scope, rec *registry.Record) error {
	if err := writeAllowed(scope, rec.TenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := registry.Key(rec.TenantID, rec.DeviceID)
	if _, ok := m.devices[key]; ok {
		return errors.Wrapf(ErrDuplicate, "device %s", key)
	}
	if rec.Status == "" {
		rec.Status = registry.StatusActive
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.clk.Now().UTC()
	}
	cp := *rec
	m.devices[key] = &cp
	return nil
}

// GetDevice implements DeviceRegistryStore.
func (m *Memory) GetDevice(_ context.Context, scope *Scope, tenantID, deviceID string) (*registry.Record, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[registry.Key(tenantID, deviceID)]
	if !ok || !scope.visible(rec.TenantID) {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListDevices implements DeviceRegistryStore.
func (m *Memory) ListDevices(_ context.Context, scope *Scope) ([]registry.Record, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Record
	for _, rec := range m.devices {
		if scope.visible(rec.TenantID) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

// SetDeviceStatus implements DeviceRegistryStore.
func (m *Memory) SetDeviceStatus(_ context.Context, scope *Scope, tenantID, deviceID string, status registry.Status) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[registry.Key(tenantID, deviceID)]
	if !ok || !scope.visible(rec.TenantID) {
		return ErrNotFound
	}
	rec.Status = status
	if status == registry.StatusRevoked || status == registry.StatusDeleted {
		rec.DecommissionedAt = m.clk.Now().UTC()
	} else {
		rec.DecommissionedAt = time.Time{}
	}
	return nil
}

// LookupDevice implements registry.Store so the memory store can feed the
// ingest auth cache directly. Tenancy is the explicit key; a missing
// registration is (nil, nil).
func (m *Memory) LookupDevice(_ context.Context, tenantID, deviceID string) (*registry.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.devices[registry.Key(tenantID, deviceID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// --- alert rules ---

// CreateRule implements RuleStore.
func (m *Memory) CreateRule(_ context.Context, scope *Scope, r *AlertRule) error {
	if err := writeAllowed(scope, r.TenantID); err != nil {
		return err
	}
	if !ValidRuleOperator(r.Operator) {
		return errors.Errorf("invalid rule operator %q", r.Operator)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.RuleID == "" {
		r.RuleID = uuid.NewString()
	}
	if _, ok := m.rules[r.RuleID]; ok {
		return errors.Wrapf(ErrDuplicate, "rule %s", r.RuleID)
	}
	now := m.clk.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	cp := *r
	cp.SiteFilter = cloneStrings(r.SiteFilter)
	m.rules[r.RuleID] = &cp
	return nil
}

// GetRule implements RuleStore.
func (m *Memory) GetRule(_ context.Context, scope *Scope, ruleID string) (*AlertRule, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok || !scope.visible(r.TenantID) {
		return nil, ErrNotFound
	}
	cp := *r
	cp.SiteFilter = cloneStrings(r.SiteFilter)
	return &cp, nil
}

// UpdateRule implements RuleStore.
func (m *Memory) UpdateRule(_ context.Context, scope *Scope, r *AlertRule) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	if !ValidRuleOperator(r.Operator) {
		return errors.Errorf("invalid rule operator %q", r.Operator)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.RuleID]
	if !ok || !scope.visible(cur.TenantID) {
		return ErrNotFound
	}
	r.UpdatedAt = m.clk.Now().UTC()
	cur.Name = r.Name
	cur.MetricName = r.MetricName
	cur.Operator = r.Operator
	cur.Threshold = r.Threshold
	cur.Severity = r.Severity
	cur.SiteFilter = cloneStrings(r.SiteFilter)
	cur.Enabled = r.Enabled
	cur.UpdatedAt = r.UpdatedAt
	return nil
}

// DeleteRule implements RuleStore.
func (m *Memory) DeleteRule(_ context.Context, scope *Scope, ruleID string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok || !scope.visible(r.TenantID) {
		return ErrNotFound
	}
	delete(m.rules, ruleID)
	return nil
}

// ListRules implements RuleStore.
func (m *Memory) ListRules(ctx context.Context, scope *Scope) ([]AlertRule, error) {
	return m.listRules(ctx, scope, false)
}

// EnabledRules implements RuleStore.
func (m *Memory) EnabledRules(ctx context.Context, scope *Scope) ([]AlertRule, error) {
	return m.listRules(ctx, scope, true)
}

func (m *Memory) listRules(_ context.Context, scope *Scope, enabledOnly bool) ([]AlertRule, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AlertRule
	for _, r := range m.rules {
		if !scope.visible(r.TenantID) || (enabledOnly && !r.Enabled) {
			continue
		}
		cp := *r
		cp.SiteFilter = cloneStrings(r.SiteFilter)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// TenantsWithEnabledRules implements RuleStore.
func (m *Memory) TenantsWithEnabledRules(_ context.Context, scope *Scope) ([]string, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if !scope.Bypass() {
		return nil, errors.Wrap(ErrNoScope, "cross-tenant rule sweep requires a bypass scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, r := range m.rules {
		if !r.Enabled {
			continue
		}
		if t, ok := m.tenants[r.TenantID]; ok && t.Status == TenantActive {
			seen[r.TenantID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// --- fleet alerts ---

// InsertAlert implements AlertStore.
func (m *Memory) InsertAlert(_ context.Context, scope *Scope, a *FleetAlert) error {
	if err := writeAllowed(scope, a.TenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AlertOpen
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.clk.Now().UTC()
	}
	if len(a.Details) == 0 {
		a.Details = []byte(`{}`)
	}
	if _, ok := m.alerts[a.AlertID]; ok {
		return errors.Wrapf(ErrDuplicate, "alert %s", a.AlertID)
	}
	if a.Active() {
		if _, ok := m.activeFP[a.Fingerprint]; ok {
			return errors.Wrapf(ErrActiveFingerprint, "fingerprint %s", a.Fingerprint)
		}
		m.activeFP[a.Fingerprint] = a.AlertID
	}
	cp := *a
	cp.Details = cloneJSON(a.Details)
	m.alerts[a.AlertID] = &cp
	return nil
}

// GetAlert implements AlertStore.
func (m *Memory) GetAlert(_ context.Context, scope *Scope, alertID string) (*FleetAlert, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || !scope.visible(a.TenantID) {
		return nil, ErrNotFound
	}
	cp := *a
	cp.Details = cloneJSON(a.Details)
	return &cp, nil
}

// ListAlerts implements AlertStore.
func (m *Memory) ListAlerts(_ context.Context, scope *Scope, filter AlertListFilter) ([]FleetAlert, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []FleetAlert
	for _, a := range m.alerts {
		if !scope.visible(a.TenantID) {
			continue
		}
		if filter.TenantID != "" && a.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.DeviceID != "" && a.DeviceID != filter.DeviceID {
			continue
		}
		cp := *a
		cp.Details = cloneJSON(a.Details)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveByFingerprint implements AlertStore.
func (m *Memory) ActiveByFingerprint(_ context.Context, scope *Scope, fingerprint string) (*FleetAlert, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeFP[fingerprint]
	if !ok {
		return nil, nil
	}
	a := m.alerts[id]
	if !scope.visible(a.TenantID) {
		return nil, nil
	}
	cp := *a
	cp.Details = cloneJSON(a.Details)
	return &cp, nil
}

// CloseByFingerprint implements AlertStore.
func (m *Memory) CloseByFingerprint(_ context.Context, scope *Scope, fingerprint string, at time.Time) (bool, error) {
	if err := requireWrite(scope); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeFP[fingerprint]
	if !ok {
		return false, nil
	}
	a := m.alerts[id]
	if !scope.visible(a.TenantID) {
		return false, nil
	}
	a.Status = AlertClosed
	a.ClosedAt = at
	delete(m.activeFP, fingerprint)
	return true, nil
}

// CloseAlert implements AlertStore.
func (m *Memory) CloseAlert(_ context.Context, scope *Scope, alertID string, at time.Time) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || !scope.visible(a.TenantID) {
		return ErrNotFound
	}
	if a.Active() {
		delete(m.activeFP, a.Fingerprint)
	}
	if a.Status != AlertClosed {
		a.Status = AlertClosed
		a.ClosedAt = at
	}
	return nil
}

// AcknowledgeAlert implements AlertStore.
func (m *Memory) AcknowledgeAlert(_ context.Context, scope *Scope, alertID string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || !scope.visible(a.TenantID) {
		return ErrNotFound
	}
	switch a.Status {
	case AlertOpen:
		a.Status = AlertAcknowledged
		return nil
	case AlertAcknowledged:
		return nil
	}
	return errors.Wrapf(ErrBadState, "alert %s is %s", alertID, a.Status)
}

// SilenceAlert implements AlertStore.
func (m *Memory) SilenceAlert(_ context.Context, scope *Scope, alertID string, silenced bool) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || !scope.visible(a.TenantID) {
		return ErrNotFound
	}
	a.Silenced = silenced
	return nil
}

// --- message routes ---

// CreateRoute implements RouteStore.
func (m *Memory) CreateRoute(_ context.Context, scope *Scope, r *MessageRoute) error {
	if err := writeAllowed(scope, r.TenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.RouteID == "" {
		r.RouteID = uuid.NewString()
	}
	if _, ok := m.routes[r.RouteID]; ok {
		return errors.Wrapf(ErrDuplicate, "route %s", r.RouteID)
	}
	now := m.clk.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if len(r.DestinationConfig) == 0 {
		r.DestinationConfig = []byte(`{}`)
	}
	cp := *r
	cp.DestinationConfig = cloneJSON(r.DestinationConfig)
	cp.PayloadFilter = cloneJSON(r.PayloadFilter)
	m.routes[r.RouteID] = &cp
	return nil
}

// GetRoute implements RouteStore.
func (m *Memory) GetRoute(_ context.Context, scope *Scope, routeID string) (*MessageRoute, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || !scope.visible(r.TenantID) {
		return nil, ErrNotFound
	}
	cp := *r
	cp.DestinationConfig = cloneJSON(r.DestinationConfig)
	cp.PayloadFilter = cloneJSON(r.PayloadFilter)
	return &cp, nil
}

// UpdateRoute implements RouteStore.
func (m *Memory) UpdateRoute(_ context.Context, scope *Scope, r *MessageRoute) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.routes[r.RouteID]
	if !ok || !scope.visible(cur.TenantID) {
		return ErrNotFound
	}
	r.UpdatedAt = m.clk.Now().UTC()
	cur.Name = r.Name
	cur.TopicFilter = r.TopicFilter
	cur.DestinationType = r.DestinationType
	cur.DestinationConfig = cloneJSON(r.DestinationConfig)
	cur.PayloadFilter = cloneJSON(r.PayloadFilter)
	cur.Enabled = r.Enabled
	cur.UpdatedAt = r.UpdatedAt
	return nil
}

// DeleteRoute implements RouteStore.
func (m *Memory) DeleteRoute(_ context.Context, scope *Scope, routeID string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || !scope.visible(r.TenantID) {
		return ErrNotFound
	}
	delete(m.routes, routeID)
	for _, d := range m.deadLetters {
		if d.RouteID == routeID {
			d.RouteID = ""
		}
	}
	return nil
}

// ListRoutes implements RouteStore.
func (m *Memory) ListRoutes(ctx context.Context, scope *Scope) ([]MessageRoute, error) {
	return m.listRoutes(ctx, scope, false)
}

// EnabledRoutes implements RouteStore.
func (m *Memory) EnabledRoutes(ctx context.Context, scope *Scope) ([]MessageRoute, error) {
	return m.listRoutes(ctx, scope, true)
}

func (m *Memory) listRoutes(_ context.Context, scope *Scope, enabledOnly bool) ([]MessageRoute, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MessageRoute
	for _, r := range m.routes {
		if !scope.visible(r.TenantID) || (enabledOnly && !r.Enabled) {
			continue
		}
		cp := *r
		cp.DestinationConfig = cloneJSON(r.DestinationConfig)
		cp.PayloadFilter = cloneJSON(r.PayloadFilter)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- integrations ---

// CreateIntegration implements IntegrationStore.
func (m *Memory) CreateIntegration(_ context.Context, scope *Scope, in *Integration) error {
	if err := writeAllowed(scope, in.TenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.IntegrationID == "" {
		in.IntegrationID = uuid.NewString()
	}
	if _, ok := m.integrations[in.IntegrationID]; ok {
		return errors.Wrapf(ErrDuplicate, "integration %s", in.IntegrationID)
	}
	now := m.clk.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	if len(in.Config) == 0 {
		in.Config = []byte(`{}`)
	}
	cp := *in
	cp.Config = cloneJSON(in.Config)
	m.integrations[in.IntegrationID] = &cp
	return nil
}

// GetIntegration implements IntegrationStore.
func (m *Memory) GetIntegration(_ context.Context, scope *Scope, integrationID string) (*Integration, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.integrations[integrationID]
	if !ok || !scope.visible(in.TenantID) {
		return nil, ErrNotFound
	}
	cp := *in
	cp.Config = cloneJSON(in.Config)
	return &cp, nil
}

// UpdateIntegration implements IntegrationStore.
func (m *Memory) UpdateIntegration(_ context.Context, scope *Scope, in *Integration) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.integrations[in.IntegrationID]
	if !ok || !scope.visible(cur.TenantID) {
		return ErrNotFound
	}
	in.UpdatedAt = m.clk.Now().UTC()
	cur.Kind = in.Kind
	cur.Name = in.Name
	cur.Config = cloneJSON(in.Config)
	cur.Enabled = in.Enabled
	cur.UpdatedAt = in.UpdatedAt
	return nil
}

// DeleteIntegration implements IntegrationStore.
func (m *Memory) DeleteIntegration(_ context.Context, scope *Scope, integrationID string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.integrations[integrationID]
	if !ok || !scope.visible(in.TenantID) {
		return ErrNotFound
	}
	delete(m.integrations, integrationID)
	return nil
}

// ListIntegrations implements IntegrationStore.
func (m *Memory) ListIntegrations(ctx context.Context, scope *Scope) ([]Integration, error) {
	return m.listIntegrations(ctx, scope, false)
}

// EnabledIntegrations implements IntegrationStore.
func (m *Memory) EnabledIntegrations(ctx context.Context, scope *Scope) ([]Integration, error) {
	return m.listIntegrations(ctx, scope, true)
}

func (m *Memory) listIntegrations(_ context.Context, scope *Scope, enabledOnly bool) ([]Integration, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Integration
	for _, in := range m.integrations {
		if !scope.visible(in.TenantID) || (enabledOnly && !in.Enabled) {
			continue
		}
		cp := *in
		cp.Config = cloneJSON(in.Config)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- delivery jobs ---

// Enqueue implements JobStore.
func (m *Memory) Enqueue(_ context.Context, scope *Scope, job *DeliveryJob) error {
	if err := writeAllowed(scope, job.TenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if _, ok := m.jobs[job.JobID]; ok {
		return errors.Wrapf(ErrDuplicate, "job %s", job.JobID)
	}
	now := m.clk.Now().UTC()
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if len(job.DestinationConfig) == 0 {
		job.DestinationConfig = []byte(`{}`)
	}
	cp := *job
	cp.DestinationConfig = cloneJSON(job.DestinationConfig)
	cp.Event = cloneJSON(job.Event)
	m.jobs[job.JobID] = &cp
	return nil
}

// GetJob implements JobStore.
func (m *Memory) GetJob(_ context.Context, scope *Scope, jobID string) (*DeliveryJob, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || !scope.visible(j.TenantID) {
		return nil, ErrNotFound
	}
	cp := *j
	cp.DestinationConfig = cloneJSON(j.DestinationConfig)
	cp.Event = cloneJSON(j.Event)
	return &cp, nil
}

// Claim implements JobStore.
func (m *Memory) Claim(_ context.Context, scope *Scope, now time.Time, claimTTL time.Duration) (*DeliveryJob, error) {
	if err := requireWrite(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *DeliveryJob
	for _, j := range m.jobs {
		if j.Status != JobPending || j.NextAttemptAt.After(now) || !scope.visible(j.TenantID) {
			continue
		}
		if next == nil || j.NextAttemptAt.Before(next.NextAttemptAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = JobInFlight
	next.ClaimToken = uuid.NewString()
	next.ClaimDeadline = now.Add(claimTTL)
	next.Attempts++
	next.UpdatedAt = now
	cp := *next
	cp.DestinationConfig = cloneJSON(next.DestinationConfig)
	cp.Event = cloneJSON(next.Event)
	return &cp, nil
}

func (m *Memory) ownedJob(scope *Scope, jobID, claimToken string) (*DeliveryJob, error) {
	j, ok := m.jobs[jobID]
	if !ok || !scope.visible(j.TenantID) || j.Status != JobInFlight || j.ClaimToken != claimToken {
		return nil, ErrClaimLost
	}
	return j, nil
}

// MarkDelivered implements JobStore.
func (m *Memory) MarkDelivered(_ context.Context, scope *Scope, jobID, claimToken string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.ownedJob(scope, jobID, claimToken)
	if err != nil {
		return err
	}
	j.Status = JobDelivered
	j.ClaimToken = ""
	j.ClaimDeadline = time.Time{}
	j.UpdatedAt = m.clk.Now().UTC()
	return nil
}

// Reschedule implements JobStore.
func (m *Memory) Reschedule(_ context.Context, scope *Scope, jobID, claimToken string, nextAttempt time.Time, lastError string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.ownedJob(scope, jobID, claimToken)
	if err != nil {
		return err
	}
	j.Status = JobPending
	j.ClaimToken = ""
	j.ClaimDeadline = time.Time{}
	j.NextAttemptAt = nextAttempt
	j.LastError = truncateError(lastError)
	j.UpdatedAt = m.clk.Now().UTC()
	return nil
}

// MarkFailed implements JobStore.
func (m *Memory) MarkFailed(_ context.Context, scope *Scope, jobID, claimToken string, lastError string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.ownedJob(scope, jobID, claimToken)
	if err != nil {
		return err
	}
	j.Status = JobFailed
	j.ClaimToken = ""
	j.ClaimDeadline = time.Time{}
	j.LastError = truncateError(lastError)
	j.UpdatedAt = m.clk.Now().UTC()
	return nil
}

// ReapExpired implements JobStore.
func (m *Memory) ReapExpired(_ context.Context, scope *Scope, now time.Time) (int, error) {
	if err := requireWrite(scope); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == JobInFlight && !j.ClaimDeadline.IsZero() && j.ClaimDeadline.Before(now) && scope.visible(j.TenantID) {
			j.Status = JobPending
			j.ClaimToken = ""
			j.ClaimDeadline = time.Time{}
			j.NextAttemptAt = now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Requeue implements JobStore.
func (m *Memory) Requeue(_ context.Context, scope *Scope, jobID string, now time.Time) (bool, error) {
	if err := requireWrite(scope); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || !scope.visible(j.TenantID) {
		return false, ErrNotFound
	}
	switch j.Status {
	case JobPending, JobFailed:
		j.Status = JobPending
		j.NextAttemptAt = now
		j.ClaimToken = ""
		j.ClaimDeadline = time.Time{}
		j.UpdatedAt = now
		return true, nil
	case JobDelivered:
		return false, nil
	}
	return false, errors.Wrapf(ErrBadState, "job %s is %s", jobID, j.Status)
}

// --- dead letters ---

// AppendDeadLetter implements DeadLetterStore.
func (m *Memory) AppendDeadLetter(_ context.Context, scope *Scope, rec *DeadLetterRecord) error {
	if err := writeAllowed(scope, rec.TenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.DLQID == "" {
		rec.DLQID = uuid.NewString()
	}
	if _, ok := m.deadLetters[rec.DLQID]; ok {
		return errors.Wrapf(ErrDuplicate, "dead letter %s", rec.DLQID)
	}
	if rec.Status == "" {
		rec.Status = DLQFailed
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.clk.Now().UTC()
	}
	if len(rec.DestinationConfig) == 0 {
		rec.DestinationConfig = []byte(`{}`)
	}
	rec.ErrorMessage = truncateError(rec.ErrorMessage)
	cp := *rec
	cp.Payload = cloneJSON(rec.Payload)
	cp.DestinationConfig = cloneJSON(rec.DestinationConfig)
	m.deadLetters[rec.DLQID] = &cp
	return nil
}

// GetDeadLetter implements DeadLetterStore.
func (m *Memory) GetDeadLetter(_ context.Context, scope *Scope, dlqID string) (*DeadLetterRecord, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deadLetters[dlqID]
	if !ok || !scope.visible(d.TenantID) {
		return nil, ErrNotFound
	}
	cp := *d
	cp.Payload = cloneJSON(d.Payload)
	cp.DestinationConfig = cloneJSON(d.DestinationConfig)
	return &cp, nil
}

// ListDeadLetters implements DeadLetterStore.
func (m *Memory) ListDeadLetters(_ context.Context, scope *Scope, filter DeadLetterFilter) ([]DeadLetterRecord, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var all []DeadLetterRecord
	for _, d := range m.deadLetters {
		if !scope.visible(d.TenantID) {
			continue
		}
		if filter.TenantID != "" && d.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		cp := *d
		cp.Payload = cloneJSON(d.Payload)
		cp.DestinationConfig = cloneJSON(d.DestinationConfig)
		all = append(all, cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if filter.Offset >= len(all) {
		return nil, nil
	}
	all = all[filter.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// MarkReplayed implements DeadLetterStore.
func (m *Memory) MarkReplayed(_ context.Context, scope *Scope, dlqID string, at time.Time) error {
	return m.transitionDLQ(scope, dlqID, DLQReplayed, at)
}

// DiscardDeadLetter implements DeadLetterStore.
func (m *Memory) DiscardDeadLetter(_ context.Context, scope *Scope, dlqID string) error {
	return m.transitionDLQ(scope, dlqID, DLQDiscarded, time.Time{})
}

func (m *Memory) transitionDLQ(scope *Scope, dlqID string, to DLQStatus, at time.Time) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deadLetters[dlqID]
	if !ok || !scope.visible(d.TenantID) {
		return ErrNotFound
	}
	if d.Status != DLQFailed {
		return errors.Wrapf(ErrBadState, "dead letter %s is %s", dlqID, d.Status)
	}
	d.Status = to
	if to == DLQReplayed {
		d.ReplayedAt = at
	}
	return nil
}

// PurgeDeadLetters implements DeadLetterStore.
func (m *Memory) PurgeDeadLetters(_ context.Context, scope *Scope, olderThan time.Time) (int64, error) {
	if err := requireWrite(scope); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.deadLetters {
		if scope.visible(d.TenantID) && d.CreatedAt.Before(olderThan) {
			delete(m.deadLetters, id)
			n++
		}
	}
	return n, nil
}

// --- audit and quarantine ---

// ListAudit implements AuditStore.
func (m *Memory) ListAudit(_ context.Context, scope *Scope, limit int) ([]AuditRecord, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if scope.Mode() != ModeOperator {
		return nil, errors.Wrap(ErrNoScope, "audit log requires an operator scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]AuditRecord, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

// AppendQuarantine implements QuarantineStore.
func (m *Memory) AppendQuarantine(_ context.Context, rec *QuarantineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = m.clk.Now().UTC()
	}
	m.nextQuarantineID++
	rec.QuarantineID = m.nextQuarantineID
	cp := *rec
	cp.Payload = append([]byte(nil), rec.Payload...)
	m.quarantine = append(m.quarantine, cp)
	return nil
}

// ListQuarantine implements QuarantineStore.
func (m *Memory) ListQuarantine(_ context.Context, scope *Scope, limit int) ([]QuarantineRecord, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	if scope.Mode() == ModeTenant && scope.TenantID() == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]QuarantineRecord, 0, limit)
	for i := len(m.quarantine) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.quarantine[i]
		if scope.Mode() == ModeTenant && rec.TenantID != scope.TenantID() {
			continue
		}
		rec.Payload = append([]byte(nil), rec.Payload...)
		out = append(out, rec)
	}
	return out, nil
}

// PurgeQuarantine implements QuarantineStore.
func (m *Memory) PurgeQuarantine(_ context.Context, scope *Scope, olderThan time.Time) (int64, error) {
	if err := requireScope(scope); err != nil {
		return 0, err
	}
	if !scope.Bypass() {
		return 0, errors.Wrap(ErrNoScope, "quarantine purge requires a bypass scope")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.quarantine[:0]
	var n int64
	for _, rec := range m.quarantine {
		if rec.CapturedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	m.quarantine = kept
	return n, nil
}

// --- device state ---

// MarkTelemetry implements DeviceStateStore.
func (m *Memory) MarkTelemetry(_ context.Context, scope *Scope, tenantID, deviceID string, at time.Time, metrics map[string]float64) error {
	if err := writeAllowed(scope, tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.deviceState(tenantID, deviceID)
	if ds.Status != DeviceRevoked {
		ds.Status = DeviceOnline
	}
	if at.After(ds.LastTelemetryAt) {
		ds.LastTelemetryAt = at
	}
	for k, v := range metrics {
		ds.LatestMetrics[k] = v
	}
	ds.UpdatedAt = at
	return nil
}

// MarkHeartbeat implements DeviceStateStore.
func (m *Memory) MarkHeartbeat(_ context.Context, scope *Scope, tenantID, deviceID string, at time.Time) error {
	if err := writeAllowed(scope, tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.deviceState(tenantID, deviceID)
	if ds.Status != DeviceRevoked {
		ds.Status = DeviceOnline
	}
	if at.After(ds.LastHeartbeatAt) {
		ds.LastHeartbeatAt = at
	}
	ds.UpdatedAt = at
	return nil
}

func (m *Memory) deviceState(tenantID, deviceID string) *DeviceState {
	key := registry.Key(tenantID, deviceID)
	ds, ok := m.deviceStates[key]
	if !ok {
		ds = &DeviceState{
			TenantID:      tenantID,
			DeviceID:      deviceID,
			Status:        DeviceOnline,
			LatestMetrics: make(map[string]float64),
		}
		m.deviceStates[key] = ds
	}
	return ds
}

// GetDeviceState implements DeviceStateStore.
func (m *Memory) GetDeviceState(_ context.Context, scope *Scope, tenantID, deviceID string) (*DeviceState, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.deviceStates[registry.Key(tenantID, deviceID)]
	if !ok || !scope.visible(ds.TenantID) {
		return nil, ErrNotFound
	}
	cp := *ds
	cp.LatestMetrics = cloneMetrics(ds.LatestMetrics)
	return &cp, nil
}

// ListDeviceStates implements DeviceStateStore.
func (m *Memory) ListDeviceStates(_ context.Context, scope *Scope) ([]DeviceState, error) {
	if err := requireScope(scope); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeviceState
	for _, ds := range m.deviceStates {
		if !scope.visible(ds.TenantID) {
			continue
		}
		cp := *ds
		cp.LatestMetrics = cloneMetrics(ds.LatestMetrics)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

// SetDeviceLiveness implements DeviceStateStore.
func (m *Memory) SetDeviceLiveness(_ context.Context, scope *Scope, tenantID, deviceID string, status DeviceStatus) error {
	if err := writeAllowed(scope, tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ds := m.deviceState(tenantID, deviceID)
	ds.Status = status
	ds.UpdatedAt = m.clk.Now().UTC()
	return nil
}

// SweepDeviceStates implements DeviceStateStore.
func (m *Memory) SweepDeviceStates(_ context.Context, scope *Scope, now time.Time, staleAfter, offlineAfter time.Duration) (int, error) {
	if err := requireWrite(scope); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ds := range m.deviceStates {
		if !scope.visible(ds.TenantID) {
			continue
		}
		lastSeen := ds.LastTelemetryAt
		if ds.LastHeartbeatAt.After(lastSeen) {
			lastSeen = ds.LastHeartbeatAt
		}
		switch {
		case (ds.Status == DeviceOnline || ds.Status == DeviceStale) && lastSeen.Before(now.Add(-offlineAfter)):
			ds.Status = DeviceOffline
			ds.UpdatedAt = now
			n++
		case ds.Status == DeviceOnline && lastSeen.Before(now.Add(-staleAfter)):
			ds.Status = DeviceStale
			ds.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
