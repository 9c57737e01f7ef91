// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/registry"
)

// Sentinel errors shared by the Postgres stores and their memory twins.
var (
	// ErrNotFound is returned when a row does not exist or is outside the
	// scope's visibility.
	ErrNotFound = errors.New("record not found")
	// ErrActiveFingerprint rejects a second OPEN/ACKNOWLEDGED alert for the
	// same fingerprint.
	ErrActiveFingerprint = errors.New("an active alert already exists for this fingerprint")
	// ErrClaimLost means the claim token no longer owns the job.
	ErrClaimLost = errors.New("claim token does not own this job")
	// ErrDuplicate rejects a create that collides with an existing key.
	ErrDuplicate = errors.New("record already exists")
	// ErrBadState rejects a lifecycle transition the current state does not
	// allow.
	ErrBadState = errors.New("operation not allowed in the record's current state")
)

// ScopeFactory hands out scopes. DB and Memory both implement it, so every
// component above the stores is testable without Postgres.
type ScopeFactory interface {
	Tenant(ctx context.Context, tenantID string) (*Scope, error)
	Operator(ctx context.Context, entry OperatorEntry) (*Scope, error)
	System(ctx context.Context) (*Scope, error)
}

// TenantStore manages tenant rows.
type TenantStore interface {
	CreateTenant(ctx context.Context, scope *Scope, t *Tenant) error
	GetTenant(ctx context.Context, scope *Scope, tenantID string) (*Tenant, error)
	SetTenantStatus(ctx context.Context, scope *Scope, tenantID string, status TenantStatus) error
}

// DeviceRegistryStore manages device provisioning rows.
type DeviceRegistryStore interface {
	CreateDevice(ctx context.Context, scope *Scope, rec *registry.Record) error
	GetDevice(ctx context.Context, scope *Scope, tenantID, deviceID string) (*registry.Record, error)
	ListDevices(ctx context.Context, scope *Scope) ([]registry.Record, error)
	SetDeviceStatus(ctx context.Context, scope *Scope, tenantID, deviceID string, status registry.Status) error
}

// RuleStore manages alert rules and feeds the rule engine.
type RuleStore interface {
	CreateRule(ctx context.Context, scope *Scope, r *AlertRule) error
	GetRule(ctx context.Context, scope *Scope, ruleID string) (*AlertRule, error)
	UpdateRule(ctx context.Context, scope *Scope, r *AlertRule) error
	DeleteRule(ctx context.Context, scope *Scope, ruleID string) error
	ListRules(ctx context.Context, scope *Scope) ([]AlertRule, error)
	EnabledRules(ctx context.Context, scope *Scope) ([]AlertRule, error)
	// TenantsWithEnabledRules lists ACTIVE tenants holding at least one
	// enabled rule. Requires a bypass scope.
	TenantsWithEnabledRules(ctx context.Context, scope *Scope) ([]string, error)
}

// AlertListFilter narrows alert listings. TenantID only matters on
// cross-tenant scopes; tenant scopes are already pinned to one tenant.
type AlertListFilter struct {
	TenantID string
	Status   AlertStatus
	DeviceID string
	Limit    int
}

// AlertStore manages fleet alerts and enforces the fingerprint invariant.
type AlertStore interface {
	InsertAlert(ctx context.Context, scope *Scope, a *FleetAlert) error
	GetAlert(ctx context.Context, scope *Scope, alertID string) (*FleetAlert, error)
	ListAlerts(ctx context.Context, scope *Scope, filter AlertListFilter) ([]FleetAlert, error)
	ActiveByFingerprint(ctx context.Context, scope *Scope, fingerprint string) (*FleetAlert, error)
	// CloseByFingerprint closes the active alert for a fingerprint if one
	// exists, reporting whether it did.
	CloseByFingerprint(ctx context.Context, scope *Scope, fingerprint string, at time.Time) (bool, error)
	CloseAlert(ctx context.Context, scope *Scope, alertID string, at time.Time) error
	AcknowledgeAlert(ctx context.Context, scope *Scope, alertID string) error
	SilenceAlert(ctx context.Context, scope *Scope, alertID string, silenced bool) error
}

// RouteStore manages message routes.
type RouteStore interface {
	CreateRoute(ctx context.Context, scope *Scope, r *MessageRoute) error
	GetRoute(ctx context.Context, scope *Scope, routeID string) (*MessageRoute, error)
	UpdateRoute(ctx context.Context, scope *Scope, r *MessageRoute) error
	DeleteRoute(ctx context.Context, scope *Scope, routeID string) error
	ListRoutes(ctx context.Context, scope *Scope) ([]MessageRoute, error)
	EnabledRoutes(ctx context.Context, scope *Scope) ([]MessageRoute, error)
}

// IntegrationStore manages delivery channels.
type IntegrationStore interface {
	CreateIntegration(ctx context.Context, scope *Scope, in *Integration) error
	GetIntegration(ctx context.Context, scope *Scope, integrationID string) (*Integration, error)
	UpdateIntegration(ctx context.Context, scope *Scope, in *Integration) error
	DeleteIntegration(ctx context.Context, scope *Scope, integrationID string) error
	ListIntegrations(ctx context.Context, scope *Scope) ([]Integration, error)
	EnabledIntegrations(ctx context.Context, scope *Scope) ([]Integration, error)
}

// JobStore is the durable delivery queue.
type JobStore interface {
	Enqueue(ctx context.Context, scope *Scope, job *DeliveryJob) error
	GetJob(ctx context.Context, scope *Scope, jobID string) (*DeliveryJob, error)
	// Claim atomically moves the next due PENDING job to IN_FLIGHT,
	// stamping a fresh claim token and deadline. Returns (nil, nil) when
	// nothing is due.
	Claim(ctx context.Context, scope *Scope, now time.Time, claimTTL time.Duration) (*DeliveryJob, error)
	// MarkDelivered, Reschedule and MarkFailed require the claim token and
	// return ErrClaimLost when another worker owns the job.
	MarkDelivered(ctx context.Context, scope *Scope, jobID, claimToken string) error
	Reschedule(ctx context.Context, scope *Scope, jobID, claimToken string, nextAttempt time.Time, lastError string) error
	MarkFailed(ctx context.Context, scope *Scope, jobID, claimToken string, lastError string) error
	// ReapExpired returns IN_FLIGHT jobs whose claim deadline passed to
	// PENDING, preserving attempts.
	ReapExpired(ctx context.Context, scope *Scope, now time.Time) (int, error)
	// Requeue is the admin retry: PENDING/FAILED jobs are made due
	// immediately; a DELIVERED job is a no-op and returns false.
	Requeue(ctx context.Context, scope *Scope, jobID string, now time.Time) (bool, error)
}

// DeadLetterFilter narrows dead letter listings. TenantID only matters on
// cross-tenant scopes.
type DeadLetterFilter struct {
	TenantID string
	Status   DLQStatus
	Limit    int
	Offset   int
}

// DeadLetterStore keeps failed deliveries for inspection and replay.
type DeadLetterStore interface {
	AppendDeadLetter(ctx context.Context, scope *Scope, rec *DeadLetterRecord) error
	GetDeadLetter(ctx context.Context, scope *Scope, dlqID string) (*DeadLetterRecord, error)
	ListDeadLetters(ctx context.Context, scope *Scope, filter DeadLetterFilter) ([]DeadLetterRecord, error)
	// MarkReplayed and DiscardDeadLetter transition FAILED records only;
	// anything else returns ErrBadState.
	MarkReplayed(ctx context.Context, scope *Scope, dlqID string, at time.Time) error
	DiscardDeadLetter(ctx context.Context, scope *Scope, dlqID string) error
	PurgeDeadLetters(ctx context.Context, scope *Scope, olderThan time.Time) (int64, error)
}

// AuditStore reads the operator access log. Writes happen inside
// DB.Operator; no public append exists.
type AuditStore interface {
	ListAudit(ctx context.Context, scope *Scope, limit int) ([]AuditRecord, error)
}

// QuarantineStore is the append-only reject sink. AppendQuarantine is
// scope-free: the pipeline writes rejects before any tenant identity is
// established.
type QuarantineStore interface {
	AppendQuarantine(ctx context.Context, rec *QuarantineRecord) error
	ListQuarantine(ctx context.Context, scope *Scope, limit int) ([]QuarantineRecord, error)
	PurgeQuarantine(ctx context.Context, scope *Scope, olderThan time.Time) (int64, error)
}

// DeviceStateStore tracks the latest observed device snapshots.
type DeviceStateStore interface {
	MarkTelemetry(ctx context.Context, scope *Scope, tenantID, deviceID string, at time.Time, metrics map[string]float64) error
	MarkHeartbeat(ctx context.Context, scope *Scope, tenantID, deviceID string, at time.Time) error
	GetDeviceState(ctx context.Context, scope *Scope, tenantID, deviceID string) (*DeviceState, error)
	ListDeviceStates(ctx context.Context, scope *Scope) ([]DeviceState, error)
	SetDeviceLiveness(ctx context.Context, scope *Scope, tenantID, deviceID string, status DeviceStatus) error
	// SweepDeviceStates demotes silent devices: ONLINE past staleAfter
	// becomes STALE, anything past offlineAfter becomes OFFLINE.
	SweepDeviceStates(ctx context.Context, scope *Scope, now time.Time, staleAfter, offlineAfter time.Duration) (int, error)
}

// conn unwraps the database connection behind a scope, failing closed when
// the scope is unset or memory-backed.
func conn(s *Scope) (*pgxpool.Conn, error) {
	if err := requireScope(s); err != nil {
		return nil, err
	}
	if s.conn == nil {
		return nil, errors.New("scope is not database-backed")
	}
	return s.conn, nil
}
