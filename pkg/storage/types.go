// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package storage holds the relational entities of the control plane and
// data plane, the tenant/operator scope every access runs under, and the
// Postgres and in-memory stores.
package storage

import (
	"encoding/json"
	"time"
)

// TenantStatus is the lifecycle state of a tenant. Deletion is logical.
type TenantStatus string

// Tenant lifecycle states.
const (
	TenantActive    TenantStatus = "ACTIVE"
	TenantSuspended TenantStatus = "SUSPENDED"
	TenantDeleted   TenantStatus = "DELETED"
)

// Tenant is one customer account. The identifier is opaque, URL-safe and at
// most 64 bytes.
type Tenant struct {
	TenantID  string
	Status    TenantStatus
	CreatedAt time.Time
	DeletedAt time.Time
}

// RuleOperator is the comparison an alert rule applies.
type RuleOperator string

// Threshold comparison operators.
const (
	OpGT  RuleOperator = "GT"
	OpGTE RuleOperator = "GTE"
	OpLT  RuleOperator = "LT"
	OpLTE RuleOperator = "LTE"
	OpEQ  RuleOperator = "EQ"
	OpNE  RuleOperator = "NE"
)

// ValidRuleOperator reports whether the operator is one of the six
// comparisons.
func ValidRuleOperator(op RuleOperator) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE:
		return true
	}
	return false
}

// AlertRule is a per-tenant threshold rule evaluated against the latest
// telemetry.
type AlertRule struct {
	RuleID     string
	TenantID   string
	Name       string
	MetricName string
	Operator   RuleOperator
	Threshold  float64
	Severity   int
	SiteFilter []string
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AlertStatus is the lifecycle state of a fleet alert.
type AlertStatus string

// Fleet alert states. SILENCED is a separate suppression flag, not a state.
const (
	AlertOpen         AlertStatus = "OPEN"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertClosed       AlertStatus = "CLOSED"
)

// FleetAlert is one raised alert. At most one OPEN or ACKNOWLEDGED alert
// exists per fingerprint; the store enforces it.
type FleetAlert struct {
	AlertID     string
	TenantID    string
	DeviceID    string
	AlertType   string
	Severity    int
	Status      AlertStatus
	Silenced    bool
	Summary     string
	Fingerprint string
	Details     json.RawMessage
	CreatedAt   time.Time
	ClosedAt    time.Time
}

// Active reports whether the alert still counts against its fingerprint.
func (a *FleetAlert) Active() bool {
	return a.Status == AlertOpen || a.Status == AlertAcknowledged
}

// RouteDestination is the kind of target a message route dispatches to.
type RouteDestination string

// Message route destination kinds.
const (
	DestWebhook       RouteDestination = "webhook"
	DestMQTTRepublish RouteDestination = "mqtt_republish"
	DestPostgreSQL    RouteDestination = "postgresql"
)

// MessageRoute matches ingested messages by topic pattern and payload
// predicate and dispatches them to a destination.
type MessageRoute struct {
	RouteID           string
	TenantID          string
	Name              string
	TopicFilter       string
	DestinationType   RouteDestination
	DestinationConfig json.RawMessage
	PayloadFilter     json.RawMessage
	Enabled           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IntegrationKind is the protocol family of a delivery channel.
type IntegrationKind string

// Integration kinds.
const (
	IntegrationWebhook IntegrationKind = "webhook"
	IntegrationEmail   IntegrationKind = "email"
	IntegrationSNMP    IntegrationKind = "snmp"
	IntegrationMQTT    IntegrationKind = "mqtt"
)

// Integration is a per-tenant delivery channel configuration.
type Integration struct {
	IntegrationID string
	TenantID      string
	Kind          IntegrationKind
	Name          string
	Config        json.RawMessage
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobStatus is the delivery job lifecycle state.
type JobStatus string

// Delivery job states.
const (
	JobPending   JobStatus = "PENDING"
	JobInFlight  JobStatus = "IN_FLIGHT"
	JobDelivered JobStatus = "DELIVERED"
	JobFailed    JobStatus = "FAILED"
)

// DeliveryJob is a persisted delivery attempt series. An IN_FLIGHT job is
// owned by exactly one worker, proven by the claim token.
type DeliveryJob struct {
	JobID         string
	TenantID      string
	AlertID       string
	MessageRef    string
	IntegrationID string
	RouteID       string
	Kind          IntegrationKind
	// DestinationConfig snapshots the integration or route destination at
	// enqueue time, so a later config edit does not change past jobs.
	DestinationConfig json.RawMessage
	Event             json.RawMessage
	Status            JobStatus
	Attempts          int
	NextAttemptAt     time.Time
	ClaimToken        string
	ClaimDeadline     time.Time
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DLQStatus is the dead letter lifecycle state.
type DLQStatus string

// Dead letter states.
const (
	DLQFailed    DLQStatus = "FAILED"
	DLQReplayed  DLQStatus = "REPLAYED"
	DLQDiscarded DLQStatus = "DISCARDED"
)

// DeadLetterRecord keeps the full delivery context of a job that exhausted
// its retries, for inspection and replay.
type DeadLetterRecord struct {
	DLQID             string
	TenantID          string
	RouteID           string
	IntegrationID     string
	OriginalTopic     string
	Payload           json.RawMessage
	DestinationType   IntegrationKind
	DestinationConfig json.RawMessage
	ErrorMessage      string
	Attempts          int
	Status            DLQStatus
	CreatedAt         time.Time
	ReplayedAt        time.Time
}

// AuditRecord is one operator access entry. Written before the operator
// scope becomes usable; never scoped by tenant.
type AuditRecord struct {
	AuditID      int64
	Timestamp    time.Time
	OperatorID   string
	Action       string
	TargetTenant string
	RequestIP    string
	ResultCode   int
}

// QuarantineRecord captures one rejected envelope with its reason code.
type QuarantineRecord struct {
	QuarantineID int64
	TenantID     string
	DeviceID     string
	Topic        string
	Reason       string
	Payload      []byte
	CapturedAt   time.Time
}

// DeviceStatus is the observed liveness of a device.
type DeviceStatus string

// Device liveness states.
const (
	DeviceOnline  DeviceStatus = "ONLINE"
	DeviceStale   DeviceStatus = "STALE"
	DeviceOffline DeviceStatus = "OFFLINE"
	DeviceRevoked DeviceStatus = "REVOKED"
)

// DeviceState is the latest observed snapshot per device.
type DeviceState struct {
	TenantID        string
	DeviceID        string
	Status          DeviceStatus
	LastHeartbeatAt time.Time
	LastTelemetryAt time.Time
	LatestMetrics   map[string]float64
	UpdatedAt       time.Time
}
