// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/registry"
)

// Postgres implements every store interface on top of the scoped pool. The
// tenant filter lives in the row-level policies; the SQL here states the
// business predicates only.
type Postgres struct {
	db *DB
}

// NewPostgres returns the relational store bound to the pool.
func NewPostgres(db *DB) *Postgres {
	return &Postgres{db: db}
}

var (
	_ TenantStore         = (*Postgres)(nil)
	_ DeviceRegistryStore = (*Postgres)(nil)
	_ RuleStore           = (*Postgres)(nil)
	_ AlertStore          = (*Postgres)(nil)
	_ RouteStore          = (*Postgres)(nil)
	_ IntegrationStore    = (*Postgres)(nil)
	_ JobStore            = (*Postgres)(nil)
	_ DeadLetterStore     = (*Postgres)(nil)
	_ AuditStore          = (*Postgres)(nil)
	_ QuarantineStore     = (*Postgres)(nil)
	_ DeviceStateStore    = (*Postgres)(nil)
)

// pgError unwraps a *pgconn.PgError if one is in the chain.
func pgError(err error) *pgconn.PgError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr
	}
	return nil
}

const uniqueViolation = "23505"

// nullStr maps the empty string to SQL NULL, for nullable uuid/text columns.
func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// CreateTenant registers a tenant. Requires a bypass scope; tenants are not
// self-service.
func (pg *Postgres) CreateTenant(ctx context.Context, scope *Scope, t *Tenant) error {
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if !scope.Bypass() {
		return errors.Wrap(ErrNoScope, "tenant management requires an operator scope")
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err = c.Exec(ctx, `INSERT INTO tenants (tenant_id, status, created_at) VALUES ($1, $2, $3)`,
		t.TenantID, t.Status, t.CreatedAt)
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == uniqueViolation {
		return errors.Wrapf(ErrDuplicate, "tenant %s", t.TenantID)
	}
	return errors.Wrap(err, "create tenant")
}

// GetTenant looks up one tenant. Tenant scopes may only read their own row.
func (pg *Postgres) GetTenant(ctx context.Context, scope *Scope, tenantID string) (*Tenant, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	if !scope.visible(tenantID) {
		return nil, ErrNotFound
	}
	t := &Tenant{}
	var deletedAt *time.Time
	err = c.QueryRow(ctx, `SELECT tenant_id, status, created_at, deleted_at FROM tenants WHERE tenant_id = $1`,
		tenantID).Scan(&t.TenantID, &t.Status, &t.CreatedAt, &deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get tenant")
	}
	t.DeletedAt = timeOrZero(deletedAt)
	return t, nil
}

// SetTenantStatus moves a tenant through its lifecycle. DELETED stamps
// deleted_at; the row is retained.
func (pg *Postgres) SetTenantStatus(ctx context.Context, scope *Scope, tenantID string, status TenantStatus) error {
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if !scope.Bypass() {
		return errors.Wrap(ErrNoScope, "tenant management requires an operator scope")
	}
	tag, err := c.Exec(ctx, `UPDATE tenants SET status = $2,
		deleted_at = CASE WHEN $2 = 'DELETED' THEN now() ELSE deleted_at END
		WHERE tenant_id = $1`, tenantID, status)
	if err != nil {
		return errors.Wrap(err, "set tenant status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateDevice provisions a device registration.
func (pg *Postgres) CreateDevice(ctx context.Context, scope *Scope, rec *registry.Record) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = registry.StatusActive
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err = c.Exec(ctx, `INSERT INTO device_registry (tenant_id, device_id, site_id, status, secret, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TenantID, rec.DeviceID, rec.SiteID, rec.Status, rec.Secret, rec.CreatedAt)
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == uniqueViolation {
		return errors.Wrapf(ErrDuplicate, "device %s/%s", rec.TenantID, rec.DeviceID)
	}
	return errors.Wrap(err, "create device")
}

// GetDevice reads one registration.
func (pg *Postgres) GetDevice(ctx context.Context, scope *Scope, tenantID, deviceID string) (*registry.Record, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	rec := &registry.Record{}
	var decommissionedAt *time.Time
	err = c.QueryRow(ctx, `SELECT tenant_id, device_id, site_id, status, secret, created_at, decommissioned_at
		FROM device_registry WHERE tenant_id = $1 AND device_id = $2`,
		tenantID, deviceID).Scan(&rec.TenantID, &rec.DeviceID, &rec.SiteID, &rec.Status, &rec.Secret, &rec.CreatedAt, &decommissionedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get device")
	}
	rec.DecommissionedAt = timeOrZero(decommissionedAt)
	return rec, nil
}

// ListDevices returns every registration the scope can see.
func (pg *Postgres) ListDevices(ctx context.Context, scope *Scope) ([]registry.Record, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, `SELECT tenant_id, device_id, site_id, status, secret, created_at, decommissioned_at
		FROM device_registry ORDER BY tenant_id, device_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	defer rows.Close()

	var out []registry.Record
	for rows.Next() {
		var rec registry.Record
		var decommissionedAt *time.Time
		if err := rows.Scan(&rec.TenantID, &rec.DeviceID, &rec.SiteID, &rec.Status, &rec.Secret, &rec.CreatedAt, &decommissionedAt); err != nil {
			return nil, errors.Wrap(err, "scan device")
		}
		rec.DecommissionedAt = timeOrZero(decommissionedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetDeviceStatus revokes or restores a registration. Moving to REVOKED or
// DELETED stamps decommissioned_at.
func (pg *Postgres) SetDeviceStatus(ctx context.Context, scope *Scope, tenantID, deviceID string, status registry.Status) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `UPDATE device_registry SET status = $3,
		decommissioned_at = CASE WHEN $3 IN ('REVOKED', 'DELETED') THEN now() ELSE NULL END
		WHERE tenant_id = $1 AND device_id = $2`, tenantID, deviceID, status)
	if err != nil {
		return errors.Wrap(err, "set device status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
