// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ListAudit reads the operator access log, newest first. Only operator
// scopes may read it.
func (pg *Postgres) ListAudit(ctx context.Context, scope *Scope, limit int) ([]AuditRecord, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	if scope.Mode() != ModeOperator {
		return nil, errors.Wrap(ErrNoScope, "audit log requires an operator scope")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.Query(ctx, `SELECT audit_id, ts, operator_id, action, target_tenant, request_ip, result_code
		FROM audit_log ORDER BY audit_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list audit log")
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var target *string
		if err := rows.Scan(&rec.AuditID, &rec.Timestamp, &rec.OperatorID, &rec.Action, &target, &rec.RequestIP, &rec.ResultCode); err != nil {
			return nil, errors.Wrap(err, "scan audit record")
		}
		rec.TargetTenant = strOrEmpty(target)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendQuarantine records a rejected envelope. It runs on the raw pool:
// rejects arrive before any tenant identity is established, and the
// quarantine sink must not depend on scope checkout succeeding.
func (pg *Postgres) AppendQuarantine(ctx context.Context, rec *QuarantineRecord) error {
	if rec.CapturedAt.IsZero() {
		rec.CapturedAt = time.Now().UTC()
	}
	err := pg.db.pool.QueryRow(ctx, `INSERT INTO quarantine (tenant_id, device_id, topic, reason, payload, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING quarantine_id`,
		rec.TenantID, rec.DeviceID, rec.Topic, rec.Reason, rec.Payload, rec.CapturedAt).Scan(&rec.QuarantineID)
	return errors.Wrap(err, "append quarantine")
}

// ListQuarantine returns captured rejects newest first. Tenant scopes see
// their own rows; the table itself is outside the row policy, so the filter
// is applied here.
func (pg *Postgres) ListQuarantine(ctx context.Context, scope *Scope, limit int) ([]QuarantineRecord, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	if scope.Mode() == ModeTenant && scope.TenantID() == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.Query(ctx, `SELECT quarantine_id, tenant_id, device_id, topic, reason, payload, captured_at
		FROM quarantine WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY quarantine_id DESC LIMIT $2`, scope.TenantID(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list quarantine")
	}
	defer rows.Close()

	var out []QuarantineRecord
	for rows.Next() {
		var rec QuarantineRecord
		if err := rows.Scan(&rec.QuarantineID, &rec.TenantID, &rec.DeviceID, &rec.Topic, &rec.Reason, &rec.Payload, &rec.CapturedAt); err != nil {
			return nil, errors.Wrap(err, "scan quarantine record")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeQuarantine enforces retention on the reject sink.
func (pg *Postgres) PurgeQuarantine(ctx context.Context, scope *Scope, olderThan time.Time) (int64, error) {
	c, err := conn(scope)
	if err != nil {
		return 0, err
	}
	if !scope.Bypass() {
		return 0, errors.Wrap(ErrNoScope, "quarantine purge requires a bypass scope")
	}
	tag, err := c.Exec(ctx, `DELETE FROM quarantine WHERE captured_at < $1`, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, "purge quarantine")
	}
	return tag.RowsAffected(), nil
}
