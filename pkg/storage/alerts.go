// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const alertColumns = `alert_id, tenant_id, device_id, alert_type, severity, status, silenced, summary, fingerprint, details, created_at, closed_at`

func scanAlert(row pgx.Row) (*FleetAlert, error) {
	a := &FleetAlert{}
	var closedAt *time.Time
	err := row.Scan(&a.AlertID, &a.TenantID, &a.DeviceID, &a.AlertType, &a.Severity,
		&a.Status, &a.Silenced, &a.Summary, &a.Fingerprint, &a.Details, &a.CreatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	a.ClosedAt = timeOrZero(closedAt)
	return a, nil
}

// InsertAlert raises an alert. A second active alert for the same fingerprint is
// rejected with ErrActiveFingerprint; parallel evaluators race safely on the
// partial unique index.
func (pg *Postgres) InsertAlert(ctx context.Context, scope *Scope, a *FleetAlert) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AlertOpen
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if len(a.Details) == 0 {
		a.Details = []byte(`{}`)
	}
	_, err = c.Exec(ctx, `INSERT INTO fleet_alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.AlertID, a.TenantID, a.DeviceID, a.AlertType, a.Severity, a.Status,
		a.Silenced, a.Summary, a.Fingerprint, a.Details, a.CreatedAt, nullTime(a.ClosedAt))
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == "fleet_alerts_active_fingerprint" {
			return errors.Wrapf(ErrActiveFingerprint, "fingerprint %s", a.Fingerprint)
		}
		return errors.Wrapf(ErrDuplicate, "alert %s", a.AlertID)
	}
	return errors.Wrap(err, "insert alert")
}

// GetAlert reads one alert.
func (pg *Postgres) GetAlert(ctx context.Context, scope *Scope, alertID string) (*FleetAlert, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	a, err := scanAlert(c.QueryRow(ctx, `SELECT `+alertColumns+` FROM fleet_alerts WHERE alert_id = $1`, alertID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get alert")
	}
	return a, nil
}

// ListAlerts returns alerts newest first, optionally narrowed by status and
// device.
func (pg *Postgres) ListAlerts(ctx context.Context, scope *Scope, filter AlertListFilter) ([]FleetAlert, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := c.Query(ctx, `SELECT `+alertColumns+` FROM fleet_alerts
		WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR status = $2) AND ($3 = '' OR device_id = $3)
		ORDER BY created_at DESC LIMIT $4`,
		filter.TenantID, string(filter.Status), filter.DeviceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list alerts")
	}
	defer rows.Close()

	var out []FleetAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan alert")
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ActiveByFingerprint returns the OPEN or ACKNOWLEDGED alert for a
// fingerprint, or nil when none is active.
func (pg *Postgres) ActiveByFingerprint(ctx context.Context, scope *Scope, fingerprint string) (*FleetAlert, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	a, err := scanAlert(c.QueryRow(ctx, `SELECT `+alertColumns+` FROM fleet_alerts
		WHERE fingerprint = $1 AND status IN ('OPEN', 'ACKNOWLEDGED')`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query active alert")
	}
	return a, nil
}

// CloseByFingerprint closes the active alert for a fingerprint, reporting
// whether one was open.
func (pg *Postgres) CloseByFingerprint(ctx context.Context, scope *Scope, fingerprint string, at time.Time) (bool, error) {
	if err := requireWrite(scope); err != nil {
		return false, err
	}
	c, err := conn(scope)
	if err != nil {
		return false, err
	}
	tag, err := c.Exec(ctx, `UPDATE fleet_alerts SET status = 'CLOSED', closed_at = $2
		WHERE fingerprint = $1 AND status IN ('OPEN', 'ACKNOWLEDGED')`, fingerprint, at)
	if err != nil {
		return false, errors.Wrap(err, "close alert by fingerprint")
	}
	return tag.RowsAffected() > 0, nil
}

// CloseAlert closes an alert by id. Closing an already closed alert is a
// no-op that keeps the original closed_at.
func (pg *Postgres) CloseAlert(ctx context.Context, scope *Scope, alertID string, at time.Time) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `UPDATE fleet_alerts SET status = 'CLOSED', closed_at = COALESCE(closed_at, $2)
		WHERE alert_id = $1`, alertID, at)
	if err != nil {
		return errors.Wrap(err, "close alert")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AcknowledgeAlert moves an OPEN alert to ACKNOWLEDGED. Acknowledging twice is a
// no-op; a CLOSED alert cannot be acknowledged.
func (pg *Postgres) AcknowledgeAlert(ctx context.Context, scope *Scope, alertID string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `UPDATE fleet_alerts SET status = 'ACKNOWLEDGED'
		WHERE alert_id = $1 AND status = 'OPEN'`, alertID)
	if err != nil {
		return errors.Wrap(err, "acknowledge alert")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	cur, err := pg.GetAlert(ctx, scope, alertID)
	if err != nil {
		return err
	}
	if cur.Status == AlertAcknowledged {
		return nil
	}
	return errors.Wrapf(ErrBadState, "alert %s is %s", alertID, cur.Status)
}

// SilenceAlert toggles delivery suppression. Silencing does not change the
// alert's lifecycle state.
func (pg *Postgres) SilenceAlert(ctx context.Context, scope *Scope, alertID string, silenced bool) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `UPDATE fleet_alerts SET silenced = $2 WHERE alert_id = $1`, alertID, silenced)
	if err != nil {
		return errors.Wrap(err, "silence alert")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
