// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const deviceStateColumns = `tenant_id, device_id, status, last_heartbeat_at, last_telemetry_at, latest_metrics, updated_at`

func scanDeviceState(row pgx.Row) (*DeviceState, error) {
	ds := &DeviceState{}
	var hb, tel *time.Time
	err := row.Scan(&ds.TenantID, &ds.DeviceID, &ds.Status, &hb, &tel, &ds.LatestMetrics, &ds.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ds.LastHeartbeatAt = timeOrZero(hb)
	ds.LastTelemetryAt = timeOrZero(tel)
	return ds, nil
}

// MarkTelemetry upserts the device snapshot after an accepted telemetry
// batch. The latest metrics merge over what was known before; a REVOKED
// device stays REVOKED.
func (pg *Postgres) MarkTelemetry(ctx context.Context, scope *Scope, tenantID, deviceID string, at time.Time, metrics map[string]float64) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if metrics == nil {
		metrics = map[string]float64{}
	}
	_, err = c.Exec(ctx, `INSERT INTO device_state (tenant_id, device_id, status, last_telemetry_at, latest_metrics, updated_at)
		VALUES ($1, $2, 'ONLINE', $3, $4, $3)
		ON CONFLICT (tenant_id, device_id) DO UPDATE SET
			status = CASE WHEN device_state.status = 'REVOKED' THEN device_state.status ELSE 'ONLINE' END,
			last_telemetry_at = GREATEST(COALESCE(device_state.last_telemetry_at, 'epoch'::timestamptz), EXCLUDED.last_telemetry_at),
			latest_metrics = device_state.latest_metrics || EXCLUDED.latest_metrics,
			updated_at = EXCLUDED.updated_at`,
		tenantID, deviceID, at, metrics)
	return errors.Wrap(err, "mark telemetry")
}

// MarkHeartbeat upserts the device snapshot after a heartbeat message.
func (pg *Postgres) MarkHeartbeat(ctx context.Context, scope *Scope, tenantID, deviceID string, at time.Time) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	_, err = c.Exec(ctx, `INSERT INTO device_state (tenant_id, device_id, status, last_heartbeat_at, updated_at)
		VALUES ($1, $2, 'ONLINE', $3, $3)
		ON CONFLICT (tenant_id, device_id) DO UPDATE SET
			status = CASE WHEN device_state.status = 'REVOKED' THEN device_state.status ELSE 'ONLINE' END,
			last_heartbeat_at = GREATEST(COALESCE(device_state.last_heartbeat_at, 'epoch'::timestamptz), EXCLUDED.last_heartbeat_at),
			updated_at = EXCLUDED.updated_at`,
		tenantID, deviceID, at)
	return errors.Wrap(err, "mark heartbeat")
}

// GetDeviceState reads one snapshot.
func (pg *Postgres) GetDeviceState(ctx context.Context, scope *Scope, tenantID, deviceID string) (*DeviceState, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	ds, err := scanDeviceState(c.QueryRow(ctx, `SELECT `+deviceStateColumns+`
		FROM device_state WHERE tenant_id = $1 AND device_id = $2`, tenantID, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get device state")
	}
	return ds, nil
}

// ListDeviceStates returns every snapshot the scope can see.
func (pg *Postgres) ListDeviceStates(ctx context.Context, scope *Scope) ([]DeviceState, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, `SELECT `+deviceStateColumns+` FROM device_state ORDER BY tenant_id, device_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list device states")
	}
	defer rows.Close()

	var out []DeviceState
	for rows.Next() {
		ds, err := scanDeviceState(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan device state")
		}
		out = append(out, *ds)
	}
	return out, rows.Err()
}

// SetDeviceLiveness forces a snapshot's status, creating the row if the
// device never reported. Used when a registration is revoked.
func (pg *Postgres) SetDeviceLiveness(ctx context.Context, scope *Scope, tenantID, deviceID string, status DeviceStatus) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	_, err = c.Exec(ctx, `INSERT INTO device_state (tenant_id, device_id, status, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, device_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		tenantID, deviceID, status)
	return errors.Wrap(err, "set device liveness")
}

// SweepDeviceStates demotes devices that stopped reporting: ONLINE past the
// stale cutoff becomes STALE, and ONLINE or STALE past the offline cutoff
// becomes OFFLINE. The two updates run separately so a device past both
// cutoffs lands on OFFLINE.
func (pg *Postgres) SweepDeviceStates(ctx context.Context, scope *Scope, now time.Time, staleAfter, offlineAfter time.Duration) (int, error) {
	if err := requireWrite(scope); err != nil {
		return 0, err
	}
	c, err := conn(scope)
	if err != nil {
		return 0, err
	}
	const lastSeen = `GREATEST(COALESCE(last_telemetry_at, 'epoch'::timestamptz), COALESCE(last_heartbeat_at, 'epoch'::timestamptz))`

	offline, err := c.Exec(ctx, `UPDATE device_state SET status = 'OFFLINE', updated_at = $1
		WHERE status IN ('ONLINE', 'STALE') AND `+lastSeen+` < $2`,
		now, now.Add(-offlineAfter))
	if err != nil {
		return 0, errors.Wrap(err, "sweep offline devices")
	}
	stale, err := c.Exec(ctx, `UPDATE device_state SET status = 'STALE', updated_at = $1
		WHERE status = 'ONLINE' AND `+lastSeen+` < $2`,
		now, now.Add(-staleAfter))
	if err != nil {
		return 0, errors.Wrap(err, "sweep stale devices")
	}
	return int(offline.RowsAffected() + stale.RowsAffected()), nil
}
