// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package timeseries

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/message"
)

// PostgresStore persists points to the telemetry_points table. It owns its
// pool checkout per call; tenancy is an explicit predicate on every query
// rather than a session variable, since the contract keys every operation
// by tenant.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var pointColumns = []string{"tenant_id", "device_id", "site_id", "metric", "value", "ts", "device_ts", "seq"}

// WritePoints inserts the batch inside one transaction via COPY. Rows that
// fail validation are reported and skipped; any transaction error aborts
// the whole batch so the caller can retry it as a unit.
func (s *PostgresStore) WritePoints(ctx context.Context, tenantID string, points []message.Point) (*WriteResult, error) {
	result := &WriteResult{}
	rows := make([][]interface{}, 0, len(points))
	for _, p := range points {
		if reason, ok := validatePoint(tenantID, p); !ok {
			result.Rejected = append(result.Rejected, RejectedPoint{Point: p, Reason: reason})
			continue
		}
		var deviceTS interface{}
		if !p.DeviceTS.IsZero() {
			deviceTS = p.DeviceTS
		}
		rows = append(rows, []interface{}{p.TenantID, p.DeviceID, p.SiteID, p.Metric, p.Value, p.TS, deviceTS, p.Seq})
	}
	if len(rows) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin telemetry batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"telemetry_points"}, pointColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return nil, errors.Wrap(err, "copy telemetry batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit telemetry batch")
	}

	result.Written = int(n)
	return result, nil
}

const queryLatestSQL = `
SELECT tenant_id, device_id, site_id, metric, value, ts, device_ts, seq
FROM (
    SELECT tenant_id, device_id, site_id, metric, value, ts, device_ts, seq,
           row_number() OVER (PARTITION BY device_id, metric ORDER BY ts DESC, seq DESC) AS rn
    FROM telemetry_points
    WHERE tenant_id = $1
      AND ($2 = '' OR device_id = $2)
      AND (cardinality($3::text[]) = 0 OR metric = ANY($3))
) ranked
WHERE rn <= $4
ORDER BY ts DESC, device_id DESC, metric`

// QueryLatest returns the count newest points per (device, metric).
func (s *PostgresStore) QueryLatest(ctx context.Context, tenantID, deviceID string, metricNames []string, count int) ([]message.Point, error) {
	if count <= 0 {
		count = 1
	}
	if metricNames == nil {
		metricNames = []string{}
	}

	rows, err := s.pool.Query(ctx, queryLatestSQL, tenantID, deviceID, metricNames, count)
	if err != nil {
		return nil, errors.Wrap(err, "query latest points")
	}
	defer rows.Close()
	return scanPoints(rows)
}

const queryRangeSQL = `
SELECT tenant_id, device_id, site_id, metric, value, ts, device_ts, seq
FROM telemetry_points
WHERE tenant_id = $1
  AND device_id = $2
  AND (cardinality($3::text[]) = 0 OR metric = ANY($3))
  AND ts >= $4 AND ts <= $5
ORDER BY ts ASC, metric
LIMIT $6`

// QueryRange returns points within the inclusive bounds, ascending.
func (s *PostgresStore) QueryRange(ctx context.Context, tenantID, deviceID string, metricNames []string, start, end time.Time, limit int) ([]message.Point, error) {
	if limit <= 0 {
		limit = 1000
	}
	if metricNames == nil {
		metricNames = []string{}
	}

	rows, err := s.pool.Query(ctx, queryRangeSQL, tenantID, deviceID, metricNames, start, end, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query point range")
	}
	defer rows.Close()
	return scanPoints(rows)
}

const countSinceSQL = `
SELECT count(*)
FROM telemetry_points
WHERE tenant_id = $1 AND device_id = $2 AND metric = $3 AND ts >= $4`

// CountSince counts a device's points for one metric since the instant.
func (s *PostgresStore) CountSince(ctx context.Context, tenantID, deviceID, metricName string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, countSinceSQL, tenantID, deviceID, metricName, since).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count points")
	}
	return n, nil
}

func scanPoints(rows pgx.Rows) ([]message.Point, error) {
	var out []message.Point
	for rows.Next() {
		var p message.Point
		var deviceTS *time.Time
		if err := rows.Scan(&p.TenantID, &p.DeviceID, &p.SiteID, &p.Metric, &p.Value, &p.TS, &deviceTS, &p.Seq); err != nil {
			return nil, errors.Wrap(err, "scan point")
		}
		if deviceTS != nil {
			p.DeviceTS = *deviceTS
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate points")
}
