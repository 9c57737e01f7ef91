// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package timeseries defines the telemetry point store contract consumed by
// the batch writer, the rule engine and the query APIs, together with the
// Postgres implementation and an in-memory implementation for tests.
package timeseries

import (
	"context"
	"math"
	"time"

	"github.com/DataDog/iot-platform/pkg/message"
)

// Store is the time-series contract. Tenancy is an explicit key on every
// operation; ordering inside a device follows the ingest timestamp, never
// the device clock.
type Store interface {
	// WritePoints persists a batch atomically. Points that fail row-level
	// validation are reported in the result and skipped; an error means the
	// whole batch did not land and may be retried.
	WritePoints(ctx context.Context, tenantID string, points []message.Point) (*WriteResult, error)

	// QueryLatest returns up to count most recent points per (device,
	// metric), newest first. Empty deviceID spans all devices of the
	// tenant; empty metricNames spans all metrics.
	QueryLatest(ctx context.Context, tenantID, deviceID string, metricNames []string, count int) ([]message.Point, error)

	// QueryRange returns points in [start, end], ascending, capped at limit.
	QueryRange(ctx context.Context, tenantID, deviceID string, metricNames []string, start, end time.Time, limit int) ([]message.Point, error)

	// CountSince counts points for one metric since the given instant.
	CountSince(ctx context.Context, tenantID, deviceID, metricName string, since time.Time) (int64, error)
}

// WriteResult reports the outcome of one batch write.
type WriteResult struct {
	Written  int
	Rejected []RejectedPoint
}

// RejectedPoint is one point the store refused, with the row-level reason.
type RejectedPoint struct {
	Point  message.Point
	Reason string
}

// validatePoint applies the row-level checks shared by both
// implementations. The pipeline already enforces these on the envelope;
// the store re-checks so a buggy caller cannot corrupt the table.
func validatePoint(tenantID string, p message.Point) (string, bool) {
	switch {
	case p.TenantID != tenantID:
		return "tenant mismatch", false
	case p.DeviceID == "":
		return "empty device id", false
	case p.Metric == "":
		return "empty metric name", false
	case p.TS.IsZero():
		return "zero timestamp", false
	case math.IsNaN(p.Value) || math.IsInf(p.Value, 0):
		return "non-finite value", false
	}
	return "", true
}
