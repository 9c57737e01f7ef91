// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package message

import "time"

// Point is one canonical time-series sample. TS is the ingest wall clock
// and drives ordering and rule evaluation; DeviceTS is the device-declared
// timestamp, zero when the envelope carried none.
type Point struct {
	TenantID string
	DeviceID string
	SiteID   string
	Metric   string
	Value    float64
	TS       time.Time
	DeviceTS time.Time
	Seq      int64
}

// pointFixedSize approximates the per-row storage cost of the non-string
// fields, used for batch size accounting.
const pointFixedSize = 8 * 4

// Size returns the approximate byte weight of the point for the batch
// writer's size-based flush.
func (p Point) Size() int {
	return pointFixedSize + len(p.TenantID) + len(p.DeviceID) + len(p.SiteID) + len(p.Metric)
}
