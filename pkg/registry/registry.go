// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package registry defines the device provisioning records and the
// read-through cache the ingest pipeline authenticates against.
package registry

import (
	"context"
	"time"
)

// Status is the lifecycle state of a device registration.
type Status string

// Device registration states. Only ACTIVE devices may publish.
const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
	StatusDeleted Status = "DELETED"
)

// Record is one provisioning row, keyed by (tenantID, deviceID). The key is
// immutable; status mutations must invalidate the auth cache.
type Record struct {
	TenantID         string
	DeviceID         string
	SiteID           string
	Status           Status
	Secret           string
	CreatedAt        time.Time
	DecommissionedAt time.Time
}

// Store is the registry lookup surface the cache reads through to. A miss
// returns (nil, nil); errors are infrastructure failures.
type Store interface {
	LookupDevice(ctx context.Context, tenantID, deviceID string) (*Record, error)
}

// Key builds the cache key for a device.
func Key(tenantID, deviceID string) string {
	return tenantID + "/" + deviceID
}
