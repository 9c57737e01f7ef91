// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/registry"
)

// RegistryLookup adapts the scoped device registry to the ingest auth
// cache. Each lookup enters a short-lived tenant scope, so a registry read
// on the hot path is still bound by the row policy.
type RegistryLookup struct {
	DB    *DB
	Store DeviceRegistryStore
}

var _ registry.Store = (*RegistryLookup)(nil)

// LookupDevice implements registry.Store. A missing registration is
// (nil, nil); infrastructure errors propagate so the caller fails closed.
func (l *RegistryLookup) LookupDevice(ctx context.Context, tenantID, deviceID string) (*registry.Record, error) {
	scope, err := l.DB.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	rec, err := l.Store.GetDevice(ctx, scope, tenantID, deviceID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}
