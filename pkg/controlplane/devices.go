// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/registry"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// maxIdentifierBytes caps device and site identifiers. Identifiers appear
// verbatim in MQTT topics and URL paths, so they must stay URL-safe.
const maxIdentifierBytes = 64

// validIdentifier reports whether s can serve as a registry identifier:
// non-empty, at most 64 bytes, alphanumerics plus "-", "_", "." and "~".
func validIdentifier(s string) bool {
	if s == "" || len(s) > maxIdentifierBytes {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == '~':
		default:
			return false
		}
	}
	return true
}

// ProvisionDevice registers a device under a tenant. A missing secret is
// generated, and the returned record is the only read that carries it; the
// caller hands it to the device once. The ingest auth cache never caches
// absent rows, so a freshly provisioned device may authenticate immediately.
func (s *Service) ProvisionDevice(ctx context.Context, p *Principal, rec *registry.Record) (*registry.Record, error) {
	if err := need(p, PermDevicesWrite); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Wrap(ErrInvalid, "device record is required")
	}
	tenant, err := s.effectiveTenant(p, rec.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant == "" {
		return nil, errors.Wrap(ErrInvalid, "tenant id is required")
	}
	rec.TenantID = tenant
	if !validIdentifier(rec.DeviceID) {
		return nil, errors.Wrapf(ErrInvalid, "device id %q must be URL-safe and at most %d bytes", rec.DeviceID, maxIdentifierBytes)
	}
	if rec.SiteID != "" && !validIdentifier(rec.SiteID) {
		return nil, errors.Wrapf(ErrInvalid, "site id %q must be URL-safe and at most %d bytes", rec.SiteID, maxIdentifierBytes)
	}
	if rec.Secret == "" {
		rec.Secret = uuid.NewString()
	}
	rec.Status = registry.StatusActive
	rec.DecommissionedAt = time.Time{}

	scope, err := s.scopeFor(ctx, p, "provision_device", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	err = s.deps.Devices.CreateDevice(ctx, scope, rec)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	log.Infof("controlplane: device %s/%s provisioned by %s", rec.TenantID, rec.DeviceID, p.Subject)
	return rec, nil
}

// RevokeDevice marks a device REVOKED and drops it from the ingest auth
// cache, so the revocation takes effect before the cache TTL would have
// elapsed. The liveness tracker is told as well, flipping the fleet view
// without waiting for the next sweep.
func (s *Service) RevokeDevice(ctx context.Context, p *Principal, tenantID, deviceID string) error {
	return s.setDeviceStatus(ctx, p, tenantID, deviceID, registry.StatusRevoked, "revoke_device")
}

// DecommissionDevice retires a device permanently. Like revocation it cuts
// ingest access immediately; unlike revocation it is not meant to be undone.
func (s *Service) DecommissionDevice(ctx context.Context, p *Principal, tenantID, deviceID string) error {
	return s.setDeviceStatus(ctx, p, tenantID, deviceID, registry.StatusDeleted, "decommission_device")
}

func (s *Service) setDeviceStatus(ctx context.Context, p *Principal, tenantID, deviceID string, status registry.Status, action string) error {
	if err := need(p, PermDevicesWrite); err != nil {
		return err
	}
	tenant, err := s.effectiveTenant(p, tenantID)
	if err != nil {
		return err
	}
	if tenant == "" || deviceID == "" {
		return errors.Wrap(ErrInvalid, "tenant id and device id are required")
	}

	scope, err := s.scopeFor(ctx, p, action, tenant)
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	err = s.deps.Devices.SetDeviceStatus(ctx, scope, tenant, deviceID, status)
	finish(scope, err)
	if err != nil {
		return err
	}

	if s.deps.AuthCache != nil {
		s.deps.AuthCache.Invalidate(tenant, deviceID)
	}
	if s.deps.Liveness != nil {
		if lerr := s.deps.Liveness.MarkRevoked(ctx, tenant, deviceID); lerr != nil {
			log.Warnf("controlplane: device %s/%s liveness update failed: %v", tenant, deviceID, lerr)
		}
	}
	log.Infof("controlplane: device %s/%s set %s by %s", tenant, deviceID, status, p.Subject)
	return nil
}

// GetDevice reads one provisioning record. The secret never comes back on
// reads; it is shown once at provisioning.
func (s *Service) GetDevice(ctx context.Context, p *Principal, tenantID, deviceID string) (*registry.Record, error) {
	if err := need(p, PermDevicesRead); err != nil {
		return nil, err
	}
	tenant, err := s.effectiveTenant(p, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == "" || deviceID == "" {
		return nil, errors.Wrap(ErrInvalid, "tenant id and device id are required")
	}

	scope, err := s.scopeFor(ctx, p, "get_device", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	rec, err := s.deps.Devices.GetDevice(ctx, scope, tenant, deviceID)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	rec.Secret = ""
	return rec, nil
}

// ListDevices returns the provisioning records visible to the principal,
// secrets redacted. Operators see every tenant unless tenantID names one.
func (s *Service) ListDevices(ctx context.Context, p *Principal, tenantID string) ([]registry.Record, error) {
	if err := need(p, PermDevicesRead); err != nil {
		return nil, err
	}
	tenant, err := s.effectiveTenant(p, tenantID)
	if err != nil {
		return nil, err
	}

	scope, err := s.scopeFor(ctx, p, "list_devices", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	devices, err := s.deps.Devices.ListDevices(ctx, scope)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	devices = filterByTenant(devices, tenant, func(r *registry.Record) string { return r.TenantID })
	for i := range devices {
		devices[i].Secret = ""
	}
	return devices, nil
}
