// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// ListAlerts returns the caller's alerts newest first. Operators see all
// tenants unless the filter names one.
func (s *Service) ListAlerts(ctx context.Context, p *Principal, filter storage.AlertListFilter) ([]storage.FleetAlert, error) {
	if err := need(p, PermAlertsRead); err != nil {
		return nil, err
	}
	tenant, err := s.effectiveTenant(p, filter.TenantID)
	if err != nil {
		return nil, err
	}
	filter.TenantID = tenant

	scope, err := s.scopeFor(ctx, p, "list_alerts", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	alerts, err := s.deps.Alerts.ListAlerts(ctx, scope, filter)
	finish(scope, err)
	return alerts, err
}

// GetAlert reads one alert.
func (s *Service) GetAlert(ctx context.Context, p *Principal, alertID string) (*storage.FleetAlert, error) {
	if err := need(p, PermAlertsRead); err != nil {
		return nil, err
	}
	if alertID == "" {
		return nil, errors.Wrap(ErrInvalid, "alert id is required")
	}

	scope, err := s.scopeFor(ctx, p, "get_alert", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	alert, err := s.deps.Alerts.GetAlert(ctx, scope, alertID)
	finish(scope, err)
	return alert, err
}

// AcknowledgeAlert moves an OPEN alert to ACKNOWLEDGED. Acknowledging an
// already acknowledged alert is a no-op; a CLOSED one is ErrBadState.
func (s *Service) AcknowledgeAlert(ctx context.Context, p *Principal, alertID string) error {
	if err := need(p, PermAlertsWrite); err != nil {
		return err
	}
	if alertID == "" {
		return errors.Wrap(ErrInvalid, "alert id is required")
	}

	scope, err := s.scopeFor(ctx, p, "ack_alert", "")
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	err = s.deps.Alerts.AcknowledgeAlert(ctx, scope, alertID)
	finish(scope, err)
	if err == nil {
		log.Infof("controlplane: alert %s acknowledged by %s", alertID, p.Subject)
	}
	return err
}

// CloseAlert closes an alert, releasing its fingerprint for future raises.
// Closing twice is a no-op.
func (s *Service) CloseAlert(ctx context.Context, p *Principal, alertID string) error {
	if err := need(p, PermAlertsWrite); err != nil {
		return err
	}
	if alertID == "" {
		return errors.Wrap(ErrInvalid, "alert id is required")
	}

	scope, err := s.scopeFor(ctx, p, "close_alert", "")
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	err = s.deps.Alerts.CloseAlert(ctx, scope, alertID, s.clock.Now().UTC())
	finish(scope, err)
	if err == nil {
		log.Infof("controlplane: alert %s closed by %s", alertID, p.Subject)
	}
	return err
}

// SilenceAlert toggles delivery suppression without touching the alert's
// lifecycle state.
func (s *Service) SilenceAlert(ctx context.Context, p *Principal, alertID string, silenced bool) error {
	if err := need(p, PermAlertsWrite); err != nil {
		return err
	}
	if alertID == "" {
		return errors.Wrap(ErrInvalid, "alert id is required")
	}

	scope, err := s.scopeFor(ctx, p, "silence_alert", "")
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	err = s.deps.Alerts.SilenceAlert(ctx, scope, alertID, silenced)
	finish(scope, err)
	if err == nil {
		log.Infof("controlplane: alert %s silenced=%t by %s", alertID, silenced, p.Subject)
	}
	return err
}
