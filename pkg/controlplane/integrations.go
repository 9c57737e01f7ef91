// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/delivery"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// validateIntegration enforces the channel grammar and vets the destination
// before anything is persisted. Webhook, email and SNMP targets resolve
// through the address guard here, so a private address never reaches the
// integrations table.
func (s *Service) validateIntegration(ctx context.Context, in *storage.Integration) error {
	switch {
	case in == nil:
		return errors.Wrap(ErrInvalid, "integration is required")
	case in.Name == "":
		return errors.Wrap(ErrInvalid, "integration name is required")
	}
	switch in.Kind {
	case storage.IntegrationWebhook, storage.IntegrationEmail, storage.IntegrationSNMP, storage.IntegrationMQTT:
	default:
		return errors.Wrapf(ErrInvalid, "unknown integration kind %q", in.Kind)
	}
	if err := delivery.ValidateDestination(ctx, s.deps.Guard, in.Kind, in.Config); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	return nil
}

// CreateIntegration persists a new delivery channel.
func (s *Service) CreateIntegration(ctx context.Context, p *Principal, in *storage.Integration) (*storage.Integration, error) {
	if err := need(p, PermIntegrationsWrite); err != nil {
		return nil, err
	}
	if err := s.validateIntegration(ctx, in); err != nil {
		return nil, err
	}
	tenant, err := s.effectiveTenant(p, in.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant == "" {
		return nil, errors.Wrap(ErrInvalid, "tenant id is required")
	}
	in.TenantID = tenant

	scope, err := s.scopeFor(ctx, p, "create_integration", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	err = s.deps.Integrations.CreateIntegration(ctx, scope, in)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	log.Infof("controlplane: tenant %s %s integration %s created by %s",
		tenant, in.Kind, in.IntegrationID, p.Subject)
	return in, nil
}

// GetIntegration reads one integration.
func (s *Service) GetIntegration(ctx context.Context, p *Principal, integrationID string) (*storage.Integration, error) {
	if err := need(p, PermIntegrationsRead); err != nil {
		return nil, err
	}
	if integrationID == "" {
		return nil, errors.Wrap(ErrInvalid, "integration id is required")
	}

	scope, err := s.scopeFor(ctx, p, "get_integration", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	in, err := s.deps.Integrations.GetIntegration(ctx, scope, integrationID)
	finish(scope, err)
	return in, err
}

// UpdateIntegration replaces an integration's definition. Jobs already
// enqueued keep their destination snapshot; only future ones pick this up.
func (s *Service) UpdateIntegration(ctx context.Context, p *Principal, in *storage.Integration) (*storage.Integration, error) {
	if err := need(p, PermIntegrationsWrite); err != nil {
		return nil, err
	}
	if in == nil || in.IntegrationID == "" {
		return nil, errors.Wrap(ErrInvalid, "integration id is required")
	}
	if err := s.validateIntegration(ctx, in); err != nil {
		return nil, err
	}

	scope, err := s.scopeFor(ctx, p, "update_integration", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	err = s.deps.Integrations.UpdateIntegration(ctx, scope, in)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	log.Infof("controlplane: integration %s updated by %s", in.IntegrationID, p.Subject)
	return in, nil
}

// DeleteIntegration removes a delivery channel. In-flight jobs carry their
// config snapshot and finish on their own.
func (s *Service) DeleteIntegration(ctx context.Context, p *Principal, integrationID string) error {
	if err := need(p, PermIntegrationsWrite); err != nil {
		return err
	}
	if integrationID == "" {
		return errors.Wrap(ErrInvalid, "integration id is required")
	}

	scope, err := s.scopeFor(ctx, p, "delete_integration", "")
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	err = s.deps.Integrations.DeleteIntegration(ctx, scope, integrationID)
	finish(scope, err)
	if err == nil {
		log.Infof("controlplane: integration %s deleted by %s", integrationID, p.Subject)
	}
	return err
}

// ListIntegrations returns the caller's integrations. Operators see all
// tenants unless they name one.
func (s *Service) ListIntegrations(ctx context.Context, p *Principal, tenantID string) ([]storage.Integration, error) {
	if err := need(p, PermIntegrationsRead); err != nil {
		return nil, err
	}
	tenant, err := s.effectiveTenant(p, tenantID)
	if err != nil {
		return nil, err
	}

	scope, err := s.scopeFor(ctx, p, "list_integrations", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	ins, err := s.deps.Integrations.ListIntegrations(ctx, scope)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	return filterByTenant(ins, tenant, func(in *storage.Integration) string { return in.TenantID }), nil
}

// TestIntegration enqueues one synthetic severity-1 alert through the
// integration, exercising the full queue, worker and sender path. Disabled
// integrations can be tested before being switched on.
func (s *Service) TestIntegration(ctx context.Context, p *Principal, integrationID string) (*storage.DeliveryJob, error) {
	if err := need(p, PermIntegrationsWrite); err != nil {
		return nil, err
	}
	if integrationID == "" {
		return nil, errors.Wrap(ErrInvalid, "integration id is required")
	}

	scope, err := s.scopeFor(ctx, p, "test_integration", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	in, err := s.deps.Integrations.GetIntegration(ctx, scope, integrationID)
	if err != nil {
		finish(scope, err)
		return nil, err
	}

	now := s.clock.Now().UTC()
	ev := message.AlertEvent(in.TenantID, "", "", "TEST",
		"Test notification from integration "+in.Name, 1, now)
	body, err := ev.Marshal()
	if err != nil {
		finish(scope, err)
		return nil, errors.Wrap(err, "encoding test event")
	}

	jobID := uuid.NewString()
	job := &storage.DeliveryJob{
		JobID:             jobID,
		TenantID:          in.TenantID,
		MessageRef:        "integration-test:" + jobID,
		IntegrationID:     in.IntegrationID,
		Kind:              in.Kind,
		DestinationConfig: in.Config,
		Event:             body,
		Status:            storage.JobPending,
		NextAttemptAt:     now,
		CreatedAt:         now,
	}
	err = s.deps.Jobs.Enqueue(ctx, scope, job)
	finish(scope, err)
	if err != nil {
		return nil, errors.Wrap(err, "enqueueing test delivery")
	}
	health.CountJobEnqueued()
	log.Infof("controlplane: integration %s test delivery %s enqueued by %s",
		integrationID, job.JobID, p.Subject)
	return job, nil
}
