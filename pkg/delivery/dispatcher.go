// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// Dispatcher turns platform events into persisted delivery jobs. Jobs hit
// the store before any network happens; the worker pool picks them up from
// there. It implements the rule engine's notifier and the route engine's
// job sink, and replays dead letters back into the queue.
type Dispatcher struct {
	scopes       storage.ScopeFactory
	integrations storage.IntegrationStore
	routes       storage.RouteStore
	jobs         storage.JobStore
	dlq          storage.DeadLetterStore
	clock        clock.Clock
}

// NewDispatcher wires the dispatcher to its stores.
func NewDispatcher(scopes storage.ScopeFactory, integrations storage.IntegrationStore, routes storage.RouteStore, jobs storage.JobStore, dlq storage.DeadLetterStore, clk clock.Clock) *Dispatcher {
	return &Dispatcher{scopes: scopes, integrations: integrations, routes: routes, jobs: jobs, dlq: dlq, clock: clk}
}

// AlertOpened fans a newly opened alert out to every enabled integration of
// its tenant, one job each. Silenced alerts stay queryable but are not
// delivered anywhere.
func (d *Dispatcher) AlertOpened(ctx context.Context, alert *storage.FleetAlert) {
	if alert.Silenced {
		log.Debugf("alert %s is silenced, skipping fan-out", alert.AlertID)
		return
	}

	ev := message.AlertEvent(alert.TenantID, alert.DeviceID, alert.AlertID, alert.AlertType, alert.Summary, alert.Severity, alert.CreatedAt)
	body, err := ev.Marshal()
	if err != nil {
		log.Errorf("dispatch: marshaling alert %s: %v", alert.AlertID, err)
		return
	}

	scope, err := d.scopes.Tenant(ctx, alert.TenantID)
	if err != nil {
		log.Errorf("dispatch: scoping tenant %s: %v", alert.TenantID, err)
		return
	}
	defer scope.Close(ctx)

	integrations, err := d.integrations.EnabledIntegrations(ctx, scope)
	if err != nil {
		log.Errorf("dispatch: listing integrations for tenant %s: %v", alert.TenantID, err)
		return
	}
	if len(integrations) == 0 {
		return
	}

	now := d.clock.Now().UTC()
	for i := range integrations {
		in := &integrations[i]
		job := &storage.DeliveryJob{
			JobID:             uuid.NewString(),
			TenantID:          alert.TenantID,
			AlertID:           alert.AlertID,
			IntegrationID:     in.IntegrationID,
			Kind:              in.Kind,
			DestinationConfig: in.Config,
			Event:             body,
			Status:            storage.JobPending,
			NextAttemptAt:     now,
			CreatedAt:         now,
		}
		if err := d.jobs.Enqueue(ctx, scope, job); err != nil {
			log.Errorf("dispatch: enqueueing alert %s to integration %s: %v", alert.AlertID, in.IntegrationID, err)
			continue
		}
		health.CountJobEnqueued()
	}
	log.Debugf("alert %s fanned out to %d integrations", alert.AlertID, len(integrations))
}

// EnqueueRouted persists one delivery job for a matched webhook route. The
// job snapshots the route's destination config, so later route edits do
// not rewrite queued deliveries.
func (d *Dispatcher) EnqueueRouted(ctx context.Context, route *storage.MessageRoute, env *message.Envelope) error {
	body, err := message.TelemetryEvent(env).Marshal()
	if err != nil {
		return errors.Wrap(err, "marshaling routed event")
	}

	scope, err := d.scopes.Tenant(ctx, env.TenantID)
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	now := d.clock.Now().UTC()
	job := &storage.DeliveryJob{
		JobID:             uuid.NewString(),
		TenantID:          env.TenantID,
		MessageRef:        fmt.Sprintf("%s#%d", env.Topic, env.Seq),
		RouteID:           route.RouteID,
		Kind:              storage.IntegrationWebhook,
		DestinationConfig: route.DestinationConfig,
		Event:             body,
		Status:            storage.JobPending,
		NextAttemptAt:     now,
		CreatedAt:         now,
	}
	if err := d.jobs.Enqueue(ctx, scope, job); err != nil {
		return err
	}
	health.CountJobEnqueued()
	return nil
}
