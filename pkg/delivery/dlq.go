// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/storage"
)

// Replay re-enqueues a FAILED dead letter as a fresh PENDING job. The
// destination is re-resolved first: a record born from a route or an
// integration picks up that row's current config, so replaying after
// fixing the destination delivers to the fixed one. The snapshot serves
// only when the source row is gone. Replaying a non-FAILED record
// returns the store's ErrBadState and enqueues nothing.
//
// The job is durable before the record flips to REPLAYED. A failure
// between the two leaves the record FAILED and replayable; the inverse
// order could strand a REPLAYED record with no job, losing the delivery
// for good. Delivery is at-least-once, so the worst case here is a
// duplicate job from two concurrent replays, never a lost one.
func (d *Dispatcher) Replay(ctx context.Context, scope *storage.Scope, dlqID string) (*storage.DeliveryJob, error) {
	rec, err := d.dlq.GetDeadLetter(ctx, scope, dlqID)
	if err != nil {
		return nil, err
	}
	if rec.Status != storage.DLQFailed {
		return nil, errors.Wrapf(storage.ErrBadState, "dead letter %s is %s", dlqID, rec.Status)
	}
	kind, destConfig := d.replayDestination(ctx, scope, rec)

	now := d.clock.Now().UTC()
	job := &storage.DeliveryJob{
		JobID:             uuid.NewString(),
		TenantID:          rec.TenantID,
		MessageRef:        "dlq:" + rec.DLQID,
		RouteID:           rec.RouteID,
		IntegrationID:     rec.IntegrationID,
		Kind:              kind,
		DestinationConfig: destConfig,
		Event:             rec.Payload,
		Status:            storage.JobPending,
		NextAttemptAt:     now,
		CreatedAt:         now,
	}
	if err := d.jobs.Enqueue(ctx, scope, job); err != nil {
		return nil, err
	}
	if err := d.dlq.MarkReplayed(ctx, scope, dlqID, now); err != nil {
		return nil, err
	}
	health.CountJobEnqueued()
	return job, nil
}

// replayDestination returns the destination a replay should target. Route
// records only stay bound to their route while it still delivers to a
// webhook; a route repurposed to another destination type falls back to
// the snapshot.
func (d *Dispatcher) replayDestination(ctx context.Context, scope *storage.Scope, rec *storage.DeadLetterRecord) (storage.IntegrationKind, json.RawMessage) {
	if rec.RouteID != "" {
		route, err := d.routes.GetRoute(ctx, scope, rec.RouteID)
		if err == nil && route.DestinationType == storage.DestWebhook {
			return storage.IntegrationWebhook, route.DestinationConfig
		}
	}
	if rec.IntegrationID != "" {
		in, err := d.integrations.GetIntegration(ctx, scope, rec.IntegrationID)
		if err == nil {
			return in.Kind, in.Config
		}
	}
	return rec.DestinationType, rec.DestinationConfig
}
