// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package devicestate keeps the latest observed snapshot per device:
// accepted traffic marks devices ONLINE, a periodic sweep demotes silent
// ones to STALE and then OFFLINE, and registry revocations pin them to
// REVOKED.
package devicestate

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// markTimeout bounds one device-state write.
const markTimeout = 5 * time.Second

// Tracker is the pipeline's liveness sink and the owner of the sweep loop.
type Tracker struct {
	scopes storage.ScopeFactory
	store  storage.DeviceStateStore
	clock  clock.Clock

	staleAfter   time.Duration
	offlineAfter time.Duration
	sweepEvery   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTracker reads stale_threshold_secs, offline_threshold_secs and
// device_state_sweep_secs.
func NewTracker(cfg config.Config, scopes storage.ScopeFactory, store storage.DeviceStateStore, clk clock.Clock) *Tracker {
	secs := func(key string, fallback time.Duration) time.Duration {
		if v := cfg.GetInt(key); v > 0 {
			return time.Duration(v) * time.Second
		}
		return fallback
	}
	return &Tracker{
		scopes:       scopes,
		store:        store,
		clock:        clk,
		staleAfter:   secs("stale_threshold_secs", 120*time.Second),
		offlineAfter: secs("offline_threshold_secs", 600*time.Second),
		sweepEvery:   secs("device_state_sweep_secs", 30*time.Second),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ObserveTelemetry marks the device ONLINE and merges its latest metric
// values. Pipeline tap; failures are logged, never propagated.
func (t *Tracker) ObserveTelemetry(ctx context.Context, env *message.Envelope) {
	metrics := make(map[string]float64, len(env.Metrics))
	for name, value := range env.Metrics {
		metrics[name] = value.NumericValue()
	}
	t.withSystemScope(ctx, "mark telemetry", func(ctx context.Context, scope *storage.Scope) error {
		return t.store.MarkTelemetry(ctx, scope, env.TenantID, env.DeviceID, env.ReceivedAt, metrics)
	})
}

// ObserveHeartbeat refreshes the device's heartbeat timestamp.
func (t *Tracker) ObserveHeartbeat(ctx context.Context, env *message.Envelope) {
	t.withSystemScope(ctx, "mark heartbeat", func(ctx context.Context, scope *storage.Scope) error {
		return t.store.MarkHeartbeat(ctx, scope, env.TenantID, env.DeviceID, env.ReceivedAt)
	})
}

// MarkRevoked pins the device to REVOKED. Called by the control plane on
// registry revocation, alongside the auth cache invalidation.
func (t *Tracker) MarkRevoked(ctx context.Context, tenantID, deviceID string) error {
	scope, err := t.scopes.System(ctx)
	if err != nil {
		return err
	}
	defer scope.Close(ctx)
	return t.store.SetDeviceLiveness(ctx, scope, tenantID, deviceID, storage.DeviceRevoked)
}

func (t *Tracker) withSystemScope(ctx context.Context, op string, fn func(context.Context, *storage.Scope) error) {
	ctx, cancel := context.WithTimeout(ctx, markTimeout)
	defer cancel()

	scope, err := t.scopes.System(ctx)
	if err != nil {
		log.Warnf("device state %s: system scope: %v", op, err)
		return
	}
	defer scope.Close(ctx)

	if err := fn(ctx, scope); err != nil {
		log.Warnf("device state %s failed: %v", op, err)
	}
}

// Start launches the sweep loop.
func (t *Tracker) Start() {
	go t.run()
}

// Stop halts the sweep loop and waits for it, bounded by ctx.
func (t *Tracker) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) run() {
	defer close(t.done)

	ticker := t.clock.Ticker(t.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Sweep(context.Background())
		}
	}
}

// Sweep demotes devices that have been silent past the thresholds. Returns
// the number of rows it touched.
func (t *Tracker) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, markTimeout)
	defer cancel()

	scope, err := t.scopes.System(ctx)
	if err != nil {
		log.Warnf("device state sweep: system scope: %v", err)
		return 0
	}
	defer scope.Close(ctx)

	n, err := t.store.SweepDeviceStates(ctx, scope, t.clock.Now().UTC(), t.staleAfter, t.offlineAfter)
	if err != nil {
		log.Warnf("device state sweep failed: %v", err)
		return 0
	}
	if n > 0 {
		log.Debugf("device state sweep demoted %d devices", n)
	}
	return n
}
