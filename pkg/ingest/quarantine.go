// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ingest

import (
	"context"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// quarantinePayloadCap bounds the captured payload. Oversized envelopes are
// still evidence; only their tail is dropped.
const quarantinePayloadCap = 8 * 1024

// Quarantine is the append-only reject sink shared by the pipeline workers
// and the batch writer.
type Quarantine struct {
	store storage.QuarantineStore
	clock clock.Clock
}

// NewQuarantine wraps the store.
func NewQuarantine(store storage.QuarantineStore, clk clock.Clock) *Quarantine {
	return &Quarantine{store: store, clock: clk}
}

// Capture appends one reject with its reason code. The payload is truncated
// to 8 KiB. A sink failure is logged and swallowed: quarantine is forensic,
// it must never stall the pipeline.
func (q *Quarantine) Capture(ctx context.Context, tenantID, deviceID, topic string, reason message.RejectReason, raw []byte) {
	health.CountRejected(string(reason))

	payload := raw
	if len(payload) > quarantinePayloadCap {
		payload = payload[:quarantinePayloadCap]
	}
	// The store keeps the row beyond the caller's buffer lifetime.
	captured := make([]byte, len(payload))
	copy(captured, payload)

	rec := &storage.QuarantineRecord{
		TenantID:   tenantID,
		DeviceID:   deviceID,
		Topic:      topic,
		Reason:     string(reason),
		Payload:    captured,
		CapturedAt: q.clock.Now().UTC(),
	}
	if err := q.store.AppendQuarantine(ctx, rec); err != nil {
		log.Errorf("quarantine append failed for %s/%s (%s): %v", tenantID, deviceID, reason, err)
		return
	}
	health.CountQuarantined()
}
