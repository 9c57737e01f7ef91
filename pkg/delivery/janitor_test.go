// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/storage"
)

func seedAgedDeadLetter(t *testing.T, mem *storage.Memory, age time.Duration, now time.Time) {
	t.Helper()
	ctx := context.Background()
	scope, err := mem.System(ctx)
	require.NoError(t, err)
	defer scope.Close(ctx)
	require.NoError(t, mem.AppendDeadLetter(ctx, scope, &storage.DeadLetterRecord{
		TenantID:  "T1",
		Payload:   []byte(`{}`),
		Status:    storage.DLQFailed,
		CreatedAt: now.Add(-age),
	}))
}

func TestJanitorPurgeNow(t *testing.T) {
	cfg := config.Mock()
	cfg.Set("dlq_retention_days", 30)
	cfg.Set("quarantine_retention_days", 7)

	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	now := mock.Now().UTC()
	mem := storage.NewMemoryWithClock(mock)
	j := NewJanitor(cfg, mem, mem, mem, mock)

	seedAgedDeadLetter(t, mem, 31*24*time.Hour, now) // past retention
	seedAgedDeadLetter(t, mem, 29*24*time.Hour, now) // kept

	require.NoError(t, mem.AppendQuarantine(context.Background(), &storage.QuarantineRecord{
		TenantID: "T1", DeviceID: "D1", Reason: "SCHEMA_INVALID",
		Payload: []byte(`{`), CapturedAt: now.Add(-8 * 24 * time.Hour),
	}))
	require.NoError(t, mem.AppendQuarantine(context.Background(), &storage.QuarantineRecord{
		TenantID: "T1", DeviceID: "D1", Reason: "SCHEMA_INVALID",
		Payload: []byte(`{`), CapturedAt: now.Add(-6 * 24 * time.Hour),
	}))

	dlqN, quarantineN, err := j.PurgeNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqN)
	assert.Equal(t, int64(1), quarantineN)

	// A second pass finds nothing left to remove.
	dlqN, quarantineN, err = j.PurgeNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, dlqN)
	assert.Zero(t, quarantineN)
}

func TestJanitorDefaultsRetention(t *testing.T) {
	cfg := config.Mock()
	cfg.Set("dlq_retention_days", 0)

	mem := storage.NewMemory()
	j := NewJanitor(cfg, mem, mem, mem, clock.NewMock())
	assert.Equal(t, 30*24*time.Hour, j.dlqRetention)
}

func TestJanitorStartRejectsBadSchedule(t *testing.T) {
	cfg := config.Mock()
	cfg.Set("dlq_purge_schedule", "once in a blue moon")

	mem := storage.NewMemory()
	j := NewJanitor(cfg, mem, mem, mem, clock.NewMock())
	err := j.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlq_purge_schedule")
}

func TestJanitorStartStop(t *testing.T) {
	mem := storage.NewMemory()
	j := NewJanitor(config.Mock(), mem, mem, mem, clock.NewMock())
	require.NoError(t, j.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, j.Stop(ctx))
}
