// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndPing(t *testing.T) {
	defer reset()

	token := Register("ingest-pipeline")
	require.NoError(t, Ping(token))

	status := GetStatus()
	assert.Contains(t, status.Healthy, "ingest-pipeline")
	assert.True(t, status.IsHealthy())
}

func TestUnhealthyByDefault(t *testing.T) {
	defer reset()

	Register("delivery-workers")

	status := GetStatus()
	assert.Contains(t, status.Unhealthy, "delivery-workers")
	assert.False(t, status.IsHealthy())
}

func TestTimeoutExpires(t *testing.T) {
	defer reset()

	token := RegisterWithCustomTimeout("rule-engine", 30*time.Second)
	require.NoError(t, registerPing(token, time.Now().Add(-time.Minute)))

	status := GetStatus()
	assert.Contains(t, status.Unhealthy, "rule-engine")
}

func TestDuplicateNames(t *testing.T) {
	defer reset()

	first := Register("worker")
	second := Register("worker")
	assert.NotEqual(t, first, second)

	require.NoError(t, Ping(first))
	require.NoError(t, Ping(second))
}

func TestDeregister(t *testing.T) {
	defer reset()

	token := Register("batch-writer")
	require.NoError(t, Deregister(token))
	assert.Error(t, Ping(token))
	assert.Error(t, Deregister(token))
}

func TestCountersSnapshot(t *testing.T) {
	CountReceived()
	CountReceived()
	CountAccepted()
	CountRejected("RATE_LIMITED")
	CountAuthFailure("TOKEN_INVALID")

	snapshot := Counters()
	assert.GreaterOrEqual(t, snapshot["Ingest.Received"], int64(2))
	assert.GreaterOrEqual(t, snapshot["Ingest.Accepted"], int64(1))
	assert.GreaterOrEqual(t, snapshot["Ingest.Rejected.RATE_LIMITED"], int64(1))
	assert.GreaterOrEqual(t, snapshot["Auth.Failures.TOKEN_INVALID"], int64(1))
}
