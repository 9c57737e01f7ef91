// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Mock()

	assert.Equal(t, 8192, c.GetInt("payload_max_bytes"))
	assert.Equal(t, 1024*1024, c.GetInt("batch_max_bytes"))
	assert.Equal(t, 500, c.GetInt("batch_max_millis"))
	assert.Equal(t, 10, c.GetInt("rate_limit_quota"))
	assert.Equal(t, 1, c.GetInt("rate_limit_window_secs"))
	assert.Equal(t, 15, c.GetInt("eval_interval_secs"))
	assert.Equal(t, 5, c.GetInt("delivery_max_attempts"))
	assert.Equal(t, 60, c.GetInt("auth_cache_ttl_secs"))
	assert.Equal(t, 120, c.GetInt("stale_threshold_secs"))
	assert.Equal(t, 600, c.GetInt("offline_threshold_secs"))
	assert.Equal(t, "0 3 * * *", c.GetString("dlq_purge_schedule"))
}

func TestEnvOverride(t *testing.T) {
	os.Setenv("IOT_TEST_RATE_LIMIT_QUOTA", "25")
	defer os.Unsetenv("IOT_TEST_RATE_LIMIT_QUOTA")

	c := Mock()
	assert.Equal(t, 25, c.GetInt("rate_limit_quota"))
}

func TestNestedEnvOverride(t *testing.T) {
	os.Setenv("IOT_TEST_DATABASE_PORT", "6543")
	defer os.Unsetenv("IOT_TEST_DATABASE_PORT")

	c := Mock()
	assert.Equal(t, 6543, c.GetInt("database.port"))
}

func TestResolveIngestWorkers(t *testing.T) {
	c := Mock()

	// default 0 resolves to max(4, cores)
	n := ResolveIngestWorkers(c)
	require.GreaterOrEqual(t, n, 4)

	c.Set("ingest_workers", 7)
	assert.Equal(t, 7, ResolveIngestWorkers(c))
}

func TestGetDuration(t *testing.T) {
	c := Mock()
	c.Set("some_timeout", "3s")
	assert.Equal(t, 3*time.Second, c.GetDuration("some_timeout"))
}
