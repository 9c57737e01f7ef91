// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ingest

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/DataDog/iot-platform/pkg/config"
)

func newTestLimiter() (*RateLimiter, *clock.Mock) {
	mock := clock.NewMock()
	return NewRateLimiter(config.Mock(), mock), mock
}

func TestRateLimiterBurst(t *testing.T) {
	limiter, mock := newTestLimiter()

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow("T1", "D1"), "message %d should pass", i+1)
	}
	assert.False(t, limiter.Allow("T1", "D1"), "11th message must be rejected")

	mock.Add(time.Second)
	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow("T1", "D1"), "message %d of fresh window should pass", i+1)
	}
	assert.False(t, limiter.Allow("T1", "D1"))
}

func TestRateLimiterNotWallClockAligned(t *testing.T) {
	limiter, mock := newTestLimiter()

	// the window trails the traffic, not a wall-clock boundary
	mock.Add(300 * time.Millisecond)
	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow("T1", "D1"))
	}

	mock.Add(900 * time.Millisecond)
	assert.False(t, limiter.Allow("T1", "D1"), "oldest accept is only 900ms old")

	mock.Add(100 * time.Millisecond)
	assert.True(t, limiter.Allow("T1", "D1"), "oldest accept aged out")
}

func TestRateLimiterWindowSlides(t *testing.T) {
	limiter, mock := newTestLimiter()

	// one accept, then the rest of the quota near the end of the second
	assert.True(t, limiter.Allow("T1", "D1"))
	mock.Add(990 * time.Millisecond)
	for i := 0; i < 9; i++ {
		assert.True(t, limiter.Allow("T1", "D1"))
	}
	assert.False(t, limiter.Allow("T1", "D1"))

	// crossing the 1s mark frees only the slot taken at t=0; a window
	// that reset on the boundary would hand out a whole fresh quota here
	mock.Add(10 * time.Millisecond)
	assert.True(t, limiter.Allow("T1", "D1"))
	assert.False(t, limiter.Allow("T1", "D1"))

	// the nine taken at t=990ms age out together a second later
	mock.Add(980 * time.Millisecond)
	assert.False(t, limiter.Allow("T1", "D1"))
	mock.Add(10 * time.Millisecond)
	for i := 0; i < 9; i++ {
		assert.True(t, limiter.Allow("T1", "D1"))
	}
	assert.False(t, limiter.Allow("T1", "D1"), "slot taken at t=1s is still live")
}

func TestRateLimiterIsolatesDevices(t *testing.T) {
	limiter, _ := newTestLimiter()

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow("T1", "D1"))
	}
	assert.False(t, limiter.Allow("T1", "D1"))

	// another device and the same device under another tenant are untouched
	assert.True(t, limiter.Allow("T1", "D2"))
	assert.True(t, limiter.Allow("T2", "D1"))
}

func TestRateLimiterForget(t *testing.T) {
	limiter, _ := newTestLimiter()

	for i := 0; i < 11; i++ {
		limiter.Allow("T1", "D1")
	}
	assert.Equal(t, 1, limiter.Len())

	limiter.Forget("T1", "D1")
	assert.Equal(t, 0, limiter.Len())
	assert.True(t, limiter.Allow("T1", "D1"))
}

func TestRateLimiterConfig(t *testing.T) {
	cfg := config.Mock()
	cfg.Set("rate_limit_quota", 2)
	cfg.Set("rate_limit_window_secs", 5)
	mock := clock.NewMock()
	limiter := NewRateLimiter(cfg, mock)

	assert.True(t, limiter.Allow("T1", "D1"))
	assert.True(t, limiter.Allow("T1", "D1"))
	assert.False(t, limiter.Allow("T1", "D1"))

	mock.Add(4 * time.Second)
	assert.False(t, limiter.Allow("T1", "D1"))
	mock.Add(time.Second)
	assert.True(t, limiter.Allow("T1", "D1"))
}
