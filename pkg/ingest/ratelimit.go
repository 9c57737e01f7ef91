// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ingest

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/DataDog/iot-platform/pkg/config"
)

// rateWindow is a ring of the device's last quota accept times. oldest
// indexes the entry that leaves the window next.
type rateWindow struct {
	accepts []time.Time
	oldest  int
}

// RateLimiter enforces the per-device message quota: at most Q messages in
// any sliding W-second span, decided against the ring of the device's last
// Q accept times. Checks are O(1); state is O(Q) per device.
//
// The limiter is not safe for concurrent use. Each pipeline worker owns one;
// devices are pinned to a worker by deviceID hash, so a device's counters
// are only ever touched from a single goroutine.
type RateLimiter struct {
	clock   clock.Clock
	window  time.Duration
	quota   int
	devices map[string]*rateWindow
}

// NewRateLimiter reads rate_limit_window_secs and rate_limit_quota.
func NewRateLimiter(cfg config.Config, clk clock.Clock) *RateLimiter {
	window := cfg.GetDuration("rate_limit_window_secs") * time.Second
	if window <= 0 {
		window = time.Second
	}
	quota := cfg.GetInt("rate_limit_quota")
	if quota <= 0 {
		quota = 10
	}
	return &RateLimiter{
		clock:   clk,
		window:  window,
		quota:   quota,
		devices: make(map[string]*rateWindow),
	}
}

// Allow consumes one slot for the device and reports whether the message is
// within quota: accepted iff fewer than quota messages were accepted in the
// last window. Each accept evicts the oldest remembered one, so the window
// slides with the traffic instead of resetting on a boundary.
func (r *RateLimiter) Allow(tenantID, deviceID string) bool {
	key := tenantID + "/" + deviceID
	now := r.clock.Now()

	w, ok := r.devices[key]
	if !ok {
		w = &rateWindow{accepts: make([]time.Time, 0, r.quota)}
		r.devices[key] = w
	}

	if len(w.accepts) < r.quota {
		w.accepts = append(w.accepts, now)
		return true
	}
	if now.Sub(w.accepts[w.oldest]) < r.window {
		return false
	}
	w.accepts[w.oldest] = now
	w.oldest = (w.oldest + 1) % r.quota
	return true
}

// Forget drops the device's counters, freeing memory for decommissioned
// devices. Safe to call for unknown keys.
func (r *RateLimiter) Forget(tenantID, deviceID string) {
	delete(r.devices, tenantID+"/"+deviceID)
}

// Len returns the number of tracked devices.
func (r *RateLimiter) Len() int {
	return len(r.devices)
}
