// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package timeseries

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/iot-platform/pkg/message"
)

// MemoryStore is the in-process Store used by unit tests and local runs.
// It mirrors the Postgres ordering semantics: newest first for QueryLatest
// with ties broken by the lexicographically higher device id.
type MemoryStore struct {
	mu sync.RWMutex
	// tenant -> flat point log
	points map[string][]message.Point
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{points: make(map[string][]message.Point)}
}

// WritePoints appends the valid points of the batch.
func (s *MemoryStore) WritePoints(_ context.Context, tenantID string, points []message.Point) (*WriteResult, error) {
	result := &WriteResult{}
	accepted := make([]message.Point, 0, len(points))
	for _, p := range points {
		if reason, ok := validatePoint(tenantID, p); !ok {
			result.Rejected = append(result.Rejected, RejectedPoint{Point: p, Reason: reason})
			continue
		}
		accepted = append(accepted, p)
	}

	s.mu.Lock()
	s.points[tenantID] = append(s.points[tenantID], accepted...)
	s.mu.Unlock()

	result.Written = len(accepted)
	return result, nil
}

// QueryLatest returns the count most recent points per (device, metric),
// newest first.
func (s *MemoryStore) QueryLatest(_ context.Context, tenantID, deviceID string, metricNames []string, count int) ([]message.Point, error) {
	if count <= 0 {
		count = 1
	}

	s.mu.RLock()
	matched := s.filter(tenantID, deviceID, metricNames, time.Time{}, time.Time{})
	s.mu.RUnlock()

	// newest first, higher device id wins ties
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].TS.Equal(matched[j].TS) {
			return matched[i].TS.After(matched[j].TS)
		}
		return matched[i].DeviceID > matched[j].DeviceID
	})

	type series struct{ device, metric string }
	taken := make(map[series]int)
	out := make([]message.Point, 0, count)
	for _, p := range matched {
		k := series{p.DeviceID, p.Metric}
		if taken[k] >= count {
			continue
		}
		taken[k]++
		out = append(out, p)
	}
	return out, nil
}

// QueryRange returns points within the inclusive bounds, ascending.
func (s *MemoryStore) QueryRange(_ context.Context, tenantID, deviceID string, metricNames []string, start, end time.Time, limit int) ([]message.Point, error) {
	s.mu.RLock()
	matched := s.filter(tenantID, deviceID, metricNames, start, end)
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].TS.Equal(matched[j].TS) {
			return matched[i].TS.Before(matched[j].TS)
		}
		return matched[i].Metric < matched[j].Metric
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CountSince counts a device's points for one metric since the instant.
func (s *MemoryStore) CountSince(_ context.Context, tenantID, deviceID, metricName string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, p := range s.points[tenantID] {
		if p.DeviceID == deviceID && p.Metric == metricName && !p.TS.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) filter(tenantID, deviceID string, metricNames []string, start, end time.Time) []message.Point {
	var nameSet map[string]struct{}
	if len(metricNames) > 0 {
		nameSet = make(map[string]struct{}, len(metricNames))
		for _, n := range metricNames {
			nameSet[n] = struct{}{}
		}
	}

	var out []message.Point
	for _, p := range s.points[tenantID] {
		if deviceID != "" && p.DeviceID != deviceID {
			continue
		}
		if nameSet != nil {
			if _, ok := nameSet[p.Metric]; !ok {
				continue
			}
		}
		if !start.IsZero() && p.TS.Before(start) {
			continue
		}
		if !end.IsZero() && p.TS.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out
}
