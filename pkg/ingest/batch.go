// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/timeseries"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// defaultFlushTimeout bounds one store write attempt.
const defaultFlushTimeout = 5 * time.Second

// batch is one flush unit: accepted points grouped by tenant, because the
// time-series store keys every write by tenant.
type batch struct {
	points map[string][]message.Point
	bytes  int
	oldest time.Time
}

func newBatch() *batch {
	return &batch{points: make(map[string][]message.Point)}
}

func (b *batch) add(tenantID string, pts []message.Point) {
	b.points[tenantID] = append(b.points[tenantID], pts...)
	for _, p := range pts {
		b.bytes += p.Size()
	}
}

func (b *batch) empty() bool { return b.bytes == 0 }

// BatchWriter accumulates accepted telemetry points and flushes them to the
// time-series store when the buffer exceeds the size bound or the oldest
// point exceeds the age bound. Exactly one flush is in flight at a time; a
// fresh batch accumulates concurrently. When the flight and the handoff
// slot are both occupied, Add blocks, pushing backpressure into the worker
// queues.
type BatchWriter struct {
	store      timeseries.Store
	quarantine *Quarantine
	clock      clock.Clock

	maxBytes   int
	maxAge     time.Duration
	retries    int
	retryDelay time.Duration

	mu  sync.Mutex
	cur *batch

	pending  chan *batch
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewBatchWriter reads batch_max_bytes, batch_max_millis and
// batch_write_retries.
func NewBatchWriter(cfg config.Config, store timeseries.Store, quarantine *Quarantine, clk clock.Clock) *BatchWriter {
	maxBytes := cfg.GetInt("batch_max_bytes")
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	maxAge := time.Duration(cfg.GetInt("batch_max_millis")) * time.Millisecond
	if maxAge <= 0 {
		maxAge = 500 * time.Millisecond
	}
	retries := cfg.GetInt("batch_write_retries")
	if retries <= 0 {
		retries = 3
	}

	return &BatchWriter{
		store:      store,
		quarantine: quarantine,
		clock:      clk,
		maxBytes:   maxBytes,
		maxAge:     maxAge,
		retries:    retries,
		retryDelay: 250 * time.Millisecond,
		cur:        newBatch(),
		pending:    make(chan *batch, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the flush loop.
func (w *BatchWriter) Start() {
	go w.run()
}

// Stop force-flushes whatever is buffered and waits for the loop to exit,
// bounded by ctx. Safe to call more than once.
func (w *BatchWriter) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add buffers points for the tenant. Crossing the size bound hands the
// batch to the flush loop; the handoff blocks while a previous batch is
// still waiting for the in-flight one.
func (w *BatchWriter) Add(tenantID string, pts []message.Point) {
	if len(pts) == 0 {
		return
	}

	w.mu.Lock()
	if w.cur.empty() {
		w.cur.oldest = w.clock.Now()
	}
	w.cur.add(tenantID, pts)
	if w.cur.bytes < w.maxBytes {
		w.mu.Unlock()
		return
	}
	full := w.cur
	w.cur = newBatch()
	w.mu.Unlock()

	w.pending <- full
}

// takeIfStale swaps the buffer out when its oldest point crossed the age
// bound.
func (w *BatchWriter) takeIfStale() *batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur.empty() || w.clock.Since(w.cur.oldest) < w.maxAge {
		return nil
	}
	stale := w.cur
	w.cur = newBatch()
	return stale
}

// take unconditionally swaps the buffer out, for the final drain.
func (w *BatchWriter) take() *batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur.empty() {
		return nil
	}
	last := w.cur
	w.cur = newBatch()
	return last
}

func (w *BatchWriter) run() {
	defer close(w.done)

	tick := w.maxAge / 2
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := w.clock.Ticker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.drainAll()
			return
		case full := <-w.pending:
			w.flush(full)
		case <-ticker.C:
			if stale := w.takeIfStale(); stale != nil {
				w.flush(stale)
			}
		}
	}
}

// drainAll flushes the queued batch, if any, then the live buffer.
func (w *BatchWriter) drainAll() {
	for {
		select {
		case full := <-w.pending:
			w.flush(full)
		default:
			if last := w.take(); last != nil {
				w.flush(last)
			}
			return
		}
	}
}

// flush writes each tenant slice, retrying a failed slice up to the
// configured count before quarantining it whole.
func (w *BatchWriter) flush(b *batch) {
	for tenantID, pts := range b.points {
		w.writeTenant(tenantID, pts)
	}
	health.CountBatchFlushed()
}

func (w *BatchWriter) writeTenant(tenantID string, pts []message.Point) {
	var lastErr error
	for attempt := 1; attempt <= w.retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), defaultFlushTimeout)
		result, err := w.store.WritePoints(ctx, tenantID, pts)
		cancel()
		if err == nil {
			health.CountPointsWritten(result.Written)
			for _, rej := range result.Rejected {
				log.Warnf("store rejected point %s/%s %s: %s", tenantID, rej.Point.DeviceID, rej.Point.Metric, rej.Reason)
				w.quarantinePoint(rej.Point)
			}
			return
		}
		lastErr = err
		log.Warnf("telemetry batch write for tenant %s failed (attempt %d/%d): %v", tenantID, attempt, w.retries, err)
		if attempt < w.retries && w.retryDelay > 0 {
			w.clock.Sleep(w.retryDelay * time.Duration(attempt))
		}
	}

	log.Errorf("telemetry batch for tenant %s dropped to quarantine after %d attempts: %v", tenantID, w.retries, lastErr)
	for _, p := range pts {
		w.quarantinePoint(p)
	}
}

func (w *BatchWriter) quarantinePoint(p message.Point) {
	payload, err := jsonCodec.Marshal(map[string]interface{}{
		"siteId": p.SiteID,
		"metric": p.Metric,
		"value":  p.Value,
		"ts":     p.TS.UTC().Format(time.RFC3339Nano),
		"seq":    p.Seq,
	})
	if err != nil {
		payload = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultFlushTimeout)
	defer cancel()
	w.quarantine.Capture(ctx, p.TenantID, p.DeviceID, "", message.ReasonStoreWriteFailed, payload)
}
