// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package ingest implements the telemetry acceptance path: per-device
// worker lanes, auth lookup, rate limiting, validation, quarantine of
// rejects and batched persistence of accepted points.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/twmb/murmur3"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/registry"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// ErrStopped is returned by Submit and Process once shutdown has begun.
var ErrStopped = errors.New("ingest pipeline is stopped")

// Inbound is one raw message entering the pipeline. TenantID and DeviceID
// come from the MQTT topic or the URL path; Secret is the provisioning
// token on the HTTP path and empty on the broker path, where the broker
// already authenticated the connection.
type Inbound struct {
	TenantID   string
	DeviceID   string
	Kind       message.Kind
	Topic      string
	Secret     string
	HasSecret  bool
	Raw        []byte
	ReceivedAt time.Time

	reply chan *message.RejectError
}

// Tap receives every accepted telemetry or shadow envelope, after the
// point batch is enqueued. The streaming bus and the route engine hang off
// this.
type Tap interface {
	HandleAccepted(ctx context.Context, env *message.Envelope)
}

// LivenessSink observes accepted traffic for device-state tracking.
type LivenessSink interface {
	ObserveTelemetry(ctx context.Context, env *message.Envelope)
	ObserveHeartbeat(ctx context.Context, env *message.Envelope)
}

// Pipeline fans inbound messages out to worker lanes pinned by deviceID
// hash, so each device is processed by exactly one goroutine and its
// rate-limit counters and sequence tracking stay single-threaded.
type Pipeline struct {
	auth       *registry.AuthCache
	writer     *BatchWriter
	quarantine *Quarantine
	liveness   LivenessSink
	taps       []Tap
	clock      clock.Clock

	maxBytes  int
	queueSize int
	workers   []*worker

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPipeline assembles the pipeline. liveness may be nil; taps run in
// registration order.
func NewPipeline(cfg config.Config, auth *registry.AuthCache, writer *BatchWriter, quarantine *Quarantine, liveness LivenessSink, clk clock.Clock, taps ...Tap) *Pipeline {
	maxBytes := cfg.GetInt("payload_max_bytes")
	if maxBytes <= 0 {
		maxBytes = message.MaxPayloadBytes
	}
	queueSize := cfg.GetInt("ingest_queue_size")
	if queueSize <= 0 {
		queueSize = 100
	}

	p := &Pipeline{
		auth:       auth,
		writer:     writer,
		quarantine: quarantine,
		liveness:   liveness,
		taps:       taps,
		clock:      clk,
		maxBytes:   maxBytes,
		queueSize:  queueSize,
		stopCh:     make(chan struct{}),
	}

	n := config.ResolveIngestWorkers(cfg)
	p.workers = make([]*worker, n)
	for i := range p.workers {
		p.workers[i] = &worker{
			pipeline: p,
			in:       make(chan *Inbound, queueSize),
			limiter:  NewRateLimiter(cfg, clk),
			lastSeq:  make(map[string]int64),
		}
	}
	return p
}

// Start launches the batch writer and the worker lanes.
func (p *Pipeline) Start() {
	p.writer.Start()
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
	log.Infof("ingest pipeline started with %d workers, queue size %d", len(p.workers), p.queueSize)
}

// Stop drains the worker lanes and force-flushes the batch writer, bounded
// by ctx. The caller stops the broker subscription first, so no new
// messages arrive while lanes drain.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	var drainErr error
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "worker drain")
	}

	if err := p.writer.Stop(ctx); err != nil {
		return errors.Wrap(err, "batch writer flush")
	}
	return drainErr
}

// laneFor pins a device to a worker lane.
func (p *Pipeline) laneFor(deviceID string) *worker {
	return p.workers[murmur3.StringSum32(deviceID)%uint32(len(p.workers))]
}

// Submit enqueues a message on its device lane without waiting for the
// verdict. The broker path uses this; rejects are quarantined inside the
// lane and the message is dropped. Blocks while the lane is full.
func (p *Pipeline) Submit(ctx context.Context, in *Inbound) error {
	return p.enqueue(ctx, in)
}

// Process enqueues a message and waits for the lane's verdict: nil means
// the message was accepted and handed to the batch writer. The HTTP ingest
// endpoint uses this to pick the response status.
func (p *Pipeline) Process(ctx context.Context, in *Inbound) (*message.RejectError, error) {
	in.reply = make(chan *message.RejectError, 1)
	if err := p.enqueue(ctx, in); err != nil {
		return nil, err
	}
	select {
	case rej := <-in.reply:
		return rej, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) enqueue(ctx context.Context, in *Inbound) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}

	health.CountReceived()
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = p.clock.Now().UTC()
	}

	lane := p.laneFor(in.DeviceID)
	select {
	case lane.in <- in:
		return nil
	case <-p.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker is one pipeline lane. Everything it owns (limiter, lastSeq) is
// touched only from its goroutine.
type worker struct {
	pipeline *Pipeline
	in       chan *Inbound
	limiter  *RateLimiter
	lastSeq  map[string]int64
}

func (w *worker) run() {
	defer w.pipeline.wg.Done()
	for {
		select {
		case in := <-w.in:
			w.handle(in)
		case <-w.pipeline.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case in := <-w.in:
					w.handle(in)
				default:
					return
				}
			}
		}
	}
}

func (w *worker) handle(in *Inbound) {
	ctx := context.Background()
	rej := w.process(ctx, in)
	if rej != nil {
		w.pipeline.quarantine.Capture(ctx, in.TenantID, in.DeviceID, in.Topic, rej.Reason, in.Raw)
	}
	if in.reply != nil {
		in.reply <- rej
	}
}

// process runs the acceptance stages in order: auth, rate limit,
// validation. On accept it fans out to the batch writer, the liveness
// tracker and the taps.
func (w *worker) process(ctx context.Context, in *Inbound) *message.RejectError {
	var rec *registry.Record
	var rej *message.RejectError
	if in.HasSecret {
		rec, rej = w.pipeline.auth.Authenticate(ctx, in.TenantID, in.DeviceID, in.Secret)
	} else {
		rec, rej = w.pipeline.auth.Lookup(ctx, in.TenantID, in.DeviceID)
	}
	if rej != nil {
		return rej
	}

	if !w.limiter.Allow(in.TenantID, in.DeviceID) {
		return message.Reject(message.ReasonRateLimited, "device exceeded the message quota")
	}

	env, rej := message.DecodeForDevice(in.Raw, w.pipeline.maxBytes, rec.SiteID)
	if rej != nil {
		return rej
	}
	env.TenantID = in.TenantID
	env.DeviceID = in.DeviceID
	env.Kind = in.Kind
	env.Topic = in.Topic
	env.ReceivedAt = in.ReceivedAt

	w.checkSeq(env)

	health.CountAccepted()

	switch env.Kind {
	case message.KindHeartbeat:
		if w.pipeline.liveness != nil {
			w.pipeline.liveness.ObserveHeartbeat(ctx, env)
		}
		return nil
	case message.KindShadow:
		if w.pipeline.liveness != nil {
			w.pipeline.liveness.ObserveHeartbeat(ctx, env)
		}
	default:
		w.pipeline.writer.Add(env.TenantID, env.ToPoints(env.ReceivedAt))
		if w.pipeline.liveness != nil {
			w.pipeline.liveness.ObserveTelemetry(ctx, env)
		}
	}

	for _, tap := range w.pipeline.taps {
		tap.HandleAccepted(ctx, env)
	}
	return nil
}

// checkSeq tracks the per-device sequence number. A regression is logged
// and counted but never rejected: devices reset their counters on reboot.
func (w *worker) checkSeq(env *message.Envelope) {
	key := env.TenantID + "/" + env.DeviceID
	if last, ok := w.lastSeq[key]; ok && env.Seq <= last {
		health.CountSeqRegression()
		log.Debugf("device %s seq regressed: %d after %d", key, env.Seq, last)
	}
	w.lastSeq[key] = env.Seq
}
