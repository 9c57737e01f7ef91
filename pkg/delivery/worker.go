// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/backoff"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// defaultAttemptTimeout caps one delivery attempt end to end, on top of
// each sender's own protocol timeouts.
const defaultAttemptTimeout = 30 * time.Second

// Pool runs the delivery workers and the claim reaper. Each worker claims
// due jobs through the store's atomic PENDING to IN_FLIGHT transition, so
// one job is attempted by exactly one worker at a time.
type Pool struct {
	scopes  storage.ScopeFactory
	jobs    storage.JobStore
	dlq     storage.DeadLetterStore
	senders map[storage.IntegrationKind]Sender
	clock   clock.Clock
	backoff backoff.Policy

	workers        int
	maxAttempts    int
	claimTTL       time.Duration
	pollInterval   time.Duration
	reapInterval   time.Duration
	attemptTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool reads delivery_workers, delivery_max_attempts, the
// delivery_backoff_* knobs, delivery_claim_ttl_secs,
// delivery_poll_interval_millis and delivery_reap_interval_secs.
func NewPool(cfg config.Config, scopes storage.ScopeFactory, jobs storage.JobStore, dlq storage.DeadLetterStore, senders map[storage.IntegrationKind]Sender, clk clock.Clock) *Pool {
	workers := cfg.GetInt("delivery_workers")
	if workers <= 0 {
		workers = 4
	}
	maxAttempts := cfg.GetInt("delivery_max_attempts")
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	claimTTL := cfg.GetDuration("delivery_claim_ttl_secs") * time.Second
	if claimTTL <= 0 {
		claimTTL = time.Minute
	}
	pollInterval := cfg.GetDuration("delivery_poll_interval_millis") * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	reapInterval := cfg.GetDuration("delivery_reap_interval_secs") * time.Second
	if reapInterval <= 0 {
		reapInterval = 15 * time.Second
	}

	policy := backoff.NewExpBackoffPolicy(
		cfg.GetFloat64("delivery_backoff_base_secs"),
		cfg.GetFloat64("delivery_backoff_cap_secs"),
		cfg.GetFloat64("delivery_backoff_jitter"),
		1, false)

	return &Pool{
		scopes:         scopes,
		jobs:           jobs,
		dlq:            dlq,
		senders:        senders,
		clock:          clk,
		backoff:        policy,
		workers:        workers,
		maxAttempts:    maxAttempts,
		claimTTL:       claimTTL,
		pollInterval:   pollInterval,
		reapInterval:   reapInterval,
		attemptTimeout: defaultAttemptTimeout,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the workers and the reaper.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	p.wg.Add(1)
	go p.runReaper()
	log.Infof("delivery pool started with %d workers", p.workers)
}

// Stop halts the loops; in-flight attempts finish, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "delivery pool drain")
	}
}

func (p *Pool) runWorker() {
	defer p.wg.Done()

	ticker := p.clock.Ticker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drainDue(context.Background())
		}
	}
}

// drainDue claims and attempts jobs until nothing is due.
func (p *Pool) drainDue(ctx context.Context) {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job := p.claimNext(ctx)
		if job == nil {
			return
		}
		p.attempt(ctx, job)
	}
}

func (p *Pool) claimNext(ctx context.Context) *storage.DeliveryJob {
	scope, err := p.scopes.System(ctx)
	if err != nil {
		log.Errorf("delivery: opening system scope: %v", err)
		return nil
	}
	defer scope.Close(ctx)

	job, err := p.jobs.Claim(ctx, scope, p.clock.Now().UTC(), p.claimTTL)
	if err != nil {
		log.Errorf("delivery: claiming job: %v", err)
		return nil
	}
	return job
}

func (p *Pool) attempt(ctx context.Context, job *storage.DeliveryJob) {
	scope, err := p.scopes.System(ctx)
	if err != nil {
		log.Errorf("delivery: opening system scope: %v", err)
		return
	}
	defer scope.Close(ctx)

	sender, ok := p.senders[job.Kind]
	if !ok {
		p.fail(ctx, scope, job, errors.Errorf("no sender for kind %q", job.Kind).Error())
		return
	}

	var ev message.Event
	if err := jsonCodec.Unmarshal(job.Event, &ev); err != nil {
		p.fail(ctx, scope, job, errors.Wrap(err, "decoding job event").Error())
		return
	}

	req := &Request{
		TenantID: job.TenantID,
		Kind:     job.Kind,
		Config:   job.DestinationConfig,
		Event:    &ev,
		Body:     job.Event,
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	res := sender.Send(attemptCtx, req)
	cancel()

	if res.Success {
		if err := p.jobs.MarkDelivered(ctx, scope, job.JobID, job.ClaimToken); err != nil {
			log.Errorf("delivery: marking job %s delivered: %v", job.JobID, err)
			return
		}
		health.CountDeliverySucceeded()
		log.Debugf("delivered job %s (%s) on attempt %d", job.JobID, job.Kind, job.Attempts)
		return
	}

	health.CountDeliveryFailed()
	errMsg := "delivery failed"
	if res.Err != nil {
		errMsg = res.Err.Error()
	}

	if !res.Retryable || job.Attempts >= p.maxAttempts {
		p.fail(ctx, scope, job, errMsg)
		return
	}

	delay := p.backoff.GetBackoffDuration(job.Attempts)
	if res.RetryAfter > delay {
		delay = res.RetryAfter
	}
	next := p.clock.Now().UTC().Add(delay)
	if err := p.jobs.Reschedule(ctx, scope, job.JobID, job.ClaimToken, next, errMsg); err != nil {
		log.Errorf("delivery: rescheduling job %s: %v", job.JobID, err)
		return
	}
	log.Debugf("job %s attempt %d failed (%s), next try in %s", job.JobID, job.Attempts, errMsg, delay)
}

// fail moves the job to FAILED and appends the dead letter. A lost claim
// means another worker owns the job now; it must not dead-letter twice.
func (p *Pool) fail(ctx context.Context, scope *storage.Scope, job *storage.DeliveryJob, errMsg string) {
	if err := p.jobs.MarkFailed(ctx, scope, job.JobID, job.ClaimToken, errMsg); err != nil {
		log.Errorf("delivery: marking job %s failed: %v", job.JobID, err)
		return
	}

	rec := deadLetterFromJob(job, errMsg, p.clock.Now().UTC())
	if err := p.dlq.AppendDeadLetter(ctx, scope, rec); err != nil {
		log.Errorf("delivery: dead-lettering job %s: %v", job.JobID, err)
		return
	}
	health.CountDeadLettered()
	log.Warnf("job %s dead-lettered after %d attempts: %s", job.JobID, job.Attempts, errMsg)
}

// deadLetterFromJob snapshots the full delivery context for replay.
func deadLetterFromJob(job *storage.DeliveryJob, errMsg string, now time.Time) *storage.DeadLetterRecord {
	var ev message.Event
	topic := ""
	if err := jsonCodec.Unmarshal(job.Event, &ev); err == nil {
		topic = ev.Topic
	}
	return &storage.DeadLetterRecord{
		TenantID:          job.TenantID,
		RouteID:           job.RouteID,
		IntegrationID:     job.IntegrationID,
		OriginalTopic:     topic,
		Payload:           job.Event,
		DestinationType:   job.Kind,
		DestinationConfig: job.DestinationConfig,
		ErrorMessage:      errMsg,
		Attempts:          job.Attempts,
		Status:            storage.DLQFailed,
		CreatedAt:         now,
	}
}

func (p *Pool) runReaper() {
	defer p.wg.Done()

	ticker := p.clock.Ticker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce(context.Background())
		}
	}
}

// reapOnce returns expired IN_FLIGHT claims to PENDING, preserving their
// attempt counts.
func (p *Pool) reapOnce(ctx context.Context) {
	scope, err := p.scopes.System(ctx)
	if err != nil {
		log.Errorf("delivery: opening system scope: %v", err)
		return
	}
	defer scope.Close(ctx)

	n, err := p.jobs.ReapExpired(ctx, scope, p.clock.Now().UTC())
	if err != nil {
		log.Errorf("delivery: reaping expired claims: %v", err)
		return
	}
	if n > 0 {
		log.Infof("reaped %d expired delivery claims", n)
	}
}
