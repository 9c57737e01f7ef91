// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// maxReplayBatch caps one batch replay request.
const maxReplayBatch = 100

// ListDeadLetters returns dead letters newest first. Operators see all
// tenants unless the filter names one.
func (s *Service) ListDeadLetters(ctx context.Context, p *Principal, filter storage.DeadLetterFilter) ([]storage.DeadLetterRecord, error) {
	if err := need(p, PermDeadLettersRead); err != nil {
		return nil, err
	}
	tenant, err := s.effectiveTenant(p, filter.TenantID)
	if err != nil {
		return nil, err
	}
	filter.TenantID = tenant

	scope, err := s.scopeFor(ctx, p, "list_dead_letters", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	recs, err := s.deps.DeadLetters.ListDeadLetters(ctx, scope, filter)
	finish(scope, err)
	return recs, err
}

// GetDeadLetter reads one dead letter with its full payload.
func (s *Service) GetDeadLetter(ctx context.Context, p *Principal, dlqID string) (*storage.DeadLetterRecord, error) {
	if err := need(p, PermDeadLettersRead); err != nil {
		return nil, err
	}
	if dlqID == "" {
		return nil, errors.Wrap(ErrInvalid, "dead letter id is required")
	}

	scope, err := s.scopeFor(ctx, p, "get_dead_letter", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	rec, err := s.deps.DeadLetters.GetDeadLetter(ctx, scope, dlqID)
	finish(scope, err)
	return rec, err
}

// ReplayDeadLetter re-enqueues one FAILED dead letter as a fresh delivery
// job against the destination's current configuration.
func (s *Service) ReplayDeadLetter(ctx context.Context, p *Principal, dlqID string) (*storage.DeliveryJob, error) {
	if err := need(p, PermDeadLettersWrite); err != nil {
		return nil, err
	}
	if dlqID == "" {
		return nil, errors.Wrap(ErrInvalid, "dead letter id is required")
	}

	scope, err := s.scopeFor(ctx, p, "replay_dead_letter", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	job, err := s.deps.Replayer.Replay(ctx, scope, dlqID)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	log.Infof("controlplane: dead letter %s replayed as job %s by %s", dlqID, job.JobID, p.Subject)
	return job, nil
}

// ReplayOutcome reports one entry of a batch replay.
type ReplayOutcome struct {
	DLQID string
	JobID string
	Error string
}

// ReplayDeadLetters replays a batch. Entries fail independently; the
// outcome list preserves request order.
func (s *Service) ReplayDeadLetters(ctx context.Context, p *Principal, dlqIDs []string) ([]ReplayOutcome, error) {
	if err := need(p, PermDeadLettersWrite); err != nil {
		return nil, err
	}
	if len(dlqIDs) == 0 {
		return nil, errors.Wrap(ErrInvalid, "no dead letter ids given")
	}
	if len(dlqIDs) > maxReplayBatch {
		return nil, errors.Wrapf(ErrInvalid, "batch of %d exceeds the %d replay cap", len(dlqIDs), maxReplayBatch)
	}

	scope, err := s.scopeFor(ctx, p, "replay_dead_letters", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	out := make([]ReplayOutcome, 0, len(dlqIDs))
	var replayed int
	for _, id := range dlqIDs {
		outcome := ReplayOutcome{DLQID: id}
		job, err := s.deps.Replayer.Replay(ctx, scope, id)
		if err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.JobID = job.JobID
			replayed++
		}
		out = append(out, outcome)
	}
	finish(scope, nil)
	log.Infof("controlplane: %d/%d dead letters replayed by %s", replayed, len(dlqIDs), p.Subject)
	return out, nil
}

// DiscardDeadLetter retires a FAILED dead letter without redelivering it.
func (s *Service) DiscardDeadLetter(ctx context.Context, p *Principal, dlqID string) error {
	if err := need(p, PermDeadLettersWrite); err != nil {
		return err
	}
	if dlqID == "" {
		return errors.Wrap(ErrInvalid, "dead letter id is required")
	}

	scope, err := s.scopeFor(ctx, p, "discard_dead_letter", "")
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	err = s.deps.DeadLetters.DiscardDeadLetter(ctx, scope, dlqID)
	finish(scope, err)
	if err == nil {
		log.Infof("controlplane: dead letter %s discarded by %s", dlqID, p.Subject)
	}
	return err
}

// PurgeDeadLetters deletes the caller's dead letters older than the given
// number of days and returns how many went.
func (s *Service) PurgeDeadLetters(ctx context.Context, p *Principal, olderThanDays int) (int64, error) {
	if err := need(p, PermDeadLettersWrite); err != nil {
		return 0, err
	}
	if olderThanDays < 1 {
		return 0, errors.Wrap(ErrInvalid, "olderThanDays must be at least 1")
	}

	scope, err := s.scopeFor(ctx, p, "purge_dead_letters", "")
	if err != nil {
		return 0, err
	}
	defer scope.Close(ctx)

	cutoff := s.clock.Now().UTC().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := s.deps.DeadLetters.PurgeDeadLetters(ctx, scope, cutoff)
	finish(scope, err)
	if err == nil {
		log.Infof("controlplane: %d dead letters older than %dd purged by %s", n, olderThanDays, p.Subject)
	}
	return n, err
}

// RetryJob makes a PENDING or FAILED delivery job due immediately. A
// DELIVERED job reports false; an IN_FLIGHT one is ErrBadState.
func (s *Service) RetryJob(ctx context.Context, p *Principal, jobID string) (bool, error) {
	if err := need(p, PermDeadLettersWrite); err != nil {
		return false, err
	}
	if jobID == "" {
		return false, errors.Wrap(ErrInvalid, "job id is required")
	}

	scope, err := s.scopeFor(ctx, p, "retry_job", "")
	if err != nil {
		return false, err
	}
	defer scope.Close(ctx)

	ok, err := s.deps.Jobs.Requeue(ctx, scope, jobID, s.clock.Now().UTC())
	finish(scope, err)
	if err == nil && ok {
		log.Infof("controlplane: job %s requeued by %s", jobID, p.Subject)
	}
	return ok, err
}

// ListQuarantine returns recently quarantined envelopes, newest first.
func (s *Service) ListQuarantine(ctx context.Context, p *Principal, limit int) ([]storage.QuarantineRecord, error) {
	if err := need(p, PermDeadLettersRead); err != nil {
		return nil, err
	}

	scope, err := s.scopeFor(ctx, p, "list_quarantine", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	recs, err := s.deps.Quarantine.ListQuarantine(ctx, scope, limit)
	finish(scope, err)
	return recs, err
}
