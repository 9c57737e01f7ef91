// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const jobColumns = `job_id, tenant_id, alert_id, message_ref, integration_id, route_id, kind,
	destination_config, event, status, attempts, next_attempt_at, claim_token, claim_deadline,
	last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*DeliveryJob, error) {
	j := &DeliveryJob{}
	var alertID, integrationID, routeID, claimToken *string
	var claimDeadline *time.Time
	err := row.Scan(&j.JobID, &j.TenantID, &alertID, &j.MessageRef, &integrationID, &routeID,
		&j.Kind, &j.DestinationConfig, &j.Event, &j.Status, &j.Attempts, &j.NextAttemptAt,
		&claimToken, &claimDeadline, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.AlertID = strOrEmpty(alertID)
	j.IntegrationID = strOrEmpty(integrationID)
	j.RouteID = strOrEmpty(routeID)
	j.ClaimToken = strOrEmpty(claimToken)
	j.ClaimDeadline = timeOrZero(claimDeadline)
	return j, nil
}

// Enqueue persists a delivery job. The job is durable before any network
// attempt happens.
func (pg *Postgres) Enqueue(ctx context.Context, scope *Scope, job *DeliveryJob) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if len(job.DestinationConfig) == 0 {
		job.DestinationConfig = []byte(`{}`)
	}
	_, err = c.Exec(ctx, `INSERT INTO delivery_jobs (job_id, tenant_id, alert_id, message_ref,
		integration_id, route_id, kind, destination_config, event, status, attempts,
		next_attempt_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.JobID, job.TenantID, nullStr(job.AlertID), job.MessageRef, nullStr(job.IntegrationID),
		nullStr(job.RouteID), job.Kind, job.DestinationConfig, job.Event, job.Status,
		job.Attempts, job.NextAttemptAt, job.LastError, job.CreatedAt, job.UpdatedAt)
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == uniqueViolation {
		return errors.Wrapf(ErrDuplicate, "job %s", job.JobID)
	}
	return errors.Wrap(err, "enqueue job")
}

// GetJob reads one job.
func (pg *Postgres) GetJob(ctx context.Context, scope *Scope, jobID string) (*DeliveryJob, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	j, err := scanJob(c.QueryRow(ctx, `SELECT `+jobColumns+` FROM delivery_jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// Claim moves the next due PENDING job to IN_FLIGHT in one statement,
// stamping a fresh claim token and deadline and counting the attempt.
// SKIP LOCKED keeps concurrent workers from blocking each other. Returns
// (nil, nil) when nothing is due.
func (pg *Postgres) Claim(ctx context.Context, scope *Scope, now time.Time, claimTTL time.Duration) (*DeliveryJob, error) {
	if err := requireWrite(scope); err != nil {
		return nil, err
	}
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	j, err := scanJob(c.QueryRow(ctx, `UPDATE delivery_jobs SET status = 'IN_FLIGHT',
		claim_token = $1, claim_deadline = $2, attempts = attempts + 1, updated_at = $3
		WHERE job_id = (
			SELECT job_id FROM delivery_jobs
			WHERE status = 'PENDING' AND next_attempt_at <= $3
			ORDER BY next_attempt_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, token, now.Add(claimTTL), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	return j, nil
}

// MarkDelivered finishes a claimed job. ErrClaimLost means the claim
// expired and another worker owns the job now.
func (pg *Postgres) MarkDelivered(ctx context.Context, scope *Scope, jobID, claimToken string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `UPDATE delivery_jobs SET status = 'DELIVERED', claim_token = NULL,
		claim_deadline = NULL, updated_at = now()
		WHERE job_id = $1 AND claim_token = $2 AND status = 'IN_FLIGHT'`, jobID, claimToken)
	if err != nil {
		return errors.Wrap(err, "mark job delivered")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Reschedule returns a claimed job to PENDING with a new due time after a
// retryable failure.
func (pg *Postgres) Reschedule(ctx context.Context, scope *Scope, jobID, claimToken string, nextAttempt time.Time, lastError string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `UPDATE delivery_jobs SET status = 'PENDING', claim_token = NULL,
		claim_deadline = NULL, next_attempt_at = $3, last_error = $4, updated_at = now()
		WHERE job_id = $1 AND claim_token = $2 AND status = 'IN_FLIGHT'`,
		jobID, claimToken, nextAttempt, truncateError(lastError))
	if err != nil {
		return errors.Wrap(err, "reschedule job")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkFailed terminally fails a claimed job. The caller moves the payload
// to the dead letter queue.
func (pg *Postgres) MarkFailed(ctx context.Context, scope *Scope, jobID, claimToken string, lastError string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `UPDATE delivery_jobs SET status = 'FAILED', claim_token = NULL,
		claim_deadline = NULL, last_error = $3, updated_at = now()
		WHERE job_id = $1 AND claim_token = $2 AND status = 'IN_FLIGHT'`,
		jobID, claimToken, truncateError(lastError))
	if err != nil {
		return errors.Wrap(err, "fail job")
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReapExpired returns IN_FLIGHT jobs whose claim deadline passed to
// PENDING. The attempt counted at claim time stays counted; a crashed
// worker's attempt was still an attempt.
func (pg *Postgres) ReapExpired(ctx context.Context, scope *Scope, now time.Time) (int, error) {
	if err := requireWrite(scope); err != nil {
		return 0, err
	}
	c, err := conn(scope)
	if err != nil {
		return 0, err
	}
	tag, err := c.Exec(ctx, `UPDATE delivery_jobs SET status = 'PENDING', claim_token = NULL,
		claim_deadline = NULL, next_attempt_at = $1, updated_at = $1
		WHERE status = 'IN_FLIGHT' AND claim_deadline < $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "reap expired claims")
	}
	return int(tag.RowsAffected()), nil
}

// Requeue makes a PENDING or FAILED job due immediately. A DELIVERED job is
// left alone and reported false; an IN_FLIGHT job is owned by a worker and
// cannot be requeued.
func (pg *Postgres) Requeue(ctx context.Context, scope *Scope, jobID string, now time.Time) (bool, error) {
	if err := requireWrite(scope); err != nil {
		return false, err
	}
	c, err := conn(scope)
	if err != nil {
		return false, err
	}
	tag, err := c.Exec(ctx, `UPDATE delivery_jobs SET status = 'PENDING', next_attempt_at = $2,
		claim_token = NULL, claim_deadline = NULL, updated_at = $2
		WHERE job_id = $1 AND status IN ('PENDING', 'FAILED')`, jobID, now)
	if err != nil {
		return false, errors.Wrap(err, "requeue job")
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	cur, err := pg.GetJob(ctx, scope, jobID)
	if err != nil {
		return false, err
	}
	if cur.Status == JobDelivered {
		return false, nil
	}
	return false, errors.Wrapf(ErrBadState, "job %s is %s", jobID, cur.Status)
}

// truncateError caps stored error text so a pathological response body
// cannot bloat the queue table.
func truncateError(s string) string {
	const max = 1024
	if len(s) > max {
		return s[:max]
	}
	return s
}
