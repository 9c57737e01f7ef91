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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const dlqColumns = `dlq_id, tenant_id, route_id, integration_id, original_topic, payload,
	destination_type, destination_config, error_message, attempts, status, created_at, replayed_at`

func scanDeadLetter(row pgx.Row) (*DeadLetterRecord, error) {
	d := &DeadLetterRecord{}
	var routeID, integrationID *string
	var replayedAt *time.Time
	err := row.Scan(&d.DLQID, &d.TenantID, &routeID, &integrationID, &d.OriginalTopic,
		&d.Payload, &d.DestinationType, &d.DestinationConfig, &d.ErrorMessage,
		&d.Attempts, &d.Status, &d.CreatedAt, &replayedAt)
	if err != nil {
		return nil, err
	}
	d.RouteID = strOrEmpty(routeID)
	d.IntegrationID = strOrEmpty(integrationID)
	d.ReplayedAt = timeOrZero(replayedAt)
	return d, nil
}

// AppendDeadLetter records a delivery that exhausted its retries, keeping
// the full payload and destination snapshot for later replay.
func (pg *Postgres) AppendDeadLetter(ctx context.Context, scope *Scope, rec *DeadLetterRecord) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if rec.DLQID == "" {
		rec.DLQID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = DLQFailed
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if len(rec.DestinationConfig) == 0 {
		rec.DestinationConfig = []byte(`{}`)
	}
	_, err = c.Exec(ctx, `INSERT INTO dead_letters (dlq_id, tenant_id, route_id, integration_id,
		original_topic, payload, destination_type, destination_config, error_message, attempts, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.DLQID, rec.TenantID, nullStr(rec.RouteID), nullStr(rec.IntegrationID),
		rec.OriginalTopic, rec.Payload, rec.DestinationType, rec.DestinationConfig,
		truncateError(rec.ErrorMessage), rec.Attempts, rec.Status, rec.CreatedAt)
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == uniqueViolation {
		return errors.Wrapf(ErrDuplicate, "dead letter %s", rec.DLQID)
	}
	return errors.Wrap(err, "append dead letter")
}

// GetDeadLetter reads one record.
func (pg *Postgres) GetDeadLetter(ctx context.Context, scope *Scope, dlqID string) (*DeadLetterRecord, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	d, err := scanDeadLetter(c.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dead_letters WHERE dlq_id = $1`, dlqID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get dead letter")
	}
	return d, nil
}

// ListDeadLetters returns records newest first, optionally narrowed by
// status.
func (pg *Postgres) ListDeadLetters(ctx context.Context, scope *Scope, filter DeadLetterFilter) ([]DeadLetterRecord, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := c.Query(ctx, `SELECT `+dlqColumns+` FROM dead_letters
		WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		filter.TenantID, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "list dead letters")
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan dead letter")
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// MarkReplayed moves a FAILED record to REPLAYED. A record can be replayed
// once; replaying a REPLAYED or DISCARDED record is ErrBadState.
func (pg *Postgres) MarkReplayed(ctx context.Context, scope *Scope, dlqID string, at time.Time) error {
	return pg.transitionDeadLetter(ctx, scope, dlqID,
		`UPDATE dead_letters SET status = 'REPLAYED', replayed_at = $2 WHERE dlq_id = $1 AND status = 'FAILED'`, &at)
}

// DiscardDeadLetter moves a FAILED record to DISCARDED.
func (pg *Postgres) DiscardDeadLetter(ctx context.Context, scope *Scope, dlqID string) error {
	return pg.transitionDeadLetter(ctx, scope, dlqID,
		`UPDATE dead_letters SET status = 'DISCARDED' WHERE dlq_id = $1 AND status = 'FAILED'`, nil)
}

func (pg *Postgres) transitionDeadLetter(ctx context.Context, scope *Scope, dlqID, sql string, at *time.Time) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	var tag pgconn.CommandTag
	if at != nil {
		tag, err = c.Exec(ctx, sql, dlqID, *at)
	} else {
		tag, err = c.Exec(ctx, sql, dlqID)
	}
	if err != nil {
		return errors.Wrap(err, "transition dead letter")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	cur, err := pg.GetDeadLetter(ctx, scope, dlqID)
	if err != nil {
		return err
	}
	return errors.Wrapf(ErrBadState, "dead letter %s is %s", dlqID, cur.Status)
}

// PurgeDeadLetters deletes records older than the cutoff regardless of
// status. This is the retention knob, not triage.
func (pg *Postgres) PurgeDeadLetters(ctx context.Context, scope *Scope, olderThan time.Time) (int64, error) {
	if err := requireWrite(scope); err != nil {
		return 0, err
	}
	c, err := conn(scope)
	if err != nil {
		return 0, err
	}
	tag, err := c.Exec(ctx, `DELETE FROM dead_letters WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, errors.Wrap(err, "purge dead letters")
	}
	return tag.RowsAffected(), nil
}
