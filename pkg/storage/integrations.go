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

const integrationColumns = `integration_id, tenant_id, kind, name, config, enabled, created_at, updated_at`

func scanIntegration(row pgx.Row) (*Integration, error) {
	in := &Integration{}
	err := row.Scan(&in.IntegrationID, &in.TenantID, &in.Kind, &in.Name,
		&in.Config, &in.Enabled, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// CreateIntegration stores a delivery channel.
func (pg *Postgres) CreateIntegration(ctx context.Context, scope *Scope, in *Integration) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if in.IntegrationID == "" {
		in.IntegrationID = uuid.NewString()
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	if len(in.Config) == 0 {
		in.Config = []byte(`{}`)
	}
	_, err = c.Exec(ctx, `INSERT INTO integrations (`+integrationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.IntegrationID, in.TenantID, in.Kind, in.Name, in.Config, in.Enabled, in.CreatedAt, in.UpdatedAt)
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == uniqueViolation {
		return errors.Wrapf(ErrDuplicate, "integration %s", in.IntegrationID)
	}
	return errors.Wrap(err, "create integration")
}

// GetIntegration reads one delivery channel.
func (pg *Postgres) GetIntegration(ctx context.Context, scope *Scope, integrationID string) (*Integration, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	in, err := scanIntegration(c.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE integration_id = $1`, integrationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get integration")
	}
	return in, nil
}

// UpdateIntegration replaces a channel's configuration. Jobs already
// enqueued keep the destination snapshot they were created with.
func (pg *Postgres) UpdateIntegration(ctx context.Context, scope *Scope, in *Integration) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	in.UpdatedAt = time.Now().UTC()
	tag, err := c.Exec(ctx, `UPDATE integrations SET kind = $2, name = $3, config = $4, enabled = $5, updated_at = $6
		WHERE integration_id = $1`,
		in.IntegrationID, in.Kind, in.Name, in.Config, in.Enabled, in.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "update integration")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIntegration removes a channel.
func (pg *Postgres) DeleteIntegration(ctx context.Context, scope *Scope, integrationID string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `DELETE FROM integrations WHERE integration_id = $1`, integrationID)
	if err != nil {
		return errors.Wrap(err, "delete integration")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIntegrations returns every channel the scope can see.
func (pg *Postgres) ListIntegrations(ctx context.Context, scope *Scope) ([]Integration, error) {
	return pg.queryIntegrations(ctx, scope, `SELECT `+integrationColumns+` FROM integrations ORDER BY created_at`)
}

// EnabledIntegrations returns the enabled channels the scope can see.
func (pg *Postgres) EnabledIntegrations(ctx context.Context, scope *Scope) ([]Integration, error) {
	return pg.queryIntegrations(ctx, scope, `SELECT `+integrationColumns+` FROM integrations WHERE enabled ORDER BY created_at`)
}

func (pg *Postgres) queryIntegrations(ctx context.Context, scope *Scope, sql string) ([]Integration, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, sql)
	if err != nil {
		return nil, errors.Wrap(err, "list integrations")
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan integration")
		}
		out = append(out, *in)
	}
	return out, rows.Err()
}
