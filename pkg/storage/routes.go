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

const routeColumns = `route_id, tenant_id, name, topic_filter, destination_type, destination_config, payload_filter, enabled, created_at, updated_at`

func scanRoute(row pgx.Row) (*MessageRoute, error) {
	r := &MessageRoute{}
	err := row.Scan(&r.RouteID, &r.TenantID, &r.Name, &r.TopicFilter, &r.DestinationType,
		&r.DestinationConfig, &r.PayloadFilter, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateRoute stores a message route.
func (pg *Postgres) CreateRoute(ctx context.Context, scope *Scope, r *MessageRoute) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if r.RouteID == "" {
		r.RouteID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if len(r.DestinationConfig) == 0 {
		r.DestinationConfig = []byte(`{}`)
	}
	_, err = c.Exec(ctx, `INSERT INTO message_routes (`+routeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.RouteID, r.TenantID, r.Name, r.TopicFilter, r.DestinationType,
		r.DestinationConfig, r.PayloadFilter, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == uniqueViolation {
		return errors.Wrapf(ErrDuplicate, "route %s", r.RouteID)
	}
	return errors.Wrap(err, "create route")
}

// GetRoute reads one route.
func (pg *Postgres) GetRoute(ctx context.Context, scope *Scope, routeID string) (*MessageRoute, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	r, err := scanRoute(c.QueryRow(ctx, `SELECT `+routeColumns+` FROM message_routes WHERE route_id = $1`, routeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get route")
	}
	return r, nil
}

// UpdateRoute replaces a route's definition.
func (pg *Postgres) UpdateRoute(ctx context.Context, scope *Scope, r *MessageRoute) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()
	tag, err := c.Exec(ctx, `UPDATE message_routes SET name = $2, topic_filter = $3,
		destination_type = $4, destination_config = $5, payload_filter = $6, enabled = $7, updated_at = $8
		WHERE route_id = $1`,
		r.RouteID, r.Name, r.TopicFilter, r.DestinationType, r.DestinationConfig,
		r.PayloadFilter, r.Enabled, r.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "update route")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRoute removes a route. Dead letters that reference it keep their
// payload; the reference is nulled by the schema.
func (pg *Postgres) DeleteRoute(ctx context.Context, scope *Scope, routeID string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `DELETE FROM message_routes WHERE route_id = $1`, routeID)
	if err != nil {
		return errors.Wrap(err, "delete route")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRoutes returns every route the scope can see.
func (pg *Postgres) ListRoutes(ctx context.Context, scope *Scope) ([]MessageRoute, error) {
	return pg.queryRoutes(ctx, scope, `SELECT `+routeColumns+` FROM message_routes ORDER BY created_at`)
}

// EnabledRoutes returns the enabled routes the scope can see.
func (pg *Postgres) EnabledRoutes(ctx context.Context, scope *Scope) ([]MessageRoute, error) {
	return pg.queryRoutes(ctx, scope, `SELECT `+routeColumns+` FROM message_routes WHERE enabled ORDER BY created_at`)
}

func (pg *Postgres) queryRoutes(ctx context.Context, scope *Scope, sql string) ([]MessageRoute, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, sql)
	if err != nil {
		return nil, errors.Wrap(err, "list routes")
	}
	defer rows.Close()

	var out []MessageRoute
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan route")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
