// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// DB wraps the relational pool and hands out scopes. Every data access goes
// through a scope obtained here.
type DB struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// DSNFromConfig assembles the Postgres connection string from database.*
// keys.
func DSNFromConfig(cfg config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.GetString("database.host"),
		cfg.GetInt("database.port"),
		cfg.GetString("database.user"),
		cfg.GetString("database.password"),
		cfg.GetString("database.name"),
		cfg.GetString("database.ssl_mode"),
		cfg.GetInt("database.pool_max_conns"),
	)
}

// Connect opens the pool, pings it and optionally applies migrations.
func Connect(ctx context.Context, cfg config.Config) (*DB, error) {
	dsn := DSNFromConfig(cfg)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "open database pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if cfg.GetBool("database.migrate") {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	log.Infof("connected to database %s@%s:%d/%s",
		cfg.GetString("database.user"), cfg.GetString("database.host"),
		cfg.GetInt("database.port"), cfg.GetString("database.name"))

	return &DB{
		pool:         pool,
		queryTimeout: cfg.GetDuration("database.query_timeout_secs") * time.Second,
	}, nil
}

// Pool exposes the raw pool for collaborators that keep tenancy as an
// explicit key (the time-series store) rather than a session variable.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close drains the pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Tenant opens a scope filtered to one tenant. An empty tenantID is legal
// and yields a scope that sees no rows.
func (db *DB) Tenant(ctx context.Context, tenantID string) (*Scope, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire connection")
	}
	_, err = conn.Exec(ctx, `SELECT set_config('app.scope_mode', 'tenant', false),
		set_config('app.current_tenant', $1, false)`, tenantID)
	if err != nil {
		conn.Release()
		return nil, errors.Wrap(err, "set tenant scope")
	}
	return &Scope{mode: ModeTenant, tenantID: tenantID, conn: conn, db: db}, nil
}

// OperatorEntry describes the operator access being opened; it becomes the
// audit record.
type OperatorEntry struct {
	OperatorID   string
	Action       string
	TargetTenant string
	RequestIP    string
}

// Operator opens a cross-tenant scope. The audit record is written
// synchronously before the scope is returned; if that write fails the scope
// never becomes usable.
func (db *DB) Operator(ctx context.Context, entry OperatorEntry) (*Scope, error) {
	if entry.OperatorID == "" {
		return nil, errors.New("operator id is required")
	}
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire connection")
	}
	_, err = conn.Exec(ctx, `SELECT set_config('app.scope_mode', 'operator', false),
		set_config('app.operator_id', $1, false)`, entry.OperatorID)
	if err != nil {
		conn.Release()
		return nil, errors.Wrap(err, "set operator scope")
	}

	var auditID int64
	err = conn.QueryRow(ctx, `INSERT INTO audit_log (ts, operator_id, action, target_tenant, request_ip, result_code)
		VALUES (now(), $1, $2, NULLIF($3, ''), $4, 0) RETURNING audit_id`,
		entry.OperatorID, entry.Action, entry.TargetTenant, entry.RequestIP).Scan(&auditID)
	if err != nil {
		_, _ = conn.Exec(ctx, `SELECT set_config('app.scope_mode', '', false), set_config('app.operator_id', '', false)`)
		conn.Release()
		return nil, errors.Wrap(err, "write audit record")
	}

	return &Scope{mode: ModeOperator, operatorID: entry.OperatorID, auditID: auditID, conn: conn, db: db}, nil
}

// System opens a cross-tenant scope for the platform's own loops. It is not
// audited and must never serve a request principal.
func (db *DB) System(ctx context.Context) (*Scope, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire connection")
	}
	_, err = conn.Exec(ctx, `SELECT set_config('app.scope_mode', 'system', false)`)
	if err != nil {
		conn.Release()
		return nil, errors.Wrap(err, "set system scope")
	}
	return &Scope{mode: ModeSystem, conn: conn, db: db}, nil
}
