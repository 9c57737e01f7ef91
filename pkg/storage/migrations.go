// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"
	"embed"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"github.com/DataDog/iot-platform/pkg/util/log"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies the embedded schema migrations. goose drives a
// database/sql handle borrowed from the pgx pool configuration.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer db.Close() //nolint:errcheck

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "set migration dialect")
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// gooseLogger routes goose output through the platform logger.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) { log.Criticalf(format, v...) } //nolint:errcheck
func (gooseLogger) Printf(format string, v ...interface{}) { log.Debugf(format, v...) }
