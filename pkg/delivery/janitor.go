// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// Janitor runs the scheduled retention purges: dead letters past
// dlq_retention_days and quarantine records past quarantine_retention_days.
type Janitor struct {
	scopes     storage.ScopeFactory
	dlq        storage.DeadLetterStore
	quarantine storage.QuarantineStore
	clock      clock.Clock

	cron                *cron.Cron
	schedule            string
	dlqRetention        time.Duration
	quarantineRetention time.Duration
}

// NewJanitor reads dlq_purge_schedule, dlq_retention_days and
// quarantine_retention_days.
func NewJanitor(cfg config.Config, scopes storage.ScopeFactory, dlq storage.DeadLetterStore, quarantine storage.QuarantineStore, clk clock.Clock) *Janitor {
	return &Janitor{
		scopes:              scopes,
		dlq:                 dlq,
		quarantine:          quarantine,
		clock:               clk,
		cron:                cron.New(),
		schedule:            cfg.GetString("dlq_purge_schedule"),
		dlqRetention:        retentionDays(cfg.GetInt("dlq_retention_days")),
		quarantineRetention: retentionDays(cfg.GetInt("quarantine_retention_days")),
	}
}

func retentionDays(days int) time.Duration {
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// Start registers the purge on the cron schedule.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.purge); err != nil {
		return errors.Wrapf(err, "bad dlq_purge_schedule %q", j.schedule)
	}
	j.cron.Start()
	log.Infof("retention janitor scheduled (%s)", j.schedule)
	return nil
}

// Stop halts the schedule and waits out a running purge, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	stopped := j.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dlqN, quarantineN, err := j.PurgeNow(ctx)
	if err != nil {
		log.Errorf("retention purge: %v", err)
		return
	}
	log.Infof("retention purge removed %d dead letters, %d quarantine records", dlqN, quarantineN)
}

// PurgeNow runs one purge pass and returns what it removed. The control
// plane's purge operation calls it with an explicit age; the cron uses the
// configured retentions.
func (j *Janitor) PurgeNow(ctx context.Context) (int64, int64, error) {
	scope, err := j.scopes.System(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer scope.Close(ctx)

	now := j.clock.Now().UTC()
	dlqN, err := j.dlq.PurgeDeadLetters(ctx, scope, now.Add(-j.dlqRetention))
	if err != nil {
		return 0, 0, errors.Wrap(err, "purging dead letters")
	}
	quarantineN, err := j.quarantine.PurgeQuarantine(ctx, scope, now.Add(-j.quarantineRetention))
	if err != nil {
		return dlqN, 0, errors.Wrap(err, "purging quarantine")
	}
	return dlqN, quarantineN, nil
}
