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

const ruleColumns = `rule_id, tenant_id, name, metric_name, operator, threshold, severity, site_filter, enabled, created_at, updated_at`

func scanRule(row pgx.Row) (*AlertRule, error) {
	r := &AlertRule{}
	err := row.Scan(&r.RuleID, &r.TenantID, &r.Name, &r.MetricName, &r.Operator,
		&r.Threshold, &r.Severity, &r.SiteFilter, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateRule stores a threshold rule. The identifier is assigned here when
// the caller left it empty.
func (pg *Postgres) CreateRule(ctx context.Context, scope *Scope, r *AlertRule) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if !ValidRuleOperator(r.Operator) {
		return errors.Errorf("invalid rule operator %q", r.Operator)
	}
	if r.RuleID == "" {
		r.RuleID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err = c.Exec(ctx, `INSERT INTO alert_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.RuleID, r.TenantID, r.Name, r.MetricName, r.Operator, r.Threshold,
		r.Severity, r.SiteFilter, r.Enabled, r.CreatedAt, r.UpdatedAt)
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == uniqueViolation {
		return errors.Wrapf(ErrDuplicate, "rule %s", r.RuleID)
	}
	return errors.Wrap(err, "create rule")
}

// GetRule reads one rule.
func (pg *Postgres) GetRule(ctx context.Context, scope *Scope, ruleID string) (*AlertRule, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	r, err := scanRule(c.QueryRow(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE rule_id = $1`, ruleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get rule")
	}
	return r, nil
}

// UpdateRule replaces a rule's definition.
func (pg *Postgres) UpdateRule(ctx context.Context, scope *Scope, r *AlertRule) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	if !ValidRuleOperator(r.Operator) {
		return errors.Errorf("invalid rule operator %q", r.Operator)
	}
	r.UpdatedAt = time.Now().UTC()
	tag, err := c.Exec(ctx, `UPDATE alert_rules SET name = $2, metric_name = $3, operator = $4,
		threshold = $5, severity = $6, site_filter = $7, enabled = $8, updated_at = $9
		WHERE rule_id = $1`,
		r.RuleID, r.Name, r.MetricName, r.Operator, r.Threshold, r.Severity,
		r.SiteFilter, r.Enabled, r.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "update rule")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule. Alerts it raised remain.
func (pg *Postgres) DeleteRule(ctx context.Context, scope *Scope, ruleID string) error {
	if err := requireWrite(scope); err != nil {
		return err
	}
	c, err := conn(scope)
	if err != nil {
		return err
	}
	tag, err := c.Exec(ctx, `DELETE FROM alert_rules WHERE rule_id = $1`, ruleID)
	if err != nil {
		return errors.Wrap(err, "delete rule")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRules returns every rule the scope can see.
func (pg *Postgres) ListRules(ctx context.Context, scope *Scope) ([]AlertRule, error) {
	return pg.queryRules(ctx, scope, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY created_at`)
}

// EnabledRules returns the enabled rules the scope can see.
func (pg *Postgres) EnabledRules(ctx context.Context, scope *Scope) ([]AlertRule, error) {
	return pg.queryRules(ctx, scope, `SELECT `+ruleColumns+` FROM alert_rules WHERE enabled ORDER BY created_at`)
}

func (pg *Postgres) queryRules(ctx context.Context, scope *Scope, sql string) ([]AlertRule, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	rows, err := c.Query(ctx, sql)
	if err != nil {
		return nil, errors.Wrap(err, "list rules")
	}
	defer rows.Close()

	var out []AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan rule")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// TenantsWithEnabledRules lists ACTIVE tenants that have at least one
// enabled rule, for the rule engine's evaluation sweep.
func (pg *Postgres) TenantsWithEnabledRules(ctx context.Context, scope *Scope) ([]string, error) {
	c, err := conn(scope)
	if err != nil {
		return nil, err
	}
	if !scope.Bypass() {
		return nil, errors.Wrap(ErrNoScope, "cross-tenant rule sweep requires a bypass scope")
	}
	rows, err := c.Query(ctx, `SELECT DISTINCT r.tenant_id
		FROM alert_rules r JOIN tenants t ON t.tenant_id = r.tenant_id
		WHERE r.enabled AND t.status = 'ACTIVE'
		ORDER BY r.tenant_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list rule tenants")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan tenant id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
