// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// validateRule enforces the rule grammar before anything is persisted.
func validateRule(r *storage.AlertRule) error {
	switch {
	case r == nil:
		return errors.Wrap(ErrInvalid, "rule is required")
	case r.Name == "":
		return errors.Wrap(ErrInvalid, "rule name is required")
	case !message.ValidMetricKey(r.MetricName):
		return errors.Wrapf(ErrInvalid, "metric name %q does not match the name grammar", r.MetricName)
	case !storage.ValidRuleOperator(r.Operator):
		return errors.Wrapf(ErrInvalid, "unknown operator %q", r.Operator)
	case math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0):
		return errors.Wrap(ErrInvalid, "threshold must be a finite number")
	case r.Severity < 1 || r.Severity > 5:
		return errors.Wrapf(ErrInvalid, "severity %d is outside 1..5", r.Severity)
	}
	return nil
}

// CreateRule persists a new threshold rule. Tenant principals own the rule;
// operators must name its tenant.
func (s *Service) CreateRule(ctx context.Context, p *Principal, r *storage.AlertRule) (*storage.AlertRule, error) {
	if err := need(p, PermRulesWrite); err != nil {
		return nil, err
	}
	if err := validateRule(r); err != nil {
		return nil, err
	}
	tenant, err := s.effectiveTenant(p, r.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant == "" {
		return nil, errors.Wrap(ErrInvalid, "tenant id is required")
	}
	r.TenantID = tenant

	scope, err := s.scopeFor(ctx, p, "create_rule", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	err = s.deps.Rules.CreateRule(ctx, scope, r)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	log.Infof("controlplane: tenant %s rule %s (%s %s %v) created by %s",
		tenant, r.RuleID, r.MetricName, r.Operator, r.Threshold, p.Subject)
	return r, nil
}

// GetRule reads one rule.
func (s *Service) GetRule(ctx context.Context, p *Principal, ruleID string) (*storage.AlertRule, error) {
	if err := need(p, PermRulesRead); err != nil {
		return nil, err
	}
	if ruleID == "" {
		return nil, errors.Wrap(ErrInvalid, "rule id is required")
	}

	scope, err := s.scopeFor(ctx, p, "get_rule", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	rule, err := s.deps.Rules.GetRule(ctx, scope, ruleID)
	finish(scope, err)
	return rule, err
}

// UpdateRule replaces a rule's definition. The rule keeps its tenant; only
// the definition fields change.
func (s *Service) UpdateRule(ctx context.Context, p *Principal, r *storage.AlertRule) (*storage.AlertRule, error) {
	if err := need(p, PermRulesWrite); err != nil {
		return nil, err
	}
	if r == nil || r.RuleID == "" {
		return nil, errors.Wrap(ErrInvalid, "rule id is required")
	}
	if err := validateRule(r); err != nil {
		return nil, err
	}

	scope, err := s.scopeFor(ctx, p, "update_rule", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	err = s.deps.Rules.UpdateRule(ctx, scope, r)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	log.Infof("controlplane: rule %s updated by %s", r.RuleID, p.Subject)
	return r, nil
}

// DeleteRule removes a rule. Alerts it already raised stay open until
// closed or resolved by a passing sample.
func (s *Service) DeleteRule(ctx context.Context, p *Principal, ruleID string) error {
	if err := need(p, PermRulesWrite); err != nil {
		return err
	}
	if ruleID == "" {
		return errors.Wrap(ErrInvalid, "rule id is required")
	}

	scope, err := s.scopeFor(ctx, p, "delete_rule", "")
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	err = s.deps.Rules.DeleteRule(ctx, scope, ruleID)
	finish(scope, err)
	if err == nil {
		log.Infof("controlplane: rule %s deleted by %s", ruleID, p.Subject)
	}
	return err
}

// ListRules returns the caller's rules. Operators see all tenants unless
// they name one.
func (s *Service) ListRules(ctx context.Context, p *Principal, tenantID string) ([]storage.AlertRule, error) {
	if err := need(p, PermRulesRead); err != nil {
		return nil, err
	}
	tenant, err := s.effectiveTenant(p, tenantID)
	if err != nil {
		return nil, err
	}

	scope, err := s.scopeFor(ctx, p, "list_rules", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	rules, err := s.deps.Rules.ListRules(ctx, scope)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	return filterByTenant(rules, tenant, func(r *storage.AlertRule) string { return r.TenantID }), nil
}

// filterByTenant narrows a cross-tenant listing to one tenant when asked.
func filterByTenant[T any](items []T, tenantID string, key func(*T) string) []T {
	if tenantID == "" {
		return items
	}
	out := items[:0]
	for i := range items {
		if key(&items[i]) == tenantID {
			out = append(out, items[i])
		}
	}
	return out
}
