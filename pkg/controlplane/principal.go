// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package controlplane implements the operator surface of the platform:
// alert triage, rule, route and integration management, dead letter replay
// and device provisioning. Every operation resolves the caller's principal
// into a storage scope, so tenant isolation and operator auditing hold on
// this path exactly as they do on ingest.
package controlplane

// RoleOperator marks cross-tenant platform staff. Operator calls run under
// an audited operator scope instead of a tenant scope.
const RoleOperator = "operator"

// Permission names gating the control plane operations.
const (
	PermAlertsRead        = "alerts:read"
	PermAlertsWrite       = "alerts:write"
	PermRulesRead         = "rules:read"
	PermRulesWrite        = "rules:write"
	PermRoutesRead        = "routes:read"
	PermRoutesWrite       = "routes:write"
	PermIntegrationsRead  = "integrations:read"
	PermIntegrationsWrite = "integrations:write"
	PermDevicesRead       = "devices:read"
	PermDevicesWrite      = "devices:write"
	PermDeadLettersRead   = "dlq:read"
	PermDeadLettersWrite  = "dlq:write"
	PermAuditRead         = "audit:read"
)

// Principal is the authenticated caller of a control plane operation.
// Tenant users carry their tenant id and see only its rows; operators
// carry the operator role instead and work cross-tenant under audit.
type Principal struct {
	Subject     string
	TenantID    string
	Role        string
	Permissions []string

	// RequestIP is stamped by the HTTP layer for the audit trail.
	RequestIP string
}

// Operator reports whether the principal works cross-tenant.
func (p *Principal) Operator() bool {
	return p != nil && p.Role == RoleOperator
}

// Can reports whether the principal holds a permission. An empty
// permission set is unrestricted; listing any permission restricts the
// principal to its list.
func (p *Principal) Can(perm string) bool {
	if p == nil {
		return false
	}
	if len(p.Permissions) == 0 {
		return true
	}
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}
