// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Mode tells on whose behalf a scope accesses data.
type Mode string

// Scope modes. Unset scopes fail closed: reads return nothing, writes are
// denied.
const (
	ModeUnset Mode = ""
	// ModeTenant filters every table to one tenant.
	ModeTenant Mode = "tenant"
	// ModeOperator bypasses the tenant filter. Entering it writes an audit
	// record before the scope becomes usable.
	ModeOperator Mode = "operator"
	// ModeSystem bypasses the tenant filter for the platform's own loops
	// (job claims, reapers, sweeps). Never handed to a request principal.
	ModeSystem Mode = "system"
)

// ErrNoScope is returned by every store method called without a usable
// scope.
var ErrNoScope = errors.New("no tenant or operator scope set")

// Scope binds a connection checkout to a tenant or operator identity. All
// store methods take a scope; the row-level filter on the connection is
// keyed to it. Scopes are not safe for concurrent use and must be closed.
type Scope struct {
	mode       Mode
	tenantID   string
	operatorID string
	auditID    int64
	resultCode int

	// conn is set for Postgres-backed scopes and carries the session
	// variables; memory-backed scopes leave it nil and the memory stores
	// read the identity from the struct.
	conn *pgxpool.Conn
	db   *DB
	mem  *Memory
}

// Mode returns the scope mode.
func (s *Scope) Mode() Mode {
	if s == nil {
		return ModeUnset
	}
	return s.mode
}

// TenantID returns the bound tenant, empty outside tenant mode.
func (s *Scope) TenantID() string {
	if s == nil {
		return ""
	}
	return s.tenantID
}

// OperatorID returns the bound operator, empty outside operator mode.
func (s *Scope) OperatorID() string {
	if s == nil {
		return ""
	}
	return s.operatorID
}

// Bypass reports whether the scope sees rows across tenants.
func (s *Scope) Bypass() bool {
	m := s.Mode()
	return m == ModeOperator || m == ModeSystem
}

// SetResult records the outcome of the operator operation; it lands on the
// audit record when the scope closes.
func (s *Scope) SetResult(code int) {
	if s != nil {
		s.resultCode = code
	}
}

// Close clears the connection's scope variables and returns it to the pool.
// Operator scopes also finalize their audit record's result code.
func (s *Scope) Close(ctx context.Context) {
	if s == nil {
		return
	}
	if s.conn != nil {
		if s.mode == ModeOperator && s.auditID != 0 && s.resultCode != 0 {
			// best effort; the entry row itself was written synchronously
			// when the scope opened
			_, _ = s.conn.Exec(ctx, `UPDATE audit_log SET result_code = $1 WHERE audit_id = $2`, s.resultCode, s.auditID)
		}
		_, _ = s.conn.Exec(ctx, `SELECT set_config('app.scope_mode', '', false),
			set_config('app.current_tenant', '', false),
			set_config('app.operator_id', '', false)`)
		s.conn.Release()
		s.conn = nil
	}
	if s.mem != nil {
		if s.mode == ModeOperator && s.auditID != 0 && s.resultCode != 0 {
			s.mem.setAuditResult(s.auditID, s.resultCode)
		}
		s.mem = nil
	}
	s.mode = ModeUnset
}

// requireScope is the fail-closed gate at the top of every store method.
func requireScope(s *Scope) error {
	if s == nil || s.mode == ModeUnset {
		return ErrNoScope
	}
	return nil
}

// requireWrite additionally refuses writes from a tenant scope bound to the
// empty tenant. Reads from such a scope legitimately return nothing.
func requireWrite(s *Scope) error {
	if err := requireScope(s); err != nil {
		return err
	}
	if s.mode == ModeTenant && s.tenantID == "" {
		return errors.Wrap(ErrNoScope, "write denied for empty tenant")
	}
	return nil
}

// visible reports whether a row owned by rowTenant is visible to the scope.
// Memory stores use it to mirror the row-level security policy.
func (s *Scope) visible(rowTenant string) bool {
	switch s.Mode() {
	case ModeOperator, ModeSystem:
		return true
	case ModeTenant:
		return s.tenantID != "" && s.tenantID == rowTenant
	}
	return false
}
