// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/delivery"
	"github.com/DataDog/iot-platform/pkg/storage"
)

// Sentinel errors the HTTP layer maps onto status codes.
var (
	// ErrInvalid rejects malformed or failing-validation input.
	ErrInvalid = errors.New("invalid request")
	// ErrForbidden rejects principals lacking a grant for the operation.
	ErrForbidden = errors.New("permission denied")
)

// RouteCache invalidates cached route lists after route writes. The routing
// engine implements it.
type RouteCache interface {
	Invalidate(tenantID string)
}

// AuthCache drops cached device credentials after registry mutations. The
// ingest auth cache implements it.
type AuthCache interface {
	Invalidate(tenantID, deviceID string)
}

// LivenessTracker force-transitions device liveness. The device state
// tracker implements it.
type LivenessTracker interface {
	MarkRevoked(ctx context.Context, tenantID, deviceID string) error
}

// Replayer re-enqueues dead letters. The delivery dispatcher implements it.
type Replayer interface {
	Replay(ctx context.Context, scope *storage.Scope, dlqID string) (*storage.DeliveryJob, error)
}

// Deps collects everything the service operates on. Guard, Replayer and the
// stores are required; the caches, the tracker and the probe sender may be
// nil, turning their hooks into no-ops.
type Deps struct {
	Scopes       storage.ScopeFactory
	Alerts       storage.AlertStore
	Rules        storage.RuleStore
	Routes       storage.RouteStore
	Integrations storage.IntegrationStore
	Devices      storage.DeviceRegistryStore
	Jobs         storage.JobStore
	DeadLetters  storage.DeadLetterStore
	Quarantine   storage.QuarantineStore
	Audit        storage.AuditStore

	Guard      *delivery.Guard
	Replayer   Replayer
	RouteCache RouteCache
	AuthCache  AuthCache
	Liveness   LivenessTracker

	// Probe delivers live route tests synchronously; normally the HTTP
	// sender.
	Probe delivery.Sender
}

// Service is the control plane behind the operator REST surface. Methods
// take the caller's principal, open the matching storage scope and finish
// its audit record with the operation's result code.
type Service struct {
	deps  Deps
	clock clock.Clock
}

// NewService wires the control plane service.
func NewService(deps Deps, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{deps: deps, clock: clk}
}

// scopeFor opens the storage scope one operation runs under. Tenant
// principals get their tenant scope; operators get an audited cross-tenant
// scope. A principal with neither has nothing it may touch.
func (s *Service) scopeFor(ctx context.Context, p *Principal, action, targetTenant string) (*storage.Scope, error) {
	switch {
	case p == nil:
		return nil, errors.Wrap(ErrForbidden, "no principal")
	case p.Operator():
		return s.deps.Scopes.Operator(ctx, storage.OperatorEntry{
			OperatorID:   p.Subject,
			Action:       action,
			TargetTenant: targetTenant,
			RequestIP:    p.RequestIP,
		})
	case p.TenantID != "":
		return s.deps.Scopes.Tenant(ctx, p.TenantID)
	}
	return nil, errors.Wrap(ErrForbidden, "principal has no tenant and no operator role")
}

// effectiveTenant resolves the tenant a call applies to. Tenant principals
// are pinned to their own tenant and may not name another; operators pass
// one explicitly, empty meaning all tenants where the operation lists.
func (s *Service) effectiveTenant(p *Principal, requested string) (string, error) {
	if p == nil {
		return "", errors.Wrap(ErrForbidden, "no principal")
	}
	if p.Operator() {
		return requested, nil
	}
	if requested != "" && requested != p.TenantID {
		return "", errors.Wrapf(ErrForbidden, "tenant %s is not accessible", requested)
	}
	return p.TenantID, nil
}

// need gates an operation on a permission.
func need(p *Principal, perm string) error {
	if !p.Can(perm) {
		return errors.Wrapf(ErrForbidden, "missing permission %s", perm)
	}
	return nil
}

// StatusCode maps service errors onto HTTP status codes. The HTTP layer
// uses it for responses; the service uses it to finish audit records.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrBadState), errors.Is(err, storage.ErrDuplicate), errors.Is(err, storage.ErrActiveFingerprint):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// finish stamps the operation result onto the scope's audit record before
// it closes.
func finish(scope *storage.Scope, err error) {
	scope.SetResult(StatusCode(err))
}
