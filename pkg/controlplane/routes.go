// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package controlplane

import (
	"context"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/delivery"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/mqttclient"
	"github.com/DataDog/iot-platform/pkg/routing"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// validateRoute enforces the route grammar and vets the destination before
// anything is persisted. Webhook targets resolve through the address guard
// here, so a private address never reaches the routes table.
func (s *Service) validateRoute(ctx context.Context, r *storage.MessageRoute) error {
	switch {
	case r == nil:
		return errors.Wrap(ErrInvalid, "route is required")
	case r.Name == "":
		return errors.Wrap(ErrInvalid, "route name is required")
	}
	if err := mqttclient.ValidateFilter(r.TopicFilter); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if err := routing.ValidatePredicate(r.PayloadFilter); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}

	switch r.DestinationType {
	case storage.DestWebhook:
		if err := delivery.ValidateDestination(ctx, s.deps.Guard, storage.IntegrationWebhook, r.DestinationConfig); err != nil {
			return errors.Wrap(ErrInvalid, err.Error())
		}
	case storage.DestMQTTRepublish:
		if err := routing.ValidateRepublishConfig(r.DestinationConfig); err != nil {
			return errors.Wrap(ErrInvalid, err.Error())
		}
	case storage.DestPostgreSQL:
		// Persistence happens on the ingest path; no config to check.
	default:
		return errors.Wrapf(ErrInvalid, "unknown destination type %q", r.DestinationType)
	}
	return nil
}

// invalidateRoutes drops the routing engine's cached list for a tenant.
func (s *Service) invalidateRoutes(tenantID string) {
	if s.deps.RouteCache != nil && tenantID != "" {
		s.deps.RouteCache.Invalidate(tenantID)
	}
}

// CreateRoute persists a new message route and invalidates the tenant's
// route cache.
func (s *Service) CreateRoute(ctx context.Context, p *Principal, r *storage.MessageRoute) (*storage.MessageRoute, error) {
	if err := need(p, PermRoutesWrite); err != nil {
		return nil, err
	}
	if err := s.validateRoute(ctx, r); err != nil {
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

	scope, err := s.scopeFor(ctx, p, "create_route", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	err = s.deps.Routes.CreateRoute(ctx, scope, r)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	s.invalidateRoutes(tenant)
	log.Infof("controlplane: tenant %s route %s (%s -> %s) created by %s",
		tenant, r.RouteID, r.TopicFilter, r.DestinationType, p.Subject)
	return r, nil
}

// GetRoute reads one route.
func (s *Service) GetRoute(ctx context.Context, p *Principal, routeID string) (*storage.MessageRoute, error) {
	if err := need(p, PermRoutesRead); err != nil {
		return nil, err
	}
	if routeID == "" {
		return nil, errors.Wrap(ErrInvalid, "route id is required")
	}

	scope, err := s.scopeFor(ctx, p, "get_route", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	route, err := s.deps.Routes.GetRoute(ctx, scope, routeID)
	finish(scope, err)
	return route, err
}

// UpdateRoute replaces a route's definition and invalidates the tenant's
// route cache. The route keeps its tenant.
func (s *Service) UpdateRoute(ctx context.Context, p *Principal, r *storage.MessageRoute) (*storage.MessageRoute, error) {
	if err := need(p, PermRoutesWrite); err != nil {
		return nil, err
	}
	if r == nil || r.RouteID == "" {
		return nil, errors.Wrap(ErrInvalid, "route id is required")
	}
	if err := s.validateRoute(ctx, r); err != nil {
		return nil, err
	}

	scope, err := s.scopeFor(ctx, p, "update_route", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	cur, err := s.deps.Routes.GetRoute(ctx, scope, r.RouteID)
	if err != nil {
		finish(scope, err)
		return nil, err
	}
	err = s.deps.Routes.UpdateRoute(ctx, scope, r)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	s.invalidateRoutes(cur.TenantID)
	log.Infof("controlplane: route %s updated by %s", r.RouteID, p.Subject)
	r.TenantID = cur.TenantID
	return r, nil
}

// DeleteRoute removes a route and invalidates the tenant's route cache.
func (s *Service) DeleteRoute(ctx context.Context, p *Principal, routeID string) error {
	if err := need(p, PermRoutesWrite); err != nil {
		return err
	}
	if routeID == "" {
		return errors.Wrap(ErrInvalid, "route id is required")
	}

	scope, err := s.scopeFor(ctx, p, "delete_route", "")
	if err != nil {
		return err
	}
	defer scope.Close(ctx)

	cur, err := s.deps.Routes.GetRoute(ctx, scope, routeID)
	if err != nil {
		finish(scope, err)
		return err
	}
	err = s.deps.Routes.DeleteRoute(ctx, scope, routeID)
	finish(scope, err)
	if err == nil {
		s.invalidateRoutes(cur.TenantID)
		log.Infof("controlplane: route %s deleted by %s", routeID, p.Subject)
	}
	return err
}

// ListRoutes returns the caller's routes. Operators see all tenants unless
// they name one.
func (s *Service) ListRoutes(ctx context.Context, p *Principal, tenantID string) ([]storage.MessageRoute, error) {
	if err := need(p, PermRoutesRead); err != nil {
		return nil, err
	}
	tenant, err := s.effectiveTenant(p, tenantID)
	if err != nil {
		return nil, err
	}

	scope, err := s.scopeFor(ctx, p, "list_routes", tenant)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	routes, err := s.deps.Routes.ListRoutes(ctx, scope)
	finish(scope, err)
	if err != nil {
		return nil, err
	}
	return filterByTenant(routes, tenant, func(r *storage.MessageRoute) string { return r.TenantID }), nil
}

// RouteTestRequest is a sample message for a route dry run.
type RouteTestRequest struct {
	Topic   string
	Payload []byte
	// Probe additionally delivers the sample through the route's webhook
	// destination when the dry run matches.
	Probe bool
}

// RouteTestResult reports how a route handled the sample. The engine
// additionally requires the route to be enabled before dispatching real
// traffic; the dry run evaluates the definition as written.
type RouteTestResult struct {
	TopicMatched   bool
	PayloadMatched bool
	WouldDispatch  bool
	Probed         bool
	ProbeError     string
}

// TestRoute dry-runs a sample against a route: topic filter, payload
// predicate, and optionally one live webhook delivery of the sample.
func (s *Service) TestRoute(ctx context.Context, p *Principal, routeID string, req RouteTestRequest) (*RouteTestResult, error) {
	if err := need(p, PermRoutesRead); err != nil {
		return nil, err
	}
	if req.Probe {
		if err := need(p, PermRoutesWrite); err != nil {
			return nil, err
		}
	}
	if routeID == "" {
		return nil, errors.Wrap(ErrInvalid, "route id is required")
	}
	if req.Topic == "" {
		return nil, errors.Wrap(ErrInvalid, "sample topic is required")
	}

	scope, err := s.scopeFor(ctx, p, "test_route", "")
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	route, err := s.deps.Routes.GetRoute(ctx, scope, routeID)
	finish(scope, err)
	if err != nil {
		return nil, err
	}

	res := &RouteTestResult{
		TopicMatched:   mqttclient.MatchTopic(route.TopicFilter, req.Topic),
		PayloadMatched: routing.EvalPredicate(route.PayloadFilter, req.Payload),
	}
	res.WouldDispatch = res.TopicMatched && res.PayloadMatched

	if req.Probe && res.WouldDispatch && route.DestinationType == storage.DestWebhook && s.deps.Probe != nil {
		ev := &message.Event{
			Type:      message.EventTypeTelemetry,
			TenantID:  route.TenantID,
			Timestamp: s.clock.Now().UTC(),
			Topic:     req.Topic,
			Payload:   req.Payload,
		}
		body, err := ev.Marshal()
		if err != nil {
			return nil, errors.Wrap(err, "encoding probe event")
		}
		probe := s.deps.Probe.Send(ctx, &delivery.Request{
			TenantID: route.TenantID,
			Kind:     storage.IntegrationWebhook,
			Config:   route.DestinationConfig,
			Event:    ev,
			Body:     body,
		})
		res.Probed = true
		if !probe.Success && probe.Err != nil {
			res.ProbeError = probe.Err.Error()
		}
		log.Infof("controlplane: route %s probed by %s (delivered=%t)", routeID, p.Subject, probe.Success)
	}
	return res, nil
}
