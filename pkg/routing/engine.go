// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package routing fans accepted envelopes out to tenant message routes:
// topic filter plus optional payload predicate, then webhook enqueue, MQTT
// republish, or nothing for the postgresql destination (persistence already
// happened on the ingest path).
package routing

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/mqttclient"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// defaultLoadTimeout bounds the store round-trip on a route cache miss.
const defaultLoadTimeout = 5 * time.Second

// JobSink enqueues a durable delivery job for a matched webhook route. The
// delivery dispatcher implements it.
type JobSink interface {
	EnqueueRouted(ctx context.Context, route *storage.MessageRoute, env *message.Envelope) error
}

// Publisher publishes republished envelopes back to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// RepublishConfig is the destinationConfig blob of mqtt_republish routes.
// The topic may carry {tenantId} and {deviceId} placeholders.
type RepublishConfig struct {
	Topic string `json:"topic" validate:"required"`
	QoS   byte   `json:"qos" validate:"lte=2"`
}

// ValidateRepublishConfig shape-checks a republish destination at route
// create/update time. Placeholders expand per envelope, so the template is
// checked as written; wildcards never become legal publish topics.
func ValidateRepublishConfig(raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.New("republish config is required")
	}
	var cfg RepublishConfig
	if err := jsonCodec.Unmarshal(raw, &cfg); err != nil {
		return errors.Wrap(err, "republish config")
	}
	if cfg.Topic == "" {
		return errors.New("republish config has no topic")
	}
	if strings.ContainsAny(cfg.Topic, "+#") {
		return errors.Errorf("republish topic %q contains filter wildcards", cfg.Topic)
	}
	if cfg.QoS > 2 {
		return errors.Errorf("republish qos %d is not a valid MQTT QoS", cfg.QoS)
	}
	return nil
}

// Engine matches accepted envelopes against tenant routes. It implements
// ingest.Tap, so the pipeline hands it every accepted non-heartbeat
// envelope.
type Engine struct {
	scopes    storage.ScopeFactory
	routes    storage.RouteStore
	jobs      JobSink
	publisher Publisher

	cache       *gocache.Cache
	loadTimeout time.Duration
}

// NewEngine reads route_cache_ttl_secs. A nil jobs sink drops webhook
// dispatches; a nil publisher drops republishes (both logged).
func NewEngine(cfg config.Config, scopes storage.ScopeFactory, routes storage.RouteStore, jobs JobSink, publisher Publisher) *Engine {
	ttl := cfg.GetDuration("route_cache_ttl_secs") * time.Second
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Engine{
		scopes:      scopes,
		routes:      routes,
		jobs:        jobs,
		publisher:   publisher,
		cache:       gocache.New(ttl, 2*ttl),
		loadTimeout: defaultLoadTimeout,
	}
}

// HandleAccepted evaluates every enabled route of the envelope's tenant.
// Route failures are isolated: one bad route never blocks the others, and
// nothing here rejects the already-accepted envelope.
func (e *Engine) HandleAccepted(ctx context.Context, env *message.Envelope) {
	routes, err := e.routesFor(ctx, env.TenantID)
	if err != nil {
		log.Errorf("routing: loading routes for tenant %s: %v", env.TenantID, err)
		return
	}

	for i := range routes {
		route := &routes[i]
		if !Matches(route, env.Topic, env.Raw) {
			continue
		}
		health.CountRouteMatched()
		e.dispatch(ctx, route, env)
	}
}

// Matches reports whether a route's topic filter and payload predicate both
// hold. The control plane reuses it for route dry-runs.
func Matches(route *storage.MessageRoute, topic string, payload []byte) bool {
	if !mqttclient.MatchTopic(route.TopicFilter, topic) {
		return false
	}
	return EvalPredicate(route.PayloadFilter, payload)
}

// Invalidate drops the cached route list of a tenant. The control plane
// calls it after any route create, update, or delete, so changes take
// effect before the TTL lapses.
func (e *Engine) Invalidate(tenantID string) {
	e.cache.Delete(tenantID)
}

func (e *Engine) routesFor(ctx context.Context, tenantID string) ([]storage.MessageRoute, error) {
	if cached, ok := e.cache.Get(tenantID); ok {
		return cached.([]storage.MessageRoute), nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.loadTimeout)
	defer cancel()

	scope, err := e.scopes.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer scope.Close(ctx)

	routes, err := e.routes.EnabledRoutes(ctx, scope)
	if err != nil {
		return nil, err
	}
	e.cache.Set(tenantID, routes, gocache.DefaultExpiration)
	return routes, nil
}

func (e *Engine) dispatch(ctx context.Context, route *storage.MessageRoute, env *message.Envelope) {
	switch route.DestinationType {
	case storage.DestPostgreSQL:
		// Telemetry is persisted before routing runs; nothing left to do.
	case storage.DestWebhook:
		if e.jobs == nil {
			log.Warnf("routing: tenant %s route %s matched but no job sink is wired", route.TenantID, route.RouteID)
			return
		}
		if err := e.jobs.EnqueueRouted(ctx, route, env); err != nil {
			log.Errorf("routing: tenant %s route %s enqueue: %v", route.TenantID, route.RouteID, err)
		}
	case storage.DestMQTTRepublish:
		e.republish(ctx, route, env)
	default:
		log.Warnf("routing: tenant %s route %s has unknown destination %q", route.TenantID, route.RouteID, route.DestinationType)
	}
}

func (e *Engine) republish(ctx context.Context, route *storage.MessageRoute, env *message.Envelope) {
	if e.publisher == nil {
		log.Warnf("routing: tenant %s route %s matched but no publisher is wired", route.TenantID, route.RouteID)
		return
	}

	var cfg RepublishConfig
	if err := jsonCodec.Unmarshal(route.DestinationConfig, &cfg); err != nil || cfg.Topic == "" {
		health.CountRepublishError()
		log.Errorf("routing: tenant %s route %s has a bad republish config", route.TenantID, route.RouteID)
		return
	}

	topic := ExpandTopic(cfg.Topic, env.TenantID, env.DeviceID)
	if err := e.publisher.Publish(ctx, topic, cfg.QoS, false, env.Raw); err != nil {
		health.CountRepublishError()
		log.Errorf("routing: tenant %s route %s republish to %s: %v", route.TenantID, route.RouteID, topic, err)
	}
}

// ExpandTopic substitutes the {tenantId} and {deviceId} placeholders of a
// republish target topic.
func ExpandTopic(tmpl, tenantID, deviceID string) string {
	s := strings.ReplaceAll(tmpl, "{tenantId}", tenantID)
	return strings.ReplaceAll(s, "{deviceId}", deviceID)
}
