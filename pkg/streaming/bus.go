// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package streaming is the in-process fan-out from the ingest pipeline to
// live subscribers (the SSE endpoint). Not durable: a slow subscriber
// loses messages, never slows ingestion.
package streaming

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/status/health"
)

// ErrTooManySubscribers is returned when a tenant is at its concurrent
// subscription cap.
var ErrTooManySubscribers = errors.New("tenant subscriber limit reached")

// Filter narrows a subscription. Empty fields match everything; DeviceIDs
// is an OR set, MetricNames matches envelopes carrying at least one of the
// named metrics.
type Filter struct {
	DeviceIDs   []string
	MetricNames []string
}

func (f Filter) compile() compiledFilter {
	c := compiledFilter{}
	if len(f.DeviceIDs) > 0 {
		c.devices = make(map[string]struct{}, len(f.DeviceIDs))
		for _, id := range f.DeviceIDs {
			c.devices[id] = struct{}{}
		}
	}
	if len(f.MetricNames) > 0 {
		c.metrics = make(map[string]struct{}, len(f.MetricNames))
		for _, name := range f.MetricNames {
			c.metrics[name] = struct{}{}
		}
	}
	return c
}

type compiledFilter struct {
	devices map[string]struct{}
	metrics map[string]struct{}
}

func (c compiledFilter) matches(env *message.Envelope) bool {
	if c.devices != nil {
		if _, ok := c.devices[env.DeviceID]; !ok {
			return false
		}
	}
	if c.metrics != nil {
		for name := range env.Metrics {
			if _, ok := c.metrics[name]; ok {
				return true
			}
		}
		return false
	}
	return true
}

// Subscription is one live consumer. Exactly one goroutine reads C; Close
// detaches it from the bus.
type Subscription struct {
	id       uint64
	tenantID string
	filter   compiledFilter
	ch       chan *message.Envelope
	bus      *Bus
	once     sync.Once
}

// C is the subscriber's bounded delivery channel.
func (s *Subscription) C() <-chan *message.Envelope { return s.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus routes accepted envelopes to the matching subscribers of the
// envelope's tenant. Publish never blocks: a full subscriber queue drops
// the message for that subscriber and bumps the dropped counter.
type Bus struct {
	buffer       int
	maxPerTenant int

	mu       sync.RWMutex
	nextID   uint64
	byTenant map[string]map[uint64]*Subscription
}

// NewBus reads stream_subscriber_buffer and
// stream_max_subscribers_per_tenant.
func NewBus(cfg config.Config) *Bus {
	buffer := cfg.GetInt("stream_subscriber_buffer")
	if buffer <= 0 {
		buffer = 100
	}
	maxPerTenant := cfg.GetInt("stream_max_subscribers_per_tenant")
	if maxPerTenant <= 0 {
		maxPerTenant = 10
	}
	return &Bus{
		buffer:       buffer,
		maxPerTenant: maxPerTenant,
		byTenant:     make(map[string]map[uint64]*Subscription),
	}
}

// Subscribe registers a consumer for the tenant's live traffic.
func (b *Bus) Subscribe(tenantID string, filter Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.byTenant[tenantID]
	if len(subs) >= b.maxPerTenant {
		return nil, errors.Wrapf(ErrTooManySubscribers, "tenant %s already has %d subscribers", tenantID, len(subs))
	}
	if subs == nil {
		subs = make(map[uint64]*Subscription)
		b.byTenant[tenantID] = subs
	}

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		tenantID: tenantID,
		filter:   filter.compile(),
		ch:       make(chan *message.Envelope, b.buffer),
		bus:      b,
	}
	subs[sub.id] = sub
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.byTenant[sub.tenantID]
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.byTenant, sub.tenantID)
	}
	// Publish sends only under the read lock, so nobody is writing to the
	// channel once we hold the write lock.
	close(sub.ch)
}

// Publish fans the envelope out to the tenant's matching subscribers.
func (b *Bus) Publish(env *message.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.byTenant[env.TenantID] {
		if !sub.filter.matches(env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			health.CountStreamDropped()
		}
	}
}

// HandleAccepted adapts the bus to the pipeline tap interface.
func (b *Bus) HandleAccepted(_ context.Context, env *message.Envelope) {
	b.Publish(env)
}

// SubscriberCount reports a tenant's live subscriptions.
func (b *Bus) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTenant[tenantID])
}
