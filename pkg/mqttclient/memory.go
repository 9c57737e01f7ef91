// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqttclient

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Client that loops publishes back to local
// subscribers. Tests and the dry-run paths use it in place of a real
// broker connection.
type MemoryBroker struct {
	mu        sync.Mutex
	subs      []subscription
	published []PublishedMessage
}

// PublishedMessage records one publish for inspection.
type PublishedMessage struct {
	Topic   string
	QoS     byte
	Retain  bool
	Payload []byte
}

// NewMemoryBroker returns an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

// Publish records the message and synchronously delivers it to every
// matching subscriber.
func (b *MemoryBroker) Publish(_ context.Context, topic string, qos byte, retain bool, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, PublishedMessage{Topic: topic, QoS: qos, Retain: retain, Payload: payload})
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if MatchTopic(s.filter, topic) {
			s.handler(topic, payload)
		}
	}
	return nil
}

// Subscribe registers a handler for the filter.
func (b *MemoryBroker) Subscribe(_ context.Context, filter string, qos byte, h Handler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{filter: filter, qos: qos, handler: h})
	return nil
}

// Disconnect drops all subscriptions.
func (b *MemoryBroker) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	return nil
}

// Published returns a copy of everything published so far.
func (b *MemoryBroker) Published() []PublishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishedMessage, len(b.published))
	copy(out, b.published)
	return out
}
