// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package mqttclient wraps the broker connection used for device ingestion
// and outbound publishes. One connection per process with an explicit
// subscribe/publish/disconnect lifecycle.
package mqttclient

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// Handler receives inbound messages for a subscribed filter.
type Handler func(topic string, payload []byte)

// Client is the broker-facing surface the rest of the platform sees. The
// ingest pipeline subscribes, the route engine and the MQTT sender publish.
type Client interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Subscribe(ctx context.Context, filter string, qos byte, h Handler) error
	Disconnect(ctx context.Context) error
}

type subscription struct {
	filter  string
	qos     byte
	handler Handler
}

// Conn is the autopaho-backed Client. It reconnects on its own and replays
// subscriptions on every connection, since the broker session may be gone.
type Conn struct {
	brokerURL      string
	clientID       string
	username       string
	password       string
	keepAlive      uint16
	sessionExpiry  uint32
	connectTimeout time.Duration

	cm *autopaho.ConnectionManager

	mu   sync.Mutex
	subs []subscription
}

// NewConn builds an unconnected Conn from the mqtt.* configuration keys.
func NewConn(cfg config.Config) *Conn {
	return &Conn{
		brokerURL:      cfg.GetString("mqtt.broker_url"),
		clientID:       cfg.GetString("mqtt.client_id"),
		username:       cfg.GetString("mqtt.username"),
		password:       cfg.GetString("mqtt.password"),
		keepAlive:      uint16(cfg.GetInt("mqtt.keep_alive_secs")),
		sessionExpiry:  uint32(cfg.GetInt("mqtt.session_expiry_secs")),
		connectTimeout: time.Duration(cfg.GetInt("mqtt.connect_timeout_secs")) * time.Second,
	}
}

// Start opens the broker connection and blocks until it is up or the
// connect timeout passes. autopaho keeps retrying in the background either
// way, so a timeout is logged, not fatal.
func (c *Conn) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.brokerURL)
	if err != nil {
		return errors.Wrapf(err, "invalid broker url %q", log.SanitizeURL(c.brokerURL))
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     c.keepAlive,
		SessionExpiryInterval:         c.sessionExpiry,
		CleanStartOnInitialConnection: false,
		ConnectUsername:               c.username,
		ConnectPassword:               []byte(c.password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			log.Infof("connected to broker %s", log.SanitizeURL(c.brokerURL))
			c.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			log.Warnf("broker connection error: %v", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" || brokerURL.Scheme == "tls" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return errors.Wrap(err, "broker connect")
	}
	c.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		c.dispatch(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		log.Warnf("broker connection not up yet, retrying in background: %v", err)
	}
	return nil
}

// resubscribe replays all registered filters. autopaho does not resend
// SUBSCRIBE packets after a reconnect.
func (c *Conn) resubscribe(cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, 0, len(subs))
	for _, s := range subs {
		opts = append(opts, paho.SubscribeOptions{Topic: s.filter, QoS: s.qos})
	}

	subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		log.Errorf("broker resubscribe failed: %v", err)
	}
}

func (c *Conn) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		if !MatchTopic(s.filter, topic) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("message handler for %s panicked: %v", topic, r)
				}
			}()
			s.handler(topic, payload)
		}()
	}
}

// Publish sends one message to the broker.
func (c *Conn) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if c.cm == nil {
		return errors.New("broker connection not started")
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return errors.Wrapf(err, "publish to %s", topic)
}

// Subscribe registers a handler for a topic filter and sends the SUBSCRIBE
// packet when the connection is up.
func (c *Conn) Subscribe(ctx context.Context, filter string, qos byte, h Handler) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}

	c.mu.Lock()
	c.subs = append(c.subs, subscription{filter: filter, qos: qos, handler: h})
	c.mu.Unlock()

	if c.cm == nil {
		return errors.New("broker connection not started")
	}
	_, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
	})
	return errors.Wrapf(err, "subscribe to %s", filter)
}

// Disconnect closes the broker connection.
func (c *Conn) Disconnect(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}
