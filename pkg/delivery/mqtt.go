// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/message"
)

// MQTTConfig is the destination config of mqtt integrations. The topic
// accepts {tenantId} and {deviceId} plus the event template placeholders.
type MQTTConfig struct {
	Topic string `json:"topic" validate:"required"`
	QoS   byte   `json:"qos" validate:"lte=1"`
}

// Publisher publishes to the platform's broker connection.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// MQTTSender publishes the event JSON to a templated topic.
type MQTTSender struct {
	publisher Publisher
}

// NewMQTTSender returns an MQTT sender on the given broker connection.
func NewMQTTSender(publisher Publisher) *MQTTSender {
	return &MQTTSender{publisher: publisher}
}

// Send implements Sender.
func (s *MQTTSender) Send(ctx context.Context, req *Request) Result {
	var cfg MQTTConfig
	if err := jsonCodec.Unmarshal(req.Config, &cfg); err != nil {
		return terminal(errors.Wrap(err, "mqtt config"))
	}
	if cfg.Topic == "" {
		return terminal(errors.New("mqtt config has no topic"))
	}
	if cfg.QoS > 1 {
		return terminal(errors.Errorf("mqtt qos %d not supported", cfg.QoS))
	}

	vars := req.Event.TemplateVars()
	vars["tenantId"] = req.Event.TenantID
	vars["deviceId"] = req.Event.DeviceID
	topic := message.ExpandTemplate(cfg.Topic, vars)
	if strings.ContainsAny(topic, "+#") {
		return terminal(errors.Errorf("mqtt topic %q contains filter wildcards", topic))
	}

	if err := s.publisher.Publish(ctx, topic, cfg.QoS, false, req.Body); err != nil {
		// The broker connection reconnects on its own; publish failures
		// are worth retrying.
		return transient(errors.Wrap(err, "mqtt publish"))
	}
	return succeeded()
}
