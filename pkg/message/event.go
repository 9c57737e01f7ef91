// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package message

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event is the normalized JSON document shipped to external destinations:
// webhook bodies, MQTT publishes, and the variables behind SMTP and SNMP
// rendering. One Event describes either a fleet alert or a routed device
// message.
type Event struct {
	Type      string    `json:"type"` // "alert" or "telemetry"
	TenantID  string    `json:"tenantId"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Alert events
	AlertID   string `json:"alertId,omitempty"`
	AlertType string `json:"alertType,omitempty"`
	Severity  int    `json:"severity,omitempty"`
	Summary   string `json:"summary,omitempty"`

	// Routed device messages
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventTypeAlert and EventTypeTelemetry are the two event families.
const (
	EventTypeAlert     = "alert"
	EventTypeTelemetry = "telemetry"
)

// AlertEvent builds the delivery event for a fleet alert.
func AlertEvent(tenantID, deviceID, alertID, alertType, summary string, severity int, ts time.Time) *Event {
	return &Event{
		Type:      EventTypeAlert,
		TenantID:  tenantID,
		DeviceID:  deviceID,
		Timestamp: ts.UTC(),
		AlertID:   alertID,
		AlertType: alertType,
		Severity:  severity,
		Summary:   summary,
	}
}

// TelemetryEvent builds the delivery event for a routed device message.
func TelemetryEvent(e *Envelope) *Event {
	return &Event{
		Type:      EventTypeTelemetry,
		TenantID:  e.TenantID,
		DeviceID:  e.DeviceID,
		Timestamp: e.ReceivedAt.UTC(),
		Topic:     e.Topic,
		Payload:   json.RawMessage(e.Raw),
	}
}

// Marshal renders the event as its wire JSON. Timestamps serialize as
// ISO-8601 UTC with a trailing Z.
func (e *Event) Marshal() ([]byte, error) {
	return jsonCodec.Marshal(e)
}

// TemplateVars returns the substitution variables available to sender
// templates.
func (e *Event) TemplateVars() map[string]string {
	msg := e.Summary
	if msg == "" {
		msg = e.Topic
	}
	return map[string]string{
		"severity":   strconv.Itoa(e.Severity),
		"alert_type": e.AlertType,
		"device_id":  e.DeviceID,
		"message":    msg,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339),
	}
}

// ExpandTemplate substitutes {name} placeholders with the given variables.
// Unknown placeholders are left untouched.
func ExpandTemplate(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
