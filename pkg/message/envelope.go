// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package message holds the data-plane types flowing through the ingest
// pipeline: the device telemetry envelope, the canonical time-series point
// and the outbound delivery event.
package message

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope limits, enforced by Decode.
const (
	// MaxPayloadBytes is the maximum accepted raw payload size.
	MaxPayloadBytes = 8192
	// MaxMetricsPerEnvelope caps the number of metric entries.
	MaxMetricsPerEnvelope = 50
	// MaxMetricKeyBytes caps the byte length of a metric name.
	MaxMetricKeyBytes = 128
)

// SupportedVersions is the set of accepted envelope versions. An absent
// version field means version "1".
var SupportedVersions = map[string]struct{}{"1": {}}

// Kind tells which device topic an envelope arrived on.
type Kind string

// Envelope kinds, matching the last topic segment.
const (
	KindTelemetry Kind = "telemetry"
	KindHeartbeat Kind = "heartbeat"
	KindShadow    Kind = "shadow"
)

// MetricValue is a tagged numeric-or-boolean variant. Devices publish both;
// storage and rule evaluation only deal in numerics, booleans map to 0/1.
type MetricValue struct {
	IsBool bool
	Num    float64
	Bool   bool
}

// NumericValue returns the value as a float64, mapping booleans to 0/1.
func (v MetricValue) NumericValue() float64 {
	if !v.IsBool {
		return v.Num
	}
	if v.Bool {
		return 1
	}
	return 0
}

// MarshalJSON renders the value back as the JSON scalar it came from.
func (v MetricValue) MarshalJSON() ([]byte, error) {
	if v.IsBool {
		return json.Marshal(v.Bool)
	}
	return json.Marshal(v.Num)
}

// Envelope is one validated device message, together with the ingest
// context it arrived with. TenantID and DeviceID come from the topic or the
// URL path, never from the payload.
type Envelope struct {
	TenantID   string
	DeviceID   string
	Kind       Kind
	Topic      string
	ReceivedAt time.Time

	Version string
	SiteID  string
	Seq     int64
	TS      time.Time // device clock, zero when absent
	Metrics map[string]MetricValue

	// Raw keeps the payload bytes for routing predicates, quarantine
	// capture and the live stream.
	Raw []byte
}

type envelopeBody struct {
	Version *string                    `json:"v"`
	SiteID  *string                    `json:"siteId"`
	Seq     *json.Number               `json:"seq"`
	TS      *string                    `json:"ts"`
	Metrics map[string]json.RawMessage `json:"metrics"`
}

// Decode parses and shape-checks a raw payload. The registry-dependent
// checks (site match, auth) happen later in the pipeline; everything local
// to the payload is enforced here, stopping at the first failure.
func Decode(raw []byte, maxBytes int) (*Envelope, *RejectError) {
	return DecodeForDevice(raw, maxBytes, "")
}

// DecodeForDevice is Decode plus the site check against the provisioning
// record: the declared siteId must equal registrySiteID. The check slots
// between field presence and metric well-formedness, so a site-mismatched
// envelope reports SITE_MISMATCH even when its metrics are also bad. An
// empty registrySiteID skips the check.
func DecodeForDevice(raw []byte, maxBytes int, registrySiteID string) (*Envelope, *RejectError) {
	if maxBytes <= 0 {
		maxBytes = MaxPayloadBytes
	}

	// The version gate comes before the size gate, so the version is read
	// with a raw lookup instead of a full parse.
	version := "1"
	if v := gjson.GetBytes(raw, "v"); v.Exists() {
		if v.Type != gjson.String {
			return nil, Reject(ReasonUnsupportedVersion, "envelope version must be a string")
		}
		version = v.String()
	}
	if _, ok := SupportedVersions[version]; !ok {
		return nil, Reject(ReasonUnsupportedVersion, "envelope version %q not supported", version)
	}

	if len(raw) > maxBytes {
		return nil, Reject(ReasonPayloadTooLarge, "payload is %d bytes, limit is %d", len(raw), maxBytes)
	}

	var body envelopeBody
	if err := jsonCodec.Unmarshal(raw, &body); err != nil {
		return nil, Reject(ReasonMalformedJSON, "payload is not a JSON envelope")
	}

	e := &Envelope{Version: version, Raw: raw}

	if body.SiteID == nil || *body.SiteID == "" {
		// An envelope that does not declare its site cannot match the
		// registry record.
		return nil, Reject(ReasonSiteMismatch, "siteId is required")
	}
	e.SiteID = *body.SiteID

	if body.Seq == nil {
		return nil, Reject(ReasonSeqMissing, "seq is required")
	}
	seq, err := body.Seq.Int64()
	if err != nil || seq < 0 {
		return nil, Reject(ReasonSeqMissing, "seq must be a non-negative integer")
	}
	e.Seq = seq

	if body.Metrics == nil {
		return nil, Reject(ReasonMissingRequiredField, "metrics object is required")
	}

	if registrySiteID != "" && e.SiteID != registrySiteID {
		return nil, Reject(ReasonSiteMismatch, "declared site %q, provisioned site %q", e.SiteID, registrySiteID)
	}

	metrics, rejErr := decodeMetrics(body.Metrics)
	if rejErr != nil {
		return nil, rejErr
	}
	e.Metrics = metrics

	if body.TS != nil && *body.TS != "" {
		ts, err := time.Parse(time.RFC3339, *body.TS)
		if err != nil {
			return nil, Reject(ReasonMalformedJSON, "ts is not an ISO-8601 timestamp")
		}
		e.TS = ts.UTC()
	}

	return e, nil
}

func decodeMetrics(raw map[string]json.RawMessage) (map[string]MetricValue, *RejectError) {
	if len(raw) > MaxMetricsPerEnvelope {
		return nil, Reject(ReasonTooManyMetrics, "%d metrics, limit is %d", len(raw), MaxMetricsPerEnvelope)
	}

	metrics := make(map[string]MetricValue, len(raw))
	for key, value := range raw {
		if len(key) > MaxMetricKeyBytes {
			return nil, Reject(ReasonMetricKeyTooLong, "metric key is %d bytes, limit is %d", len(key), MaxMetricKeyBytes)
		}
		if !ValidMetricKey(key) {
			return nil, Reject(ReasonMetricKeyInvalid, "metric key %q does not match the name grammar", key)
		}
		mv, ok := decodeMetricValue(value)
		if !ok {
			return nil, Reject(ReasonMetricValueInvalid, "metric %q must be a finite number or a boolean", key)
		}
		metrics[key] = mv
	}
	return metrics, nil
}

func decodeMetricValue(raw json.RawMessage) (MetricValue, bool) {
	s := string(raw)
	switch s {
	case "true":
		return MetricValue{IsBool: true, Bool: true}, true
	case "false":
		return MetricValue{IsBool: true, Bool: false}, true
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return MetricValue{}, false
	}
	return MetricValue{Num: f}, true
}

// ValidMetricKey checks the metric name grammar: leading alphabetic, then
// alphanumerics, underscore, dot, slash or dash. Control bytes never match.
func ValidMetricKey(key string) bool {
	if len(key) == 0 {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9'):
		case i > 0 && (c == '_' || c == '.' || c == '/' || c == '-'):
		default:
			return false
		}
	}
	return true
}

// ToPoints converts the envelope metrics into canonical time-series points.
// ingestTS orders the points in the store; the device clock only travels
// along as an attribute.
func (e *Envelope) ToPoints(ingestTS time.Time) []Point {
	points := make([]Point, 0, len(e.Metrics))
	for name, value := range e.Metrics {
		points = append(points, Point{
			TenantID: e.TenantID,
			DeviceID: e.DeviceID,
			SiteID:   e.SiteID,
			Metric:   name,
			Value:    value.NumericValue(),
			TS:       ingestTS.UTC(),
			DeviceTS: e.TS,
			Seq:      e.Seq,
		})
	}
	return points
}

// KindFromTopic extracts the message kind from the last topic segment,
// defaulting to telemetry.
func KindFromTopic(topic string) Kind {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			switch Kind(topic[i+1:]) {
			case KindHeartbeat:
				return KindHeartbeat
			case KindShadow:
				return KindShadow
			}
			return KindTelemetry
		}
	}
	return KindTelemetry
}
