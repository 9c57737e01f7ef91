// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package routing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvalPredicate(t *testing.T) {
	payload := []byte(`{
		"siteId": "S1",
		"fw": "2.4.1",
		"metrics": {"temp_c": 92.5, "door_open": true, "mode": "eco", "humidity": 40}
	}`)

	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"empty filter matches", ``, true},
		{"numeric exact match", `{"temp_c": 92.5}`, true},
		{"numeric exact mismatch", `{"temp_c": 92}`, false},
		{"string exact match", `{"mode": "eco"}`, true},
		{"string exact mismatch", `{"mode": "max"}`, false},
		{"bool exact match", `{"door_open": true}`, true},
		{"bool exact mismatch", `{"door_open": false}`, false},
		{"string never equals number", `{"temp_c": "92.5"}`, false},
		{"gt holds", `{"temp_c": {"$gt": 80}}`, true},
		{"gt strict", `{"temp_c": {"$gt": 92.5}}`, false},
		{"gte boundary", `{"temp_c": {"$gte": 92.5}}`, true},
		{"lt holds", `{"humidity": {"$lt": 50}}`, true},
		{"lte boundary", `{"humidity": {"$lte": 40}}`, true},
		{"eq operator", `{"humidity": {"$eq": 40}}`, true},
		{"ne operator", `{"mode": {"$ne": "max"}}`, true},
		{"ne operator false", `{"mode": {"$ne": "eco"}}`, false},
		{"operators in one object AND", `{"temp_c": {"$gt": 80, "$lt": 95}}`, true},
		{"operators in one object AND fails", `{"temp_c": {"$gt": 80, "$lt": 90}}`, false},
		{"entries AND", `{"temp_c": {"$gt": 80}, "door_open": true}`, true},
		{"entries AND fails", `{"temp_c": {"$gt": 80}, "door_open": false}`, false},
		{"absent key fails", `{"pressure": {"$gt": 0}}`, false},
		{"root fallback", `{"siteId": "S1"}`, true},
		{"root fallback second key", `{"fw": "2.4.1"}`, true},
		{"ordering op on string fails", `{"mode": {"$gt": 1}}`, false},
		{"unknown operator fails", `{"temp_c": {"$like": 1}}`, false},
		{"malformed filter fails closed", `{"temp_c": `, false},
		{"non-object filter fails closed", `[1,2,3]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvalPredicate(json.RawMessage(tt.filter), payload))
		})
	}
}

func TestEvalPredicateResolvesMetricsFirst(t *testing.T) {
	// The key exists at the root and under metrics with different values;
	// the metrics one wins.
	payload := []byte(`{"temp_c": 10, "metrics": {"temp_c": 95}}`)
	assert.True(t, EvalPredicate(json.RawMessage(`{"temp_c": {"$gt": 90}}`), payload))
}

func TestEvalPredicateDottedKey(t *testing.T) {
	payload := []byte(`{"metrics": {"sensor.temp": 5}}`)
	assert.True(t, EvalPredicate(json.RawMessage(`{"sensor.temp": 5}`), payload))
}

func TestValidatePredicate(t *testing.T) {
	assert.NoError(t, ValidatePredicate(nil))
	assert.NoError(t, ValidatePredicate(json.RawMessage(`{"temp_c": {"$gt": 80}}`)))
	assert.NoError(t, ValidatePredicate(json.RawMessage(`{"mode": "eco", "door_open": true}`)))
	assert.NoError(t, ValidatePredicate(json.RawMessage(`{"mode": {"$ne": "eco"}}`)))

	assert.Error(t, ValidatePredicate(json.RawMessage(`[1]`)))
	assert.Error(t, ValidatePredicate(json.RawMessage(`{"temp_c": {"$like": 1}}`)))
	assert.Error(t, ValidatePredicate(json.RawMessage(`{"temp_c": {"$gt": "hot"}}`)))
	assert.Error(t, ValidatePredicate(json.RawMessage(`{"temp_c": {}}`)))
}
