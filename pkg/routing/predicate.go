// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package routing

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Predicate operator keys, literal strings from the payload filter grammar.
const (
	opGT  = "$gt"
	opGTE = "$gte"
	opLT  = "$lt"
	opLTE = "$lte"
	opEQ  = "$eq"
	opNE  = "$ne"
)

// EvalPredicate evaluates a payload filter against the raw envelope JSON.
// The filter maps keys to either a scalar (exact match) or an
// operator-object; all entries must hold. Keys resolve in payload.metrics
// first, then at the payload root; an absent key fails the predicate.
// A malformed filter fails closed.
func EvalPredicate(filter json.RawMessage, payload []byte) bool {
	if len(filter) == 0 {
		return true
	}

	var entries map[string]json.RawMessage
	if err := jsonCodec.Unmarshal(filter, &entries); err != nil {
		return false
	}

	for key, want := range entries {
		got := resolveKey(payload, key)
		if !got.Exists() {
			return false
		}
		if !evalEntry(want, got) {
			return false
		}
	}
	return true
}

// ValidatePredicate shape-checks a payload filter at route create/update
// time: operator objects may only carry the six known operators, and
// ordering operators need numeric operands.
func ValidatePredicate(filter json.RawMessage) error {
	if len(filter) == 0 {
		return nil
	}

	var entries map[string]json.RawMessage
	if err := jsonCodec.Unmarshal(filter, &entries); err != nil {
		return errors.Wrap(err, "payload filter is not a JSON object")
	}

	for key, want := range entries {
		if !gjson.ValidBytes(want) {
			return errors.Errorf("payload filter %q has an invalid value", key)
		}
		parsed := gjson.ParseBytes(want)
		if parsed.IsObject() {
			var ops map[string]json.RawMessage
			if err := jsonCodec.Unmarshal(want, &ops); err != nil {
				return errors.Wrapf(err, "payload filter %q", key)
			}
			if len(ops) == 0 {
				return errors.Errorf("payload filter %q has an empty operator object", key)
			}
			for op, operand := range ops {
				switch op {
				case opEQ, opNE:
				case opGT, opGTE, opLT, opLTE:
					if gjson.ParseBytes(operand).Type != gjson.Number {
						return errors.Errorf("payload filter %q: %s needs a numeric operand", key, op)
					}
				default:
					return errors.Errorf("payload filter %q has unknown operator %q", key, op)
				}
			}
		}
	}
	return nil
}

// resolveKey looks the key up under metrics first, then at the root.
func resolveKey(payload []byte, key string) gjson.Result {
	if r := gjson.GetBytes(payload, "metrics."+escapeGJSONPath(key)); r.Exists() {
		return r
	}
	return gjson.GetBytes(payload, escapeGJSONPath(key))
}

// escapeGJSONPath keeps metric keys containing dots addressing a single
// JSON field rather than a nested path.
func escapeGJSONPath(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' || key[i] == '*' || key[i] == '?' || key[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

func evalEntry(want json.RawMessage, got gjson.Result) bool {
	parsed := gjson.ParseBytes(want)
	if !parsed.IsObject() {
		return scalarEqual(parsed, got)
	}

	ok := true
	parsed.ForEach(func(op, operand gjson.Result) bool {
		switch op.String() {
		case opEQ:
			ok = scalarEqual(operand, got)
		case opNE:
			ok = !scalarEqual(operand, got)
		case opGT:
			ok = bothNumeric(operand, got) && got.Num > operand.Num
		case opGTE:
			ok = bothNumeric(operand, got) && got.Num >= operand.Num
		case opLT:
			ok = bothNumeric(operand, got) && got.Num < operand.Num
		case opLTE:
			ok = bothNumeric(operand, got) && got.Num <= operand.Num
		default:
			ok = false
		}
		return ok // stop on first failing operator
	})
	return ok
}

func scalarEqual(want, got gjson.Result) bool {
	switch want.Type {
	case gjson.Number:
		return got.Type == gjson.Number && got.Num == want.Num
	case gjson.String:
		return got.Type == gjson.String && got.Str == want.Str
	case gjson.True, gjson.False:
		return (got.Type == gjson.True || got.Type == gjson.False) && got.Bool() == want.Bool()
	case gjson.Null:
		return got.Type == gjson.Null
	}
	return false
}

func bothNumeric(operand, got gjson.Result) bool {
	return operand.Type == gjson.Number && got.Type == gjson.Number
}
