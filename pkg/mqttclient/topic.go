// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqttclient

import (
	"strings"

	"github.com/pkg/errors"
)

// ValidateFilter checks an MQTT topic filter against the 3.1.1 grammar:
// `+` matches exactly one segment, `#` matches the remaining segments and
// may only appear as the last segment, and both must occupy an entire
// segment.
func ValidateFilter(filter string) error {
	if filter == "" {
		return errors.New("topic filter is empty")
	}
	segments := strings.Split(filter, "/")
	for i, seg := range segments {
		switch {
		case seg == "#":
			if i != len(segments)-1 {
				return errors.Errorf("'#' must be the last segment in %q", filter)
			}
		case strings.Contains(seg, "#"), strings.Contains(seg, "+") && seg != "+":
			return errors.Errorf("wildcard must occupy an entire segment in %q", filter)
		}
	}
	return nil
}

// MatchTopic reports whether a concrete topic matches a filter. Plain
// segments compare byte-exact; an invalid filter matches nothing.
func MatchTopic(filter, topic string) bool {
	if ValidateFilter(filter) != nil {
		return false
	}

	fSegs := strings.Split(filter, "/")
	tSegs := strings.Split(topic, "/")

	for i, fs := range fSegs {
		if fs == "#" {
			// zero or more remaining segments
			return true
		}
		if i >= len(tSegs) {
			return false
		}
		if fs == "+" {
			continue
		}
		if fs != tSegs[i] {
			return false
		}
	}
	return len(fSegs) == len(tSegs)
}
