// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqttclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFilter(t *testing.T) {
	valid := []string{
		"tenant/+/device/+/telemetry",
		"tenant/T1/device/D1/telemetry",
		"#",
		"tenant/#",
		"+",
		"+/+/#",
	}
	for _, f := range valid {
		assert.NoError(t, ValidateFilter(f), "filter %q", f)
	}

	invalid := []string{
		"",
		"tenant/#/device",
		"tenant/a#",
		"tenant/#b",
		"tenant/a+/device",
		"tenant/+b/device",
	}
	for _, f := range invalid {
		assert.Error(t, ValidateFilter(f), "filter %q", f)
	}
}

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"tenant/+/device/+/telemetry", "tenant/T1/device/D1/telemetry", true},
		{"tenant/+/device/+/telemetry", "tenant/T1/device/D1/heartbeat", false},
		{"tenant/+/device/+/telemetry", "tenant/T1/device/telemetry", false},
		{"tenant/T1/#", "tenant/T1/device/D1/telemetry", true},
		{"tenant/T1/#", "tenant/T2/device/D1/telemetry", false},
		{"tenant/T1/#", "tenant/T1", true}, // '#' also matches the parent level
		{"#", "anything/at/all", true},
		{"tenant/+", "tenant/T1", true},
		{"tenant/+", "tenant", false},
		{"tenant/+", "tenant/T1/x", false},
		{"tenant/T1/device/D1/telemetry", "tenant/T1/device/D1/telemetry", true},
		{"tenant/T1/device/D1/telemetry", "tenant/t1/device/D1/telemetry", false}, // byte-exact
	}

	for _, c := range cases {
		assert.Equal(t, c.match, MatchTopic(c.filter, c.topic), "filter %q topic %q", c.filter, c.topic)
	}
}

func TestMemoryBroker(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	var got []string
	require.NoError(t, b.Subscribe(ctx, "tenant/+/device/+/+", 1, func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	}))

	require.NoError(t, b.Publish(ctx, "tenant/T1/device/D1/telemetry", 1, false, []byte("x")))
	require.NoError(t, b.Publish(ctx, "other/topic", 1, false, []byte("y")))

	require.Len(t, got, 1)
	assert.Equal(t, "tenant/T1/device/D1/telemetry=x", got[0])
	assert.Len(t, b.Published(), 2)
}
