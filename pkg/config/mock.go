// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import "strings"

// MockConfig should only be used in tests
type MockConfig struct {
	Config
}

// Mock returns a fresh config filled with the platform defaults, detached
// from the global Platform object so tests cannot leak settings into each
// other.
func Mock() *MockConfig {
	c := NewConfig("iot-platform-test", "IOT_TEST", strings.NewReplacer(".", "_"))
	initConfig(c)
	return &MockConfig{Config: c}
}
