// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package alerting

import (
	"fmt"

	"github.com/twmb/murmur3"
)

// Fingerprint derives the dedup key for one (tenant, device, rule) triple.
// Rule value changes do not move the fingerprint; deleting and recreating a
// rule does, because the ruleId changes.
func Fingerprint(tenantID, deviceID, ruleID string) string {
	h1, h2 := murmur3.StringSum128(tenantID + "\x00" + deviceID + "\x00" + ruleID)
	return fmt.Sprintf("%016x%016x", h1, h2)
}
