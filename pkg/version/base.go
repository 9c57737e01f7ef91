// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package version defines the version of the platform
package version

// PlatformVersion contains the version of the platform.
// It is populated at build time using build flags.
var PlatformVersion string

// Commit is populated with the short commit hash from which the platform was built
var Commit string

var platformVersionDefault = "1.0.0"

func init() {
	if PlatformVersion == "" {
		PlatformVersion = platformVersionDefault
	}
}
