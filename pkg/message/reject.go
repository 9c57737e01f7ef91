// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package message

import "fmt"

// RejectReason is the machine-readable code attached to every rejected
// envelope. It ends up in the quarantine record and in the synchronous
// HTTP response body.
type RejectReason string

// Validation reasons
const (
	ReasonMalformedJSON        RejectReason = "MALFORMED_JSON"
	ReasonMissingRequiredField RejectReason = "MISSING_REQUIRED_FIELD"
	ReasonPayloadTooLarge      RejectReason = "PAYLOAD_TOO_LARGE"
	ReasonUnsupportedVersion   RejectReason = "UNSUPPORTED_VERSION"
	ReasonSiteMismatch         RejectReason = "SITE_MISMATCH"
	ReasonTooManyMetrics       RejectReason = "TOO_MANY_METRICS"
	ReasonMetricKeyInvalid     RejectReason = "METRIC_KEY_INVALID"
	ReasonMetricKeyTooLong     RejectReason = "METRIC_KEY_TOO_LONG"
	ReasonMetricValueInvalid   RejectReason = "METRIC_VALUE_INVALID"
	ReasonSeqMissing           RejectReason = "SEQ_MISSING"
)

// Rate limiting
const (
	ReasonRateLimited RejectReason = "RATE_LIMITED"
)

// Authentication reasons
const (
	ReasonTokenMissing  RejectReason = "TOKEN_MISSING"
	ReasonTokenInvalid  RejectReason = "TOKEN_INVALID"
	ReasonDeviceRevoked RejectReason = "DEVICE_REVOKED"
	ReasonDeviceUnknown RejectReason = "DEVICE_UNKNOWN"
)

// Infrastructure reasons
const (
	ReasonStoreWriteFailed RejectReason = "STORE_WRITE_FAILED"
)

// RejectError carries the reason an envelope was refused. Validation and
// auth failures are values, not panics; callers switch on the reason to
// build the device-facing response.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Reject builds a RejectError with a formatted detail.
func Reject(reason RejectReason, format string, args ...interface{}) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the reject reason from an error, if it carries one.
func ReasonOf(err error) (RejectReason, bool) {
	if err == nil {
		return "", false
	}
	if re, ok := err.(*RejectError); ok {
		return re.Reason, true
	}
	return "", false
}

// IsAuthReason reports whether the reason belongs to the authentication
// family, which maps to 401/403 on the HTTP ingest path.
func IsAuthReason(reason RejectReason) bool {
	switch reason {
	case ReasonTokenMissing, ReasonTokenInvalid, ReasonDeviceRevoked, ReasonDeviceUnknown:
		return true
	}
	return false
}
