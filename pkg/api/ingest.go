// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/ingest"
	"github.com/DataDog/iot-platform/pkg/message"
)

// provisionTokenHeader carries the device secret on the HTTP ingest path.
const provisionTokenHeader = "X-Provision-Token"

// rejectBody carries the reason code of a refused ingest.
type rejectBody struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// ingestTelemetry is the device-facing ingest endpoint. The pipeline
// lane's verdict picks the response: 202 on accept, 400 on validation
// rejects, 401 on token failures, 403 on revocation or site mismatch, 429
// with Retry-After on rate limiting.
func (s *Server) ingestTelemetry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID := vars["tenantId"]
	deviceID := vars["deviceId"]

	// One byte past the cap is enough for the validator to see the
	// oversize and reject with PAYLOAD_TOO_LARGE.
	raw, err := io.ReadAll(io.LimitReader(r.Body, s.payloadLimit+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rejectBody{
			Reason: string(message.ReasonMalformedJSON),
			Detail: "request body could not be read",
		})
		return
	}

	rej, err := s.deps.Ingest.Process(r.Context(), &ingest.Inbound{
		TenantID:  tenantID,
		DeviceID:  deviceID,
		Kind:      message.KindTelemetry,
		Topic:     ingestTopic(tenantID, deviceID),
		Secret:    r.Header.Get(provisionTokenHeader),
		HasSecret: true,
		Raw:       raw,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		s.writeInternalError(w, r, err)
		return
	}
	if rej == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if rej.Reason == message.ReasonRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSec))
	}
	writeJSON(w, rejectStatus(rej.Reason), rejectBody{Reason: string(rej.Reason), Detail: rej.Detail})
}

// ingestTopic mirrors the broker topic shape for the HTTP path, so routing
// predicates and quarantine capture see one topic grammar regardless of
// transport.
func ingestTopic(tenantID, deviceID string) string {
	return "tenant/" + tenantID + "/device/" + deviceID + "/telemetry"
}

// rejectStatus maps reject reasons onto the device API status contract.
func rejectStatus(reason message.RejectReason) int {
	switch reason {
	case message.ReasonTokenMissing, message.ReasonTokenInvalid, message.ReasonDeviceUnknown:
		return http.StatusUnauthorized
	case message.ReasonDeviceRevoked, message.ReasonSiteMismatch:
		return http.StatusForbidden
	case message.ReasonRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusBadRequest
}
