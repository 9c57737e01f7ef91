// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/streaming"
	"github.com/DataDog/iot-platform/pkg/util/log"
)

// streamKeepAlive is how often an idle stream emits an SSE comment so
// intermediaries don't reap the connection.
const streamKeepAlive = 15 * time.Second

// streamTelemetry serves accepted envelopes for one tenant as
// server-sent events. Filters narrow by device and metric name; the
// envelope kind travels as the SSE event name. Slow consumers lose
// frames rather than stalling ingestion.
func (s *Server) streamTelemetry(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	tenant := tenantParam(r)
	switch {
	case p.Operator() && tenant == "":
		writeError(w, http.StatusBadRequest, "operators must name a tenant to stream")
		return
	case tenant == "":
		tenant = p.TenantID
	case !p.Operator() && tenant != p.TenantID:
		writeError(w, http.StatusForbidden, fmt.Sprintf("tenant %s is not accessible", tenant))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported by this connection")
		return
	}

	query := r.URL.Query()
	sub, err := s.deps.Bus.Subscribe(tenant, streaming.Filter{
		DeviceIDs:   query["device"],
		MetricNames: query["metric"],
	})
	if err != nil {
		if errors.Is(err, streaming.ErrTooManySubscribers) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		s.writeInternalError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := s.clock.Ticker(streamKeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env, open := <-sub.C():
			if !open {
				return
			}
			data, err := jsonCodec.Marshal(toStreamFrame(env))
			if err != nil {
				log.Warnf("dropping stream frame for tenant %s: %v", tenant, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
