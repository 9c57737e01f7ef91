// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api serves the platform's HTTP surface: the device-facing
// telemetry ingest endpoint, the operator and customer REST API over the
// control plane, the live telemetry stream, and the process health and
// expvar endpoints.
package api

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/controlplane"
	"github.com/DataDog/iot-platform/pkg/ingest"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/streaming"
	"github.com/DataDog/iot-platform/pkg/util/log"
	"github.com/DataDog/iot-platform/pkg/version"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Ingestor is the synchronous ingest entry point. The pipeline implements
// it; the returned verdict picks the ingest response status.
type Ingestor interface {
	Process(ctx context.Context, in *ingest.Inbound) (*message.RejectError, error)
}

// Deps collects the components the server exposes over HTTP.
type Deps struct {
	Ingest   Ingestor
	Bus      *streaming.Bus
	Control  *controlplane.Service
	Verifier controlplane.TokenVerifier
}

// Server is the platform HTTP server. One instance serves the device
// ingest path, the operator REST API and the live stream on a single
// listener.
type Server struct {
	deps  Deps
	clock clock.Clock

	router   *mux.Router
	srv      *http.Server
	listener net.Listener

	addr          string
	payloadLimit  int64
	retryAfterSec int
}

// NewServer builds the server around its dependencies. It reads bind_host,
// api_port, server_timeout, payload_max_bytes, rate_limit_window_secs and
// api_trust_proxy_headers.
func NewServer(cfg config.Config, deps Deps, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		deps:          deps,
		clock:         clk,
		addr:          net.JoinHostPort(cfg.GetString("bind_host"), strconv.Itoa(cfg.GetInt("api_port"))),
		payloadLimit:  int64(cfg.GetInt("payload_max_bytes")),
		retryAfterSec: cfg.GetInt("rate_limit_window_secs"),
	}
	if s.payloadLimit <= 0 {
		s.payloadLimit = message.MaxPayloadBytes
	}
	s.router = s.buildRouter()

	root := s.recoverPanics(s.router)
	if cfg.GetBool("api_trust_proxy_headers") {
		root = handlers.ProxyHeaders(root)
	}
	timeout := time.Duration(cfg.GetInt("server_timeout")) * time.Second
	s.srv = &http.Server{
		Handler:     root,
		ReadTimeout: timeout,
		// WriteTimeout stays zero: the live stream holds its response open
		// for the life of the subscription.
		IdleTimeout: timeout,
	}
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ingest/v1/tenant/{tenantId}/device/{deviceId}/telemetry", s.ingestTelemetry).Methods(http.MethodPost)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/vars", expvar.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/version", s.version).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)
	s.installAlertEndpoints(api)
	s.installRuleEndpoints(api)
	s.installRouteEndpoints(api)
	s.installIntegrationEndpoints(api)
	s.installDeadLetterEndpoints(api)
	s.installDeviceEndpoints(api)
	api.HandleFunc("/audit", s.listAudit).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.streamTelemetry).Methods(http.MethodGet)
	return r
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start binds the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "binding API listener on %s", s.addr)
	}
	s.listener = ln
	log.Infof("API server listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API server stopped: %v", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests until the context expires. Live stream
// subscribers are cut by closing their request contexts.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Addr reports the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

type healthResponse struct {
	health.Status
	Counters map[string]int64 `json:"counters"`
}

// health reports component liveness and the platform counters. Probes key
// off the status code: 503 while any registered component is silent.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := health.GetStatus()
	code := http.StatusOK
	if !st.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: st, Counters: health.Counters()})
}

type versionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

func (s *Server) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{Version: version.PlatformVersion, Commit: version.Commit})
}

// internalError is the uniform 500 envelope. The cause never crosses the
// wire; the trace id ties the response to the logged stack.
type internalError struct {
	Detail  string `json:"detail"`
	TraceID string `json:"traceId"`
}

// recoverPanics turns handler panics into the 500 envelope. A crash while
// serving one request must not take the process down with it.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			traceID := uuid.NewString()
			log.Errorf("panic serving %s %s, trace %s: %v\n%s", r.Method, r.URL.Path, traceID, rec, debug.Stack())
			writeJSON(w, http.StatusInternalServerError, internalError{Detail: "Internal server error", TraceID: traceID})
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := uuid.NewString()
	log.Errorf("%s %s failed, trace %s: %+v", r.Method, r.URL.Path, traceID, err)
	writeJSON(w, http.StatusInternalServerError, internalError{Detail: "Internal server error", TraceID: traceID})
}

// writeServiceError renders a control plane error with its mapped status.
// Errors mapping to 500 are treated as unexpected and get the envelope.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := controlplane.StatusCode(err)
	if code == http.StatusInternalServerError {
		s.writeInternalError(w, r, err)
		return
	}
	writeError(w, code, err.Error())
}

// apiError is the error payload of non-2xx operator responses.
type apiError struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: apiError{Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = jsonCodec.NewEncoder(w).Encode(body)
}
