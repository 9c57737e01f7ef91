// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/controlplane"
	"github.com/DataDog/iot-platform/pkg/delivery"
	"github.com/DataDog/iot-platform/pkg/ingest"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/registry"
	"github.com/DataDog/iot-platform/pkg/status/health"
	"github.com/DataDog/iot-platform/pkg/storage"
	"github.com/DataDog/iot-platform/pkg/streaming"
	"github.com/DataDog/iot-platform/pkg/timeseries"
	"github.com/DataDog/iot-platform/pkg/version"
)

// Bearer tokens the fake verifier resolves. The operator token carries the
// operator role; tenant tokens pin their principal to one tenant.
const (
	tokenOperator = "tok-operator"
	tokenTenant1  = "tok-tenant-1"
	tokenTenant2  = "tok-tenant-2"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, raw string) (*controlplane.Principal, error) {
	switch raw {
	case tokenOperator:
		return &controlplane.Principal{Subject: "op-1", Role: controlplane.RoleOperator}, nil
	case tokenTenant1:
		return &controlplane.Principal{Subject: "user-t1", TenantID: "T1"}, nil
	case tokenTenant2:
		return &controlplane.Principal{Subject: "user-t2", TenantID: "T2"}, nil
	}
	return nil, errors.New("unknown token")
}

type fakeTSStore struct {
	mu       sync.Mutex
	byTenant map[string][]message.Point
}

func (s *fakeTSStore) WritePoints(_ context.Context, tenantID string, points []message.Point) (*timeseries.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byTenant == nil {
		s.byTenant = map[string][]message.Point{}
	}
	s.byTenant[tenantID] = append(s.byTenant[tenantID], points...)
	return &timeseries.WriteResult{Written: len(points)}, nil
}

func (s *fakeTSStore) QueryLatest(context.Context, string, string, []string, int) ([]message.Point, error) {
	return nil, nil
}

func (s *fakeTSStore) QueryRange(context.Context, string, string, []string, time.Time, time.Time, int) ([]message.Point, error) {
	return nil, nil
}

func (s *fakeTSStore) CountSince(context.Context, string, string, string, time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeTSStore) pointsFor(tenantID string) []message.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Point(nil), s.byTenant[tenantID]...)
}

// fakeReplayer replays ids it knows and reports ErrNotFound for the rest.
type fakeReplayer struct {
	mu   sync.Mutex
	jobs map[string]*storage.DeliveryJob
}

func (f *fakeReplayer) add(dlqID string) *storage.DeliveryJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = make(map[string]*storage.DeliveryJob)
	}
	job := &storage.DeliveryJob{JobID: uuid.NewString(), Status: storage.JobPending}
	f.jobs[dlqID] = job
	return job
}

func (f *fakeReplayer) Replay(_ context.Context, _ *storage.Scope, dlqID string) (*storage.DeliveryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[dlqID]
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "dead letter %s", dlqID)
	}
	return job, nil
}

type fakeProbe struct {
	mu       sync.Mutex
	requests []*delivery.Request
	result   delivery.Result
}

func (f *fakeProbe) Send(_ context.Context, req *delivery.Request) delivery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result
}

func (f *fakeProbe) sent() []*delivery.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*delivery.Request(nil), f.requests...)
}

// apiHarness runs the full HTTP stack against in-memory storage: real
// ingest pipeline, real control plane, real streaming bus, fake token
// verifier and fake outbound senders.
type apiHarness struct {
	cfg      *config.MockConfig
	mock     *clock.Mock
	mem      *storage.Memory
	ts       *fakeTSStore
	bus      *streaming.Bus
	pipeline *ingest.Pipeline
	control  *controlplane.Service
	replayer *fakeReplayer
	probe    *fakeProbe
	srv      *Server
}

func newAPIHarness(t *testing.T, tune func(cfg *config.MockConfig)) *apiHarness {
	t.Helper()
	h := &apiHarness{
		cfg:      config.Mock(),
		mock:     clock.NewMock(),
		ts:       &fakeTSStore{},
		replayer: &fakeReplayer{},
		probe:    &fakeProbe{result: delivery.Result{Success: true}},
	}
	h.mock.Set(time.Unix(1700000000, 0))
	h.cfg.Set("ingest_workers", 2)
	if tune != nil {
		tune(h.cfg)
	}
	h.mem = storage.NewMemoryWithClock(h.mock)

	auth := registry.NewAuthCache(h.cfg, h.mem, h.mock)
	quarantine := ingest.NewQuarantine(h.mem, h.mock)
	writer := ingest.NewBatchWriter(h.cfg, h.ts, quarantine, h.mock)
	h.bus = streaming.NewBus(h.cfg)
	h.pipeline = ingest.NewPipeline(h.cfg, auth, writer, quarantine, nil, h.mock, h.bus)
	h.pipeline.Start()
	t.Cleanup(func() { h.stopPipeline(t) })

	h.control = controlplane.NewService(controlplane.Deps{
		Scopes:       h.mem,
		Alerts:       h.mem,
		Rules:        h.mem,
		Routes:       h.mem,
		Integrations: h.mem,
		Devices:      h.mem,
		Jobs:         h.mem,
		DeadLetters:  h.mem,
		Quarantine:   h.mem,
		Audit:        h.mem,
		Guard:        delivery.NewGuard(),
		Replayer:     h.replayer,
		AuthCache:    auth,
		Probe:        h.probe,
	}, h.mock)

	h.srv = NewServer(h.cfg, Deps{
		Ingest:   h.pipeline,
		Bus:      h.bus,
		Control:  h.control,
		Verifier: fakeVerifier{},
	}, h.mock)

	ctx := context.Background()
	op, err := h.mem.Operator(ctx, storage.OperatorEntry{OperatorID: "seed", Action: "test.setup"})
	require.NoError(t, err)
	defer op.Close(ctx)
	for _, tenant := range []string{"T1", "T2"} {
		require.NoError(t, h.mem.CreateTenant(ctx, op, &storage.Tenant{TenantID: tenant, Status: storage.TenantActive}))
	}
	return h
}

func (h *apiHarness) stopPipeline(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pipeline.Stop(ctx))
}

// provision registers a device directly through the control plane, outside
// any request under test.
func (h *apiHarness) provision(t *testing.T, tenant, device, site, secret string) {
	t.Helper()
	_, err := h.control.ProvisionDevice(context.Background(),
		&controlplane.Principal{Subject: "seed", Role: controlplane.RoleOperator},
		&registry.Record{TenantID: tenant, DeviceID: device, SiteID: site, Secret: secret})
	require.NoError(t, err)
}

func (h *apiHarness) systemScope(t *testing.T) *storage.Scope {
	t.Helper()
	scope, err := h.mem.System(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { scope.Close(context.Background()) })
	return scope
}

// do runs one request through the full middleware chain. A []byte body is
// sent verbatim; any other non-nil body is marshaled to JSON.
func (h *apiHarness) do(t *testing.T, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch v := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(v)
	default:
		buf, err := json.Marshal(v)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), "body: %s", rec.Body.String())
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeInto(t, rec, &body)
	return body.Error.Message
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)

	id := health.Register("api-test-component")
	t.Cleanup(func() { _ = health.Deregister(id) })

	// Components are unhealthy until their first ping.
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, health.Ping(id))
	rec = h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Healthy   []string         `json:"healthy"`
		Unhealthy []string         `json:"unhealthy"`
		Counters  map[string]int64 `json:"counters"`
	}
	decodeInto(t, rec, &body)
	assert.Contains(t, body.Healthy, "api-test-component")
	assert.Empty(t, body.Unhealthy)
	assert.Contains(t, body.Counters, "Ingest.Received")
}

func TestVersionEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Version string `json:"version"`
	}
	decodeInto(t, rec, &body)
	assert.Equal(t, version.PlatformVersion, body.Version)
}

func TestVarsEndpoint(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/vars", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"platform"`)
}

func TestOperatorAPIRequiresBearerToken(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/alerts", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Equal(t, "bearer token required", errorMessage(t, rec))
}

func TestOperatorAPIRejectsUnknownToken(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/alerts", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid token", errorMessage(t, rec))
}

func TestUnknownRouteIs404(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/v1/does-not-exist", tokenTenant1, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestEndpointOnlyAcceptsPOST(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/ingest/v1/tenant/T1/device/D1/telemetry", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPanicTurnsInto500Envelope(t *testing.T) {
	h := newAPIHarness(t, nil)

	handler := h.srv.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body struct {
		Detail  string `json:"detail"`
		TraceID string `json:"traceId"`
	}
	decodeInto(t, rec, &body)
	assert.Equal(t, "Internal server error", body.Detail)
	_, err := uuid.Parse(body.TraceID)
	assert.NoError(t, err, "trace id is a UUID")
}

func TestServerStartStop(t *testing.T) {
	h := newAPIHarness(t, func(cfg *config.MockConfig) {
		cfg.Set("bind_host", "127.0.0.1")
		cfg.Set("api_port", 0)
	})

	require.NoError(t, h.srv.Start())
	addr := h.srv.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Stop(ctx))
}
