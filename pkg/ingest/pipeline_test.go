// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/iot-platform/pkg/config"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/registry"
)

type fakeRegistryStore struct {
	mu      sync.Mutex
	records map[string]*registry.Record
}

func (s *fakeRegistryStore) LookupDevice(_ context.Context, tenantID, deviceID string) (*registry.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[registry.Key(tenantID, deviceID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeRegistryStore) provision(rec *registry.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = map[string]*registry.Record{}
	}
	s.records[registry.Key(rec.TenantID, rec.DeviceID)] = rec
}

type recordingTap struct {
	mu   sync.Mutex
	envs []*message.Envelope
}

func (t *recordingTap) HandleAccepted(_ context.Context, env *message.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.envs = append(t.envs, env)
}

func (t *recordingTap) accepted() []*message.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*message.Envelope(nil), t.envs...)
}

type recordingLiveness struct {
	mu         sync.Mutex
	telemetry  int
	heartbeats int
}

func (l *recordingLiveness) ObserveTelemetry(context.Context, *message.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.telemetry++
}

func (l *recordingLiveness) ObserveHeartbeat(context.Context, *message.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.heartbeats++
}

func (l *recordingLiveness) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.telemetry, l.heartbeats
}

type pipelineHarness struct {
	cfg      *config.MockConfig
	mock     *clock.Mock
	reg      *fakeRegistryStore
	ts       *fakeTSStore
	quar     *fakeQuarantineStore
	tap      *recordingTap
	liveness *recordingLiveness
	pipeline *Pipeline
}

func newPipelineHarness(t *testing.T, tune func(cfg *config.MockConfig)) *pipelineHarness {
	h := &pipelineHarness{
		cfg:      config.Mock(),
		mock:     clock.NewMock(),
		reg:      &fakeRegistryStore{},
		ts:       &fakeTSStore{},
		quar:     &fakeQuarantineStore{},
		tap:      &recordingTap{},
		liveness: &recordingLiveness{},
	}
	h.cfg.Set("ingest_workers", 2)
	if tune != nil {
		tune(h.cfg)
	}

	auth := registry.NewAuthCache(h.cfg, h.reg, h.mock)
	quarantine := NewQuarantine(h.quar, h.mock)
	writer := NewBatchWriter(h.cfg, h.ts, quarantine, h.mock)
	writer.retryDelay = 0
	h.pipeline = NewPipeline(h.cfg, auth, writer, quarantine, h.liveness, h.mock, h.tap)
	h.pipeline.Start()
	t.Cleanup(func() { h.stop(t) })

	h.reg.provision(&registry.Record{
		TenantID: "T1", DeviceID: "D1", SiteID: "S1",
		Status: registry.StatusActive, Secret: "sekrit",
	})
	return h
}

func (h *pipelineHarness) stop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pipeline.Stop(ctx))
}

func (h *pipelineHarness) process(t *testing.T, in *Inbound) *message.RejectError {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rej, err := h.pipeline.Process(ctx, in)
	require.NoError(t, err)
	return rej
}

func telemetryInbound(raw string) *Inbound {
	return &Inbound{
		TenantID: "T1",
		DeviceID: "D1",
		Kind:     message.KindTelemetry,
		Topic:    "tenant/T1/device/D1/telemetry",
		Raw:      []byte(raw),
	}
}

func TestPipelineAcceptTelemetry(t *testing.T) {
	h := newPipelineHarness(t, nil)

	rej := h.process(t, telemetryInbound(`{"siteId":"S1","seq":1,"metrics":{"temp":21.5,"door_open":true}}`))
	require.Nil(t, rej)

	h.stop(t)
	points := h.ts.pointsFor("T1")
	assert.Len(t, points, 2)

	envs := h.tap.accepted()
	require.Len(t, envs, 1)
	assert.Equal(t, "T1", envs[0].TenantID)
	assert.Equal(t, "D1", envs[0].DeviceID)
	assert.Equal(t, message.KindTelemetry, envs[0].Kind)
	assert.Equal(t, "S1", envs[0].SiteID)
	assert.Equal(t, int64(1), envs[0].Seq)

	telemetry, heartbeats := h.liveness.counts()
	assert.Equal(t, 1, telemetry)
	assert.Equal(t, 0, heartbeats)
	assert.Empty(t, h.quar.records())
}

func TestPipelineUnknownDevice(t *testing.T) {
	h := newPipelineHarness(t, nil)

	in := telemetryInbound(`{"siteId":"S1","seq":1,"metrics":{"temp":1}}`)
	in.DeviceID = "ghost"
	rej := h.process(t, in)
	require.NotNil(t, rej)
	assert.Equal(t, message.ReasonDeviceUnknown, rej.Reason)

	recs := h.quar.records()
	require.Len(t, recs, 1)
	assert.Equal(t, string(message.ReasonDeviceUnknown), recs[0].Reason)
	assert.Equal(t, "ghost", recs[0].DeviceID)

	h.stop(t)
	assert.Empty(t, h.ts.pointsFor("T1"))
}

func TestPipelineRevokedDevice(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.reg.provision(&registry.Record{
		TenantID: "T1", DeviceID: "D2", SiteID: "S1",
		Status: registry.StatusRevoked, Secret: "sekrit",
	})

	in := telemetryInbound(`{"siteId":"S1","seq":1,"metrics":{"temp":1}}`)
	in.DeviceID = "D2"
	rej := h.process(t, in)
	require.NotNil(t, rej)
	assert.Equal(t, message.ReasonDeviceRevoked, rej.Reason)
}

func TestPipelineProvisionToken(t *testing.T) {
	h := newPipelineHarness(t, nil)

	in := telemetryInbound(`{"siteId":"S1","seq":1,"metrics":{"temp":1}}`)
	in.HasSecret = true
	in.Secret = ""
	rej := h.process(t, in)
	require.NotNil(t, rej)
	assert.Equal(t, message.ReasonTokenMissing, rej.Reason)

	in = telemetryInbound(`{"siteId":"S1","seq":1,"metrics":{"temp":1}}`)
	in.HasSecret = true
	in.Secret = "wrong"
	rej = h.process(t, in)
	require.NotNil(t, rej)
	assert.Equal(t, message.ReasonTokenInvalid, rej.Reason)

	in = telemetryInbound(`{"siteId":"S1","seq":2,"metrics":{"temp":1}}`)
	in.HasSecret = true
	in.Secret = "sekrit"
	assert.Nil(t, h.process(t, in))
}

func TestPipelineSiteMismatch(t *testing.T) {
	h := newPipelineHarness(t, nil)

	rej := h.process(t, telemetryInbound(`{"siteId":"S9","seq":1,"metrics":{"temp":1}}`))
	require.NotNil(t, rej)
	assert.Equal(t, message.ReasonSiteMismatch, rej.Reason)

	recs := h.quar.records()
	require.Len(t, recs, 1)
	assert.Equal(t, string(message.ReasonSiteMismatch), recs[0].Reason)
}

func TestPipelineRateLimited(t *testing.T) {
	h := newPipelineHarness(t, func(cfg *config.MockConfig) {
		cfg.Set("rate_limit_quota", 2)
	})

	assert.Nil(t, h.process(t, telemetryInbound(`{"siteId":"S1","seq":1,"metrics":{"temp":1}}`)))
	assert.Nil(t, h.process(t, telemetryInbound(`{"siteId":"S1","seq":2,"metrics":{"temp":1}}`)))

	rej := h.process(t, telemetryInbound(`{"siteId":"S1","seq":3,"metrics":{"temp":1}}`))
	require.NotNil(t, rej)
	assert.Equal(t, message.ReasonRateLimited, rej.Reason)

	recs := h.quar.records()
	require.Len(t, recs, 1)
	assert.Equal(t, string(message.ReasonRateLimited), recs[0].Reason)
}

func TestPipelineHeartbeat(t *testing.T) {
	h := newPipelineHarness(t, nil)

	in := telemetryInbound(`{"siteId":"S1","seq":1,"metrics":{}}`)
	in.Kind = message.KindHeartbeat
	in.Topic = "tenant/T1/device/D1/heartbeat"
	require.Nil(t, h.process(t, in))

	h.stop(t)
	assert.Empty(t, h.ts.pointsFor("T1"), "heartbeats are not persisted")
	assert.Empty(t, h.tap.accepted(), "heartbeats are not routed or streamed")

	telemetry, heartbeats := h.liveness.counts()
	assert.Equal(t, 0, telemetry)
	assert.Equal(t, 1, heartbeats)
}

func TestPipelineShadow(t *testing.T) {
	h := newPipelineHarness(t, nil)

	in := telemetryInbound(`{"siteId":"S1","seq":1,"metrics":{"desired_temp":20}}`)
	in.Kind = message.KindShadow
	in.Topic = "tenant/T1/device/D1/shadow"
	require.Nil(t, h.process(t, in))

	h.stop(t)
	assert.Empty(t, h.ts.pointsFor("T1"), "shadow envelopes are not persisted as points")
	assert.Len(t, h.tap.accepted(), 1, "shadow envelopes are routed and streamed")
}

func TestPipelineSeqRegressionIsAdvisory(t *testing.T) {
	h := newPipelineHarness(t, nil)

	assert.Nil(t, h.process(t, telemetryInbound(`{"siteId":"S1","seq":5,"metrics":{"temp":1}}`)))
	assert.Nil(t, h.process(t, telemetryInbound(`{"siteId":"S1","seq":3,"metrics":{"temp":2}}`)),
		"a regressed sequence number is accepted")
}

func TestPipelineDevicePinning(t *testing.T) {
	h := newPipelineHarness(t, nil)

	lane := h.pipeline.laneFor("D1")
	for i := 0; i < 10; i++ {
		assert.Same(t, lane, h.pipeline.laneFor("D1"))
	}
}

func TestPipelineStopRejectsNewWork(t *testing.T) {
	h := newPipelineHarness(t, nil)
	h.stop(t)

	err := h.pipeline.Submit(context.Background(), telemetryInbound(`{"siteId":"S1","seq":1,"metrics":{"temp":1}}`))
	assert.ErrorIs(t, err, ErrStopped)
}
