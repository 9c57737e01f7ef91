// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/iot-platform/pkg/controlplane"
	"github.com/DataDog/iot-platform/pkg/message"
	"github.com/DataDog/iot-platform/pkg/registry"
	"github.com/DataDog/iot-platform/pkg/storage"
)

// The wire shapes below follow the platform's JSON conventions: camelCase
// keys and ISO-8601 UTC timestamps with a trailing Z. Optional timestamps
// are omitted while zero.

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	if err := jsonCodec.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.Wrapf(controlplane.ErrInvalid, "request body: %v", err)
	}
	return nil
}

// tenantParam is the tenant selector operators pass on cross-tenant calls.
// Tenant principals leave it empty and stay pinned to their own rows.
func tenantParam(r *http.Request) string {
	return r.URL.Query().Get("tenant")
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(controlplane.ErrInvalid, "%s must be an integer", name)
	}
	return n, nil
}

type alertJSON struct {
	AlertID     string          `json:"alertId"`
	TenantID    string          `json:"tenantId"`
	DeviceID    string          `json:"deviceId"`
	AlertType   string          `json:"alertType"`
	Severity    int             `json:"severity"`
	Status      string          `json:"status"`
	Silenced    bool            `json:"silenced"`
	Summary     string          `json:"summary"`
	Fingerprint string          `json:"fingerprint"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ClosedAt    *time.Time      `json:"closedAt,omitempty"`
}

func toAlertJSON(a *storage.FleetAlert) alertJSON {
	return alertJSON{
		AlertID:     a.AlertID,
		TenantID:    a.TenantID,
		DeviceID:    a.DeviceID,
		AlertType:   a.AlertType,
		Severity:    a.Severity,
		Status:      string(a.Status),
		Silenced:    a.Silenced,
		Summary:     a.Summary,
		Fingerprint: a.Fingerprint,
		Details:     a.Details,
		CreatedAt:   a.CreatedAt.UTC(),
		ClosedAt:    optTime(a.ClosedAt),
	}
}

func toAlertList(alerts []storage.FleetAlert) []alertJSON {
	out := make([]alertJSON, 0, len(alerts))
	for i := range alerts {
		out = append(out, toAlertJSON(&alerts[i]))
	}
	return out
}

type ruleJSON struct {
	RuleID     string    `json:"ruleId"`
	TenantID   string    `json:"tenantId"`
	Name       string    `json:"name"`
	MetricName string    `json:"metricName"`
	Operator   string    `json:"operator"`
	Threshold  float64   `json:"threshold"`
	Severity   int       `json:"severity"`
	SiteFilter []string  `json:"siteFilter,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func toRuleJSON(rule *storage.AlertRule) ruleJSON {
	return ruleJSON{
		RuleID:     rule.RuleID,
		TenantID:   rule.TenantID,
		Name:       rule.Name,
		MetricName: rule.MetricName,
		Operator:   string(rule.Operator),
		Threshold:  rule.Threshold,
		Severity:   rule.Severity,
		SiteFilter: rule.SiteFilter,
		Enabled:    rule.Enabled,
		CreatedAt:  rule.CreatedAt.UTC(),
		UpdatedAt:  rule.UpdatedAt.UTC(),
	}
}

func toRuleList(rules []storage.AlertRule) []ruleJSON {
	out := make([]ruleJSON, 0, len(rules))
	for i := range rules {
		out = append(out, toRuleJSON(&rules[i]))
	}
	return out
}

// ruleRequest is the create/update body. Updates replace the whole
// definition; the id comes from the path.
type ruleRequest struct {
	TenantID   string   `json:"tenantId"`
	Name       string   `json:"name"`
	MetricName string   `json:"metricName"`
	Operator   string   `json:"operator"`
	Threshold  float64  `json:"threshold"`
	Severity   int      `json:"severity"`
	SiteFilter []string `json:"siteFilter"`
	Enabled    bool     `json:"enabled"`
}

func (req *ruleRequest) toRule(ruleID string) *storage.AlertRule {
	return &storage.AlertRule{
		RuleID:     ruleID,
		TenantID:   req.TenantID,
		Name:       req.Name,
		MetricName: req.MetricName,
		Operator:   storage.RuleOperator(req.Operator),
		Threshold:  req.Threshold,
		Severity:   req.Severity,
		SiteFilter: req.SiteFilter,
		Enabled:    req.Enabled,
	}
}

type routeJSON struct {
	RouteID           string          `json:"routeId"`
	TenantID          string          `json:"tenantId"`
	Name              string          `json:"name"`
	TopicFilter       string          `json:"topicFilter"`
	DestinationType   string          `json:"destinationType"`
	DestinationConfig json.RawMessage `json:"destinationConfig,omitempty"`
	PayloadFilter     json.RawMessage `json:"payloadFilter,omitempty"`
	Enabled           bool            `json:"enabled"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func toRouteJSON(route *storage.MessageRoute) routeJSON {
	return routeJSON{
		RouteID:           route.RouteID,
		TenantID:          route.TenantID,
		Name:              route.Name,
		TopicFilter:       route.TopicFilter,
		DestinationType:   string(route.DestinationType),
		DestinationConfig: route.DestinationConfig,
		PayloadFilter:     route.PayloadFilter,
		Enabled:           route.Enabled,
		CreatedAt:         route.CreatedAt.UTC(),
		UpdatedAt:         route.UpdatedAt.UTC(),
	}
}

func toRouteList(routes []storage.MessageRoute) []routeJSON {
	out := make([]routeJSON, 0, len(routes))
	for i := range routes {
		out = append(out, toRouteJSON(&routes[i]))
	}
	return out
}

type routeRequest struct {
	TenantID          string          `json:"tenantId"`
	Name              string          `json:"name"`
	TopicFilter       string          `json:"topicFilter"`
	DestinationType   string          `json:"destinationType"`
	DestinationConfig json.RawMessage `json:"destinationConfig"`
	PayloadFilter     json.RawMessage `json:"payloadFilter"`
	Enabled           bool            `json:"enabled"`
}

func (req *routeRequest) toRoute(routeID string) *storage.MessageRoute {
	return &storage.MessageRoute{
		RouteID:           routeID,
		TenantID:          req.TenantID,
		Name:              req.Name,
		TopicFilter:       req.TopicFilter,
		DestinationType:   storage.RouteDestination(req.DestinationType),
		DestinationConfig: req.DestinationConfig,
		PayloadFilter:     req.PayloadFilter,
		Enabled:           req.Enabled,
	}
}

type routeTestRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Probe   bool            `json:"probe"`
}

type routeTestJSON struct {
	TopicMatched   bool   `json:"topicMatched"`
	PayloadMatched bool   `json:"payloadMatched"`
	WouldDispatch  bool   `json:"wouldDispatch"`
	Probed         bool   `json:"probed"`
	ProbeError     string `json:"probeError,omitempty"`
}

func toRouteTestJSON(res *controlplane.RouteTestResult) routeTestJSON {
	return routeTestJSON{
		TopicMatched:   res.TopicMatched,
		PayloadMatched: res.PayloadMatched,
		WouldDispatch:  res.WouldDispatch,
		Probed:         res.Probed,
		ProbeError:     res.ProbeError,
	}
}

type integrationJSON struct {
	IntegrationID string          `json:"integrationId"`
	TenantID      string          `json:"tenantId"`
	Kind          string          `json:"kind"`
	Name          string          `json:"name"`
	Config        json.RawMessage `json:"config,omitempty"`
	Enabled       bool            `json:"enabled"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func toIntegrationJSON(in *storage.Integration) integrationJSON {
	return integrationJSON{
		IntegrationID: in.IntegrationID,
		TenantID:      in.TenantID,
		Kind:          string(in.Kind),
		Name:          in.Name,
		Config:        in.Config,
		Enabled:       in.Enabled,
		CreatedAt:     in.CreatedAt.UTC(),
		UpdatedAt:     in.UpdatedAt.UTC(),
	}
}

func toIntegrationList(ins []storage.Integration) []integrationJSON {
	out := make([]integrationJSON, 0, len(ins))
	for i := range ins {
		out = append(out, toIntegrationJSON(&ins[i]))
	}
	return out
}

type integrationRequest struct {
	TenantID string          `json:"tenantId"`
	Kind     string          `json:"kind"`
	Name     string          `json:"name"`
	Config   json.RawMessage `json:"config"`
	Enabled  bool            `json:"enabled"`
}

func (req *integrationRequest) toIntegration(integrationID string) *storage.Integration {
	return &storage.Integration{
		IntegrationID: integrationID,
		TenantID:      req.TenantID,
		Kind:          storage.IntegrationKind(req.Kind),
		Name:          req.Name,
		Config:        req.Config,
		Enabled:       req.Enabled,
	}
}

type jobJSON struct {
	JobID             string          `json:"jobId"`
	TenantID          string          `json:"tenantId"`
	AlertID           string          `json:"alertId,omitempty"`
	MessageRef        string          `json:"messageRef,omitempty"`
	IntegrationID     string          `json:"integrationId,omitempty"`
	RouteID           string          `json:"routeId,omitempty"`
	Kind              string          `json:"kind"`
	DestinationConfig json.RawMessage `json:"destinationConfig,omitempty"`
	Event             json.RawMessage `json:"event,omitempty"`
	Status            string          `json:"status"`
	Attempts          int             `json:"attempts"`
	NextAttemptAt     time.Time       `json:"nextAttemptAt"`
	LastError         string          `json:"lastError,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

func toJobJSON(job *storage.DeliveryJob) jobJSON {
	return jobJSON{
		JobID:             job.JobID,
		TenantID:          job.TenantID,
		AlertID:           job.AlertID,
		MessageRef:        job.MessageRef,
		IntegrationID:     job.IntegrationID,
		RouteID:           job.RouteID,
		Kind:              string(job.Kind),
		DestinationConfig: job.DestinationConfig,
		Event:             job.Event,
		Status:            string(job.Status),
		Attempts:          job.Attempts,
		NextAttemptAt:     job.NextAttemptAt.UTC(),
		LastError:         job.LastError,
		CreatedAt:         job.CreatedAt.UTC(),
	}
}

type deadLetterJSON struct {
	DLQID             string          `json:"dlqId"`
	TenantID          string          `json:"tenantId"`
	RouteID           string          `json:"routeId,omitempty"`
	IntegrationID     string          `json:"integrationId,omitempty"`
	OriginalTopic     string          `json:"originalTopic,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	DestinationType   string          `json:"destinationType"`
	DestinationConfig json.RawMessage `json:"destinationConfig,omitempty"`
	ErrorMessage      string          `json:"errorMessage"`
	Attempts          int             `json:"attempts"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"createdAt"`
	ReplayedAt        *time.Time      `json:"replayedAt,omitempty"`
}

func toDeadLetterJSON(rec *storage.DeadLetterRecord) deadLetterJSON {
	return deadLetterJSON{
		DLQID:             rec.DLQID,
		TenantID:          rec.TenantID,
		RouteID:           rec.RouteID,
		IntegrationID:     rec.IntegrationID,
		OriginalTopic:     rec.OriginalTopic,
		Payload:           rec.Payload,
		DestinationType:   string(rec.DestinationType),
		DestinationConfig: rec.DestinationConfig,
		ErrorMessage:      rec.ErrorMessage,
		Attempts:          rec.Attempts,
		Status:            string(rec.Status),
		CreatedAt:         rec.CreatedAt.UTC(),
		ReplayedAt:        optTime(rec.ReplayedAt),
	}
}

func toDeadLetterList(recs []storage.DeadLetterRecord) []deadLetterJSON {
	out := make([]deadLetterJSON, 0, len(recs))
	for i := range recs {
		out = append(out, toDeadLetterJSON(&recs[i]))
	}
	return out
}

type replayOutcomeJSON struct {
	DLQID string `json:"dlqId"`
	JobID string `json:"jobId,omitempty"`
	Error string `json:"error,omitempty"`
}

func toReplayOutcomeList(outcomes []controlplane.ReplayOutcome) []replayOutcomeJSON {
	out := make([]replayOutcomeJSON, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, replayOutcomeJSON{DLQID: o.DLQID, JobID: o.JobID, Error: o.Error})
	}
	return out
}

type quarantineJSON struct {
	QuarantineID int64     `json:"quarantineId"`
	TenantID     string    `json:"tenantId,omitempty"`
	DeviceID     string    `json:"deviceId,omitempty"`
	Topic        string    `json:"topic,omitempty"`
	Reason       string    `json:"reason"`
	Payload      []byte    `json:"payload,omitempty"`
	CapturedAt   time.Time `json:"capturedAt"`
}

func toQuarantineList(recs []storage.QuarantineRecord) []quarantineJSON {
	out := make([]quarantineJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, quarantineJSON{
			QuarantineID: rec.QuarantineID,
			TenantID:     rec.TenantID,
			DeviceID:     rec.DeviceID,
			Topic:        rec.Topic,
			Reason:       rec.Reason,
			Payload:      rec.Payload,
			CapturedAt:   rec.CapturedAt.UTC(),
		})
	}
	return out
}

type auditJSON struct {
	AuditID      int64     `json:"auditId"`
	Timestamp    time.Time `json:"timestamp"`
	OperatorID   string    `json:"operatorId"`
	Action       string    `json:"action"`
	TargetTenant string    `json:"targetTenant,omitempty"`
	RequestIP    string    `json:"requestIp,omitempty"`
	ResultCode   int       `json:"resultCode"`
}

func toAuditList(recs []storage.AuditRecord) []auditJSON {
	out := make([]auditJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, auditJSON{
			AuditID:      rec.AuditID,
			Timestamp:    rec.Timestamp.UTC(),
			OperatorID:   rec.OperatorID,
			Action:       rec.Action,
			TargetTenant: rec.TargetTenant,
			RequestIP:    rec.RequestIP,
			ResultCode:   rec.ResultCode,
		})
	}
	return out
}

type deviceJSON struct {
	TenantID         string     `json:"tenantId"`
	DeviceID         string     `json:"deviceId"`
	SiteID           string     `json:"siteId,omitempty"`
	Status           string     `json:"status"`
	Secret           string     `json:"secret,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	DecommissionedAt *time.Time `json:"decommissionedAt,omitempty"`
}

func toDeviceJSON(rec *registry.Record) deviceJSON {
	return deviceJSON{
		TenantID:         rec.TenantID,
		DeviceID:         rec.DeviceID,
		SiteID:           rec.SiteID,
		Status:           string(rec.Status),
		Secret:           rec.Secret,
		CreatedAt:        rec.CreatedAt.UTC(),
		DecommissionedAt: optTime(rec.DecommissionedAt),
	}
}

func toDeviceList(recs []registry.Record) []deviceJSON {
	out := make([]deviceJSON, 0, len(recs))
	for i := range recs {
		out = append(out, toDeviceJSON(&recs[i]))
	}
	return out
}

type deviceRequest struct {
	TenantID string `json:"tenantId"`
	DeviceID string `json:"deviceId"`
	SiteID   string `json:"siteId"`
	Secret   string `json:"secret"`
}

func (req *deviceRequest) toRecord() *registry.Record {
	return &registry.Record{
		TenantID: req.TenantID,
		DeviceID: req.DeviceID,
		SiteID:   req.SiteID,
		Secret:   req.Secret,
	}
}

// streamFrame is one live-stream event. The envelope kind travels as the
// SSE event name.
type streamFrame struct {
	TenantID   string                         `json:"tenantId"`
	DeviceID   string                         `json:"deviceId"`
	Topic      string                         `json:"topic"`
	SiteID     string                         `json:"siteId,omitempty"`
	Seq        int64                          `json:"seq,omitempty"`
	TS         *time.Time                     `json:"ts,omitempty"`
	ReceivedAt time.Time                      `json:"receivedAt"`
	Metrics    map[string]message.MetricValue `json:"metrics,omitempty"`
}

func toStreamFrame(env *message.Envelope) streamFrame {
	return streamFrame{
		TenantID:   env.TenantID,
		DeviceID:   env.DeviceID,
		Topic:      env.Topic,
		SiteID:     env.SiteID,
		Seq:        env.Seq,
		TS:         optTime(env.TS),
		ReceivedAt: env.ReceivedAt.UTC(),
		Metrics:    env.Metrics,
	}
}
