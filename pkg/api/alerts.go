// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/DataDog/iot-platform/pkg/storage"
)

func (s *Server) installAlertEndpoints(r *mux.Router) {
	r.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{alertId}", s.getAlert).Methods(http.MethodGet)
	r.HandleFunc("/alerts/{alertId}/acknowledge", s.acknowledgeAlert).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{alertId}/close", s.closeAlert).Methods(http.MethodPost)
	r.HandleFunc("/alerts/{alertId}/silence", s.silenceAlert).Methods(http.MethodPost)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	alerts, err := s.deps.Control.ListAlerts(r.Context(), principalFrom(r), storage.AlertListFilter{
		TenantID: tenantParam(r),
		Status:   storage.AlertStatus(r.URL.Query().Get("status")),
		DeviceID: r.URL.Query().Get("device"),
		Limit:    limit,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertList(alerts))
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Control.GetAlert(r.Context(), principalFrom(r), mux.Vars(r)["alertId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertJSON(alert))
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.AcknowledgeAlert(r.Context(), principalFrom(r), mux.Vars(r)["alertId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.CloseAlert(r.Context(), principalFrom(r), mux.Vars(r)["alertId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type silenceRequest struct {
	Silenced bool `json:"silenced"`
}

func (s *Server) silenceAlert(w http.ResponseWriter, r *http.Request) {
	var req silenceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.deps.Control.SilenceAlert(r.Context(), principalFrom(r), mux.Vars(r)["alertId"], req.Silenced); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
