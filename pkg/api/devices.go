// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) installDeviceEndpoints(r *mux.Router) {
	r.HandleFunc("/devices", s.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.provisionDevice).Methods(http.MethodPost)
	r.HandleFunc("/devices/{deviceId}", s.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/devices/{deviceId}/revoke", s.revokeDevice).Methods(http.MethodPost)
	r.HandleFunc("/devices/{deviceId}/decommission", s.decommissionDevice).Methods(http.MethodPost)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Control.ListDevices(r.Context(), principalFrom(r), tenantParam(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceList(recs))
}

// provisionDevice registers a device and returns its credential. The
// secret appears in this response only; later reads redact it.
func (s *Server) provisionDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rec, err := s.deps.Control.ProvisionDevice(r.Context(), principalFrom(r), req.toRecord())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeviceJSON(rec))
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Control.GetDevice(r.Context(), principalFrom(r), tenantParam(r), mux.Vars(r)["deviceId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceJSON(rec))
}

func (s *Server) revokeDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.RevokeDevice(r.Context(), principalFrom(r), tenantParam(r), mux.Vars(r)["deviceId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decommissionDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.DecommissionDevice(r.Context(), principalFrom(r), tenantParam(r), mux.Vars(r)["deviceId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
