// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) installIntegrationEndpoints(r *mux.Router) {
	r.HandleFunc("/integrations", s.listIntegrations).Methods(http.MethodGet)
	r.HandleFunc("/integrations", s.createIntegration).Methods(http.MethodPost)
	r.HandleFunc("/integrations/{integrationId}", s.getIntegration).Methods(http.MethodGet)
	r.HandleFunc("/integrations/{integrationId}", s.updateIntegration).Methods(http.MethodPut)
	r.HandleFunc("/integrations/{integrationId}", s.deleteIntegration).Methods(http.MethodDelete)
	r.HandleFunc("/integrations/{integrationId}/test", s.testIntegration).Methods(http.MethodPost)
}

func (s *Server) listIntegrations(w http.ResponseWriter, r *http.Request) {
	ins, err := s.deps.Control.ListIntegrations(r.Context(), principalFrom(r), tenantParam(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrationList(ins))
}

func (s *Server) createIntegration(w http.ResponseWriter, r *http.Request) {
	var req integrationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	in, err := s.deps.Control.CreateIntegration(r.Context(), principalFrom(r), req.toIntegration(""))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIntegrationJSON(in))
}

func (s *Server) getIntegration(w http.ResponseWriter, r *http.Request) {
	in, err := s.deps.Control.GetIntegration(r.Context(), principalFrom(r), mux.Vars(r)["integrationId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrationJSON(in))
}

func (s *Server) updateIntegration(w http.ResponseWriter, r *http.Request) {
	var req integrationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	in, err := s.deps.Control.UpdateIntegration(r.Context(), principalFrom(r), req.toIntegration(mux.Vars(r)["integrationId"]))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrationJSON(in))
}

func (s *Server) deleteIntegration(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.DeleteIntegration(r.Context(), principalFrom(r), mux.Vars(r)["integrationId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testIntegration enqueues a synthetic alert through the real delivery
// queue; 202 because the attempt itself runs on the workers.
func (s *Server) testIntegration(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Control.TestIntegration(r.Context(), principalFrom(r), mux.Vars(r)["integrationId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobJSON(job))
}
