// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) installRuleEndpoints(r *mux.Router) {
	r.HandleFunc("/rules", s.listRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.createRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/{ruleId}", s.getRule).Methods(http.MethodGet)
	r.HandleFunc("/rules/{ruleId}", s.updateRule).Methods(http.MethodPut)
	r.HandleFunc("/rules/{ruleId}", s.deleteRule).Methods(http.MethodDelete)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Control.ListRules(r.Context(), principalFrom(r), tenantParam(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleList(rules))
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rule, err := s.deps.Control.CreateRule(r.Context(), principalFrom(r), req.toRule(""))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleJSON(rule))
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Control.GetRule(r.Context(), principalFrom(r), mux.Vars(r)["ruleId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleJSON(rule))
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	rule, err := s.deps.Control.UpdateRule(r.Context(), principalFrom(r), req.toRule(mux.Vars(r)["ruleId"]))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleJSON(rule))
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.DeleteRule(r.Context(), principalFrom(r), mux.Vars(r)["ruleId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
