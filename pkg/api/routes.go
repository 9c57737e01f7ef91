// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/DataDog/iot-platform/pkg/controlplane"
)

func (s *Server) installRouteEndpoints(r *mux.Router) {
	r.HandleFunc("/routes", s.listRoutes).Methods(http.MethodGet)
	r.HandleFunc("/routes", s.createRoute).Methods(http.MethodPost)
	r.HandleFunc("/routes/{routeId}", s.getRoute).Methods(http.MethodGet)
	r.HandleFunc("/routes/{routeId}", s.updateRoute).Methods(http.MethodPut)
	r.HandleFunc("/routes/{routeId}", s.deleteRoute).Methods(http.MethodDelete)
	r.HandleFunc("/routes/{routeId}/test", s.testRoute).Methods(http.MethodPost)
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.deps.Control.ListRoutes(r.Context(), principalFrom(r), tenantParam(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteList(routes))
}

func (s *Server) createRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	route, err := s.deps.Control.CreateRoute(r.Context(), principalFrom(r), req.toRoute(""))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRouteJSON(route))
}

func (s *Server) getRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.deps.Control.GetRoute(r.Context(), principalFrom(r), mux.Vars(r)["routeId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteJSON(route))
}

func (s *Server) updateRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	route, err := s.deps.Control.UpdateRoute(r.Context(), principalFrom(r), req.toRoute(mux.Vars(r)["routeId"]))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteJSON(route))
}

func (s *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.DeleteRoute(r.Context(), principalFrom(r), mux.Vars(r)["routeId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testRoute dry-runs a caller-supplied sample against the route, optionally
// probing the webhook destination with it.
func (s *Server) testRoute(w http.ResponseWriter, r *http.Request) {
	var req routeTestRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result, err := s.deps.Control.TestRoute(r.Context(), principalFrom(r), mux.Vars(r)["routeId"], controlplane.RouteTestRequest{
		Topic:   req.Topic,
		Payload: []byte(req.Payload),
		Probe:   req.Probe,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteTestJSON(result))
}
