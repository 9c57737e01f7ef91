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

func (s *Server) installDeadLetterEndpoints(r *mux.Router) {
	r.HandleFunc("/deadletters", s.listDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/deadletters/replay", s.replayDeadLetterBatch).Methods(http.MethodPost)
	r.HandleFunc("/deadletters/purge", s.purgeDeadLetters).Methods(http.MethodPost)
	r.HandleFunc("/deadletters/{dlqId}", s.getDeadLetter).Methods(http.MethodGet)
	r.HandleFunc("/deadletters/{dlqId}/replay", s.replayDeadLetter).Methods(http.MethodPost)
	r.HandleFunc("/deadletters/{dlqId}/discard", s.discardDeadLetter).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobId}/retry", s.retryJob).Methods(http.MethodPost)
	r.HandleFunc("/quarantine", s.listQuarantine).Methods(http.MethodGet)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	recs, err := s.deps.Control.ListDeadLetters(r.Context(), principalFrom(r), storage.DeadLetterFilter{
		TenantID: tenantParam(r),
		Status:   storage.DLQStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeadLetterList(recs))
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Control.GetDeadLetter(r.Context(), principalFrom(r), mux.Vars(r)["dlqId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeadLetterJSON(rec))
}

func (s *Server) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Control.ReplayDeadLetter(r.Context(), principalFrom(r), mux.Vars(r)["dlqId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobJSON(job))
}

type replayBatchRequest struct {
	DLQIDs []string `json:"dlqIds"`
}

// replayDeadLetterBatch replays a set of dead letters. Entries fail
// independently; the response preserves request order.
func (s *Server) replayDeadLetterBatch(w http.ResponseWriter, r *http.Request) {
	var req replayBatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	outcomes, err := s.deps.Control.ReplayDeadLetters(r.Context(), principalFrom(r), req.DLQIDs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReplayOutcomeList(outcomes))
}

func (s *Server) discardDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.DiscardDeadLetter(r.Context(), principalFrom(r), mux.Vars(r)["dlqId"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type purgeRequest struct {
	OlderThanDays int `json:"olderThanDays"`
}

type purgeResponse struct {
	Purged int64 `json:"purged"`
}

func (s *Server) purgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	purged, err := s.deps.Control.PurgeDeadLetters(r.Context(), principalFrom(r), req.OlderThanDays)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Purged: purged})
}

type retryResponse struct {
	Requeued bool `json:"requeued"`
}

// retryJob moves a failed job's next attempt to now. Requeued is false
// when the job had already been delivered.
func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	requeued, err := s.deps.Control.RetryJob(r.Context(), principalFrom(r), mux.Vars(r)["jobId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{Requeued: requeued})
}

func (s *Server) listQuarantine(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	recs, err := s.deps.Control.ListQuarantine(r.Context(), principalFrom(r), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuarantineList(recs))
}
