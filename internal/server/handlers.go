// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/flightrec/pkg/errors"
	"github.com/tombee/flightrec/pkg/runstore"
)

// maxEventBlock caps client-requested long-poll durations.
const maxEventBlock = 30 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := runstore.ListFilter{
		UserID: q.Get("user"),
		Limit:  intQuery(q.Get("limit"), 0),
		Offset: intQuery(q.Get("offset"), 0),
	}
	if v := q.Get("status"); v != "" {
		status := runstore.Status(v)
		if !status.Valid() {
			s.writeError(w, r, &errors.ValidationError{Field: "status", Message: "unknown status " + strconv.Quote(v)})
			return
		}
		filter.Status = status
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*runstore.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cancelled, err := s.store.IsCancelled(r.Context(), runID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"cancelled": cancelled,
	})
}

// handleRunEvents serves the resumable event feed. With block_ms the request
// long-polls server-side; the store returns early as soon as an event
// arrives.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	q := r.URL.Query()

	lastID := q.Get("after")
	count := intQuery(q.Get("count"), 100)
	block := time.Duration(intQuery(q.Get("block_ms"), 0)) * time.Millisecond
	if block > maxEventBlock {
		block = maxEventBlock
	}

	events, err := s.store.ReadEvents(r.Context(), runID, lastID, count, block)
	if err != nil {
		// Client went away mid-poll; nothing to write.
		if r.Context().Err() != nil {
			return
		}
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []runstore.Event{}
	}

	next := lastID
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"next":   next,
	})
}

func (s *Server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	limit := intQuery(r.URL.Query().Get("limit"), 100)

	trace, err := s.store.GetTrace(r.Context(), runID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if trace == nil {
		trace = []runstore.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace": trace})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	if err := s.store.Cancel(r.Context(), runID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.collector.RecordSecurityEvent("run_cancelled")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(runstore.StatusCancelled),
	})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, new(*errors.ValidationError)):
		status = http.StatusBadRequest
	case errors.IsStorage(err):
		status = http.StatusBadGateway
	}

	if status >= 500 {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func intQuery(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
