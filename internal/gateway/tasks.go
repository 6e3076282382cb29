package gateway

import (
	"net/http"
	"strings"

	"github.com/tidefall/steward/internal/shared"
	"github.com/tidefall/steward/internal/taskqueue"
)

// handleTasks serves GET (list) and POST (enqueue) on /v1/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := taskqueue.ListFilter{
			Status:  taskqueue.Status(r.URL.Query().Get("status")),
			Type:    r.URL.Query().Get("task_type"),
			Service: r.URL.Query().Get("service"),
		}
		if r.URL.Query().Get("vertical_id") != "" || r.URL.Query().Get("territory_id") != "" {
			scope, err := scopeFromQuery(r)
			if err != nil {
				writeError(w, err)
				return
			}
			filter.Scope = &scope
		}
		tasks, err := s.cfg.Queue.List(r.Context(), filter, queryLimit(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	case http.MethodPost:
		var req taskqueue.EnqueueRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.cfg.Queue.Enqueue(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskStats serves GET /v1/tasks/stats.
func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.cfg.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// handleTaskByID serves:
//
//	GET  /v1/tasks/{id}
//	GET  /v1/tasks/{id}/history
//	POST /v1/tasks/{id}/cancel
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	id := rest
	action := ""
	if i := strings.Index(rest, "/"); i >= 0 {
		id, action = rest[:i], rest[i+1:]
	}
	if id == "" {
		writeError(w, shared.NewValidationError("task id required"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		task, err := s.cfg.Queue.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case action == "history" && r.Method == http.MethodGet:
		entries, err := s.cfg.Queue.History(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": entries})
	case action == "cancel" && r.Method == http.MethodPost:
		var req cancelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Actor == "" {
			req.Actor = shared.Actor(r.Context())
		}
		if err := s.cfg.Queue.Cancel(r.Context(), id, req.Actor, req.Reason); err != nil {
			writeError(w, err)
			return
		}
		task, err := s.cfg.Queue.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
