package gateway

import (
	"net/http"
	"strings"

	"github.com/tidefall/steward/internal/checkpoint"
	"github.com/tidefall/steward/internal/shared"
)

// handleCheckpointDefinitions serves GET (list) and POST (create) on
// /v1/checkpoint-definitions.
func (s *Server) handleCheckpointDefinitions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		defs, err := s.cfg.Checkpoints.ListDefinitions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
	case http.MethodPost:
		var def checkpoint.Definition
		if err := decodeJSON(r, &def); err != nil {
			writeError(w, err)
			return
		}
		created, err := s.cfg.Checkpoints.CreateDefinition(r.Context(), def)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCheckpoints serves GET (list) and POST (register) on /v1/checkpoints.
func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := checkpoint.ListFilter{
			Status:  checkpoint.Status(r.URL.Query().Get("status")),
			Service: r.URL.Query().Get("service"),
			TaskID:  r.URL.Query().Get("task_id"),
		}
		if r.URL.Query().Get("vertical_id") != "" || r.URL.Query().Get("territory_id") != "" {
			scope, err := scopeFromQuery(r)
			if err != nil {
				writeError(w, err)
				return
			}
			filter.Scope = &scope
		}
		insts, err := s.cfg.Checkpoints.List(r.Context(), filter, queryLimit(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"checkpoints": insts})
	case http.MethodPost:
		var req checkpoint.RegisterRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		inst, err := s.cfg.Checkpoints.Register(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type resolveRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// handleCheckpointByID serves:
//
//	GET  /v1/checkpoints/{id}
//	GET  /v1/checkpoints/{id}/history
//	POST /v1/checkpoints/{id}/approve
//	POST /v1/checkpoints/{id}/reject
func (s *Server) handleCheckpointByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/checkpoints/")
	id := rest
	action := ""
	if i := strings.Index(rest, "/"); i >= 0 {
		id, action = rest[:i], rest[i+1:]
	}
	if id == "" {
		writeError(w, shared.NewValidationError("checkpoint id required"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		inst, err := s.cfg.Checkpoints.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	case action == "history" && r.Method == http.MethodGet:
		entries, err := s.cfg.Checkpoints.History(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": entries})
	case action == "approve" && r.Method == http.MethodPost:
		s.resolveCheckpoint(w, r, id, true)
	case action == "reject" && r.Method == http.MethodPost:
		s.resolveCheckpoint(w, r, id, false)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) resolveCheckpoint(w http.ResponseWriter, r *http.Request, id string, approve bool) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" {
		req.Actor = shared.Actor(r.Context())
	}

	var err error
	if approve {
		err = s.cfg.Checkpoints.Approve(r.Context(), id, req.Actor, req.Reason)
	} else {
		err = s.cfg.Checkpoints.Reject(r.Context(), id, req.Actor, req.Reason)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.cfg.Checkpoints.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
