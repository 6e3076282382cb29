package gateway

import (
	"net/http"
	"strings"

	"github.com/tidefall/steward/internal/controlstate"
	"github.com/tidefall/steward/internal/shared"
)

// handleScopes serves GET /v1/scopes (all known control states).
func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	states, err := s.cfg.Controls.ListStates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

// handleScopeByKey serves per-scope operations:
//
//	GET    /v1/scopes/{key}            current state
//	GET    /v1/scopes/{key}/effective  merged ancestor chain
//	GET    /v1/scopes/{key}/history    transition trail
//	POST   /v1/scopes/{key}/enable
//	POST   /v1/scopes/{key}/disable
//	PATCH  /v1/scopes/{key}/limits
//
// Scope keys look like "global", "vertical:saas" or
// "territory:saas:us-west".
func (s *Server) handleScopeByKey(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/scopes/")
	key := rest
	action := ""
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		key, action = rest[:i], rest[i+1:]
	}
	scope, err := parseScopeKey(key)
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		state, found, err := s.cfg.Controls.GetState(r.Context(), scope)
		if err != nil {
			writeError(w, err)
			return
		}
		if !found {
			writeError(w, shared.NewNotFoundError("control state", scope.Key()))
			return
		}
		writeJSON(w, http.StatusOK, state)
	case action == "effective" && r.Method == http.MethodGet:
		eff, err := s.cfg.Controls.GetEffectiveState(r.Context(), scope)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, eff)
	case action == "history" && r.Method == http.MethodGet:
		entries, err := s.cfg.Controls.History(r.Context(), scope, queryLimit(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": entries})
	case action == "enable" && r.Method == http.MethodPost:
		s.setScopeEnabled(w, r, scope, true)
	case action == "disable" && r.Method == http.MethodPost:
		s.setScopeEnabled(w, r, scope, false)
	case action == "limits" && r.Method == http.MethodPatch:
		s.patchScopeLimits(w, r, scope)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type scopeActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) setScopeEnabled(w http.ResponseWriter, r *http.Request, scope shared.Scope, enabled bool) {
	var req scopeActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" {
		req.Actor = shared.Actor(r.Context())
	}

	var err error
	if enabled {
		err = s.cfg.Controls.Enable(r.Context(), scope, req.Actor, req.Reason)
	} else {
		err = s.cfg.Controls.Disable(r.Context(), scope, req.Actor, req.Reason)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	state, _, err := s.cfg.Controls.GetState(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type limitsPatchRequest struct {
	Actor              string   `json:"actor"`
	MaxConcurrent      *int     `json:"max_concurrent,omitempty"`
	MaxPerHour         *int     `json:"max_per_hour,omitempty"`
	MaxPerDay          *int     `json:"max_per_day,omitempty"`
	ErrorRateThreshold *float64 `json:"error_rate_threshold,omitempty"`
	AutoDisable        *bool    `json:"auto_disable,omitempty"`
}

func (s *Server) patchScopeLimits(w http.ResponseWriter, r *http.Request, scope shared.Scope) {
	var req limitsPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Actor == "" {
		req.Actor = shared.Actor(r.Context())
	}
	patch := controlstate.LimitsPatch{
		MaxConcurrent:      req.MaxConcurrent,
		MaxPerHour:         req.MaxPerHour,
		MaxPerDay:          req.MaxPerDay,
		ErrorRateThreshold: req.ErrorRateThreshold,
		AutoDisable:        req.AutoDisable,
	}
	if err := s.cfg.Controls.UpdateLimits(r.Context(), scope, patch, req.Actor); err != nil {
		writeError(w, err)
		return
	}
	state, _, err := s.cfg.Controls.GetState(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// parseScopeKey reverses shared.Scope.Key.
func parseScopeKey(key string) (shared.Scope, error) {
	parts := strings.Split(key, ":")
	switch {
	case key == "global":
		return shared.GlobalScope, nil
	case parts[0] == "vertical" && len(parts) == 2:
		scope := shared.VerticalScope(parts[1])
		return scope, scope.Validate()
	case parts[0] == "territory" && len(parts) == 3:
		scope := shared.TerritoryScope(parts[1], parts[2])
		return scope, scope.Validate()
	default:
		return shared.Scope{}, shared.NewValidationError("invalid scope key " + key)
	}
}
