package gateway

import (
	"net/http"
	"strconv"

	"github.com/tidefall/steward/internal/activity"
)

// handleActivity serves GET /v1/activity with ledger filters.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := activity.Filter{
		Type:          q.Get("event_type"),
		Category:      q.Get("category"),
		Severity:      activity.Severity(q.Get("severity")),
		Service:       q.Get("service"),
		Status:        activity.Status(q.Get("status")),
		CorrelationID: q.Get("correlation_id"),
		TargetID:      q.Get("target_id"),
	}
	if q.Get("vertical_id") != "" || q.Get("territory_id") != "" {
		scope, err := scopeFromQuery(r)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.Scope = &scope
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			offset = v
		}
	}

	events, err := s.cfg.Activity.List(r.Context(), filter, queryLimit(r), offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleActivitySummary serves GET /v1/activity/summary?window_hours=24.
// Scope query params narrow the summary; none means global.
func (s *Server) handleActivitySummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	windowHours := 24
	if raw := r.URL.Query().Get("window_hours"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			windowHours = v
		}
	}
	scope, err := scopeFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	summary, err := s.cfg.Activity.Summarize(r.Context(), scope, windowHours)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
