// Package gateway is the REST operator surface: control state, checkpoint
// resolution, task inspection and the activity ledger, behind bearer-token
// auth.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidefall/steward/internal/activity"
	"github.com/tidefall/steward/internal/checkpoint"
	"github.com/tidefall/steward/internal/controlstate"
	otelx "github.com/tidefall/steward/internal/otel"
	"github.com/tidefall/steward/internal/shared"
	"github.com/tidefall/steward/internal/taskqueue"
)

type Config struct {
	Controls    *controlstate.Store
	Checkpoints *checkpoint.Registry
	Queue       *taskqueue.Queue
	Activity    *activity.Log
	Logger      *slog.Logger

	AuthToken string

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string

	Metrics *otelx.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/v1/scopes", s.handleScopes)
	mux.HandleFunc("/v1/scopes/", s.handleScopeByKey)

	mux.HandleFunc("/v1/checkpoint-definitions", s.handleCheckpointDefinitions)
	mux.HandleFunc("/v1/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("/v1/checkpoints/", s.handleCheckpointByID)

	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/stats", s.handleTaskStats)
	mux.HandleFunc("/v1/tasks/", s.handleTaskByID)

	mux.HandleFunc("/v1/activity", s.handleActivity)
	mux.HandleFunc("/v1/activity/summary", s.handleActivitySummary)

	return s.withMiddleware(mux)
}

// withMiddleware wraps the mux with correlation-id injection, auth, and
// request logging.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		if cid := r.Header.Get("X-Correlation-ID"); cid != "" {
			ctx = shared.WithCorrelationID(ctx, cid)
		} else {
			ctx, _ = shared.EnsureCorrelationID(ctx)
		}
		if actor := r.Header.Get("X-Actor"); actor != "" {
			ctx = shared.WithActor(ctx, actor)
		}
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otelx.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
		}
		r = r.WithContext(ctx)

		if !s.authorize(r) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", r.URL.Path),
					attribute.Int("http.status_code", rec.status),
				))
		}
		s.logger.Info("gateway: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", elapsed,
			"correlation_id", shared.CorrelationID(ctx),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if r.URL.Path == "/healthz" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Queue.Stats(r.Context()); err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"version":            otelx.Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the shared error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		validationErr *shared.ValidationError
		notFoundErr   *shared.NotFoundError
		conflictErr   *shared.ConflictError
		disabledErr   *shared.OperationDisabledError
	)
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		status = http.StatusNotFound
	case errors.As(err, &conflictErr):
		status = http.StatusConflict
	case errors.As(err, &disabledErr):
		status = http.StatusLocked
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return shared.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}

// scopeFromQuery reads scope_type/vertical_id/territory_id query params.
// Missing params mean the global scope.
func scopeFromQuery(r *http.Request) (shared.Scope, error) {
	verticalID := r.URL.Query().Get("vertical_id")
	territoryID := r.URL.Query().Get("territory_id")
	switch {
	case territoryID != "":
		scope := shared.TerritoryScope(verticalID, territoryID)
		return scope, scope.Validate()
	case verticalID != "":
		return shared.VerticalScope(verticalID), nil
	default:
		return shared.GlobalScope, nil
	}
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return 0
}
