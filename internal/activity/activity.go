// Package activity implements the append-only event ledger every control
// plane component reports into, plus the rolling error-rate monitor that can
// trip the kill switch when a scope's failure ratio crosses its threshold.
package activity

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tidefall/steward/internal/persistence"
	"github.com/tidefall/steward/internal/shared"
)

type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusInProgress Status = "in_progress"
)

func validSeverity(s Severity) bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

func validStatus(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInProgress:
		return true
	}
	return false
}

// Event is one row of the activity ledger. Rows are appended, never mutated.
type Event struct {
	ID            int64        `json:"id"`
	Type          string       `json:"event_type"`
	Category      string       `json:"category,omitempty"`
	Severity      Severity     `json:"severity"`
	Service       string       `json:"service"`
	Action        string       `json:"action,omitempty"`
	Scope         shared.Scope `json:"scope"`
	TargetType    string       `json:"target_type,omitempty"`
	TargetID      string       `json:"target_id,omitempty"`
	Payload       string       `json:"payload,omitempty"`
	Status        Status       `json:"status"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	ParentEventID int64        `json:"parent_event_id,omitempty"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
	DurationMs    *int64       `json:"duration_ms,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Log appends to and reads from the activity ledger. Write failures are
// captured here so they never break the caller's primary operation.
type Log struct {
	store  *persistence.Store
	logger *slog.Logger

	monitor     atomic.Pointer[Monitor]
	writeErrors atomic.Int64
}

func NewLog(store *persistence.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger}
}

// SetMonitor wires the error-rate monitor. Failed events poke it after the
// append commits.
func (l *Log) SetMonitor(m *Monitor) {
	l.monitor.Store(m)
}

// WriteErrorCount returns the number of audit writes dropped since startup.
func (l *Log) WriteErrorCount() int64 {
	return l.writeErrors.Load()
}

// Append validates and persists one event, returning its ledger id.
// duration_ms is computed from StartedAt/FinishedAt when both are present.
// A failed event triggers the error-rate check for its (service, scope).
func (l *Log) Append(ctx context.Context, ev Event) (int64, error) {
	if ev.Type == "" {
		return 0, shared.NewValidationError("event_type required")
	}
	if ev.Service == "" {
		return 0, shared.NewValidationError("service required")
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if !validSeverity(ev.Severity) {
		return 0, shared.NewValidationError(fmt.Sprintf("unknown severity %q", ev.Severity))
	}
	if ev.Status == "" {
		ev.Status = StatusCompleted
	}
	if !validStatus(ev.Status) {
		return 0, shared.NewValidationError(fmt.Sprintf("unknown status %q", ev.Status))
	}
	if ev.Payload == "" {
		ev.Payload = "{}"
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = shared.CorrelationID(ctx)
	}
	if ev.ParentEventID == 0 {
		ev.ParentEventID = shared.ParentEventID(ctx)
	}
	if ev.DurationMs == nil && ev.StartedAt != nil && ev.FinishedAt != nil {
		ms := ev.FinishedAt.Sub(*ev.StartedAt).Milliseconds()
		ev.DurationMs = &ms
	}

	var parent sql.NullInt64
	if ev.ParentEventID > 0 {
		parent = sql.NullInt64{Int64: ev.ParentEventID, Valid: true}
	}
	res, err := l.store.DB().ExecContext(ctx, `
		INSERT INTO activity_events (
			event_type, category, severity, service, action,
			vertical_id, territory_id, target_type, target_id,
			payload, status, correlation_id, parent_event_id,
			started_at, finished_at, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`,
		ev.Type, ev.Category, ev.Severity, ev.Service, ev.Action,
		ev.Scope.VerticalID, ev.Scope.TerritoryID, ev.TargetType, ev.TargetID,
		shared.Redact(ev.Payload), ev.Status, ev.CorrelationID, parent,
		ev.StartedAt, ev.FinishedAt, ev.DurationMs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert activity event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("activity event id: %w", err)
	}

	if ev.Status == StatusFailed {
		if m := l.monitor.Load(); m != nil {
			m.Observe(ctx, ev.Service, ev.Scope)
		}
	}
	return id, nil
}

// Record is the fire-and-forget form of Append used on business paths: any
// write error is logged and counted, never returned to the caller.
func (l *Log) Record(ctx context.Context, ev Event) {
	if _, err := l.Append(ctx, ev); err != nil {
		l.writeErrors.Add(1)
		auditErr := &shared.AuditWriteError{Err: err}
		l.logger.Error("activity write dropped",
			"event_type", ev.Type,
			"service", ev.Service,
			"error", auditErr.Error(),
		)
	}
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Type          string
	Service       string
	Status        Status
	Severity      Severity
	Category      string
	CorrelationID string
	TargetID      string
	Scope         *shared.Scope
	Since         *time.Time
}

// List returns events matching the filter, oldest first, so that events
// sharing a correlation id come back in occurrence order.
func (l *Log) List(ctx context.Context, f Filter, limit, offset int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, event_type, category, severity, service, action,
			vertical_id, territory_id, target_type, target_id,
			payload, status, correlation_id, COALESCE(parent_event_id, 0),
			started_at, finished_at, duration_ms, created_at
		FROM activity_events
		WHERE 1=1`
	var args []any
	if f.Type != "" {
		query += " AND event_type = ?"
		args = append(args, f.Type)
	}
	if f.TargetID != "" {
		query += " AND target_id = ?"
		args = append(args, f.TargetID)
	}
	if f.Service != "" {
		query += " AND service = ?"
		args = append(args, f.Service)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, f.Severity)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, f.CorrelationID)
	}
	if f.Scope != nil {
		sq, sargs := scopeClause(*f.Scope)
		query += sq
		args = append(args, sargs...)
	}
	if f.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC())
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := l.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity rows: %w", err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev         Event
		verticalID string
		territory  string
		started    sql.NullTime
		finished   sql.NullTime
		duration   sql.NullInt64
	)
	if err := rows.Scan(
		&ev.ID, &ev.Type, &ev.Category, &ev.Severity, &ev.Service, &ev.Action,
		&verticalID, &territory, &ev.TargetType, &ev.TargetID,
		&ev.Payload, &ev.Status, &ev.CorrelationID, &ev.ParentEventID,
		&started, &finished, &duration, &ev.CreatedAt,
	); err != nil {
		return Event{}, fmt.Errorf("scan activity event: %w", err)
	}
	ev.Scope = scopeFromIDs(verticalID, territory)
	if started.Valid {
		t := started.Time
		ev.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		ev.FinishedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		ev.DurationMs = &d
	}
	return ev, nil
}

func scopeFromIDs(verticalID, territoryID string) shared.Scope {
	switch {
	case territoryID != "":
		return shared.TerritoryScope(verticalID, territoryID)
	case verticalID != "":
		return shared.VerticalScope(verticalID)
	default:
		return shared.GlobalScope
	}
}

// scopeClause builds the WHERE fragment matching events belonging to a
// scope. Global matches everything; a vertical matches all its territories.
func scopeClause(s shared.Scope) (string, []any) {
	switch s.Type {
	case shared.ScopeVertical:
		return " AND vertical_id = ?", []any{s.VerticalID}
	case shared.ScopeTerritory:
		return " AND vertical_id = ? AND territory_id = ?", []any{s.VerticalID, s.TerritoryID}
	default:
		return "", nil
	}
}

// Summary aggregates ledger activity over a trailing window.
type Summary struct {
	Scope         shared.Scope     `json:"scope"`
	WindowHours   int              `json:"window_hours"`
	Total         int64            `json:"total"`
	ByStatus      map[string]int64 `json:"by_status"`
	BySeverity    map[string]int64 `json:"by_severity"`
	ByCategory    map[string]int64 `json:"by_category"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
}

// Summarize computes counts by status, severity, and category, plus the
// average duration, for events in the scope over the last windowHours.
func (l *Log) Summarize(ctx context.Context, scope shared.Scope, windowHours int) (Summary, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	sq, sargs := scopeClause(scope)

	query := `
		SELECT status, severity, category, COUNT(*), COALESCE(AVG(duration_ms), 0)
		FROM activity_events
		WHERE created_at >= ?` + sq + `
		GROUP BY status, severity, category;`
	args := append([]any{since}, sargs...)

	rows, err := l.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize activity: %w", err)
	}
	defer rows.Close()

	sum := Summary{
		Scope:       scope,
		WindowHours: windowHours,
		ByStatus:    map[string]int64{},
		BySeverity:  map[string]int64{},
		ByCategory:  map[string]int64{},
	}
	var weighted float64
	for rows.Next() {
		var status, severity, category string
		var count int64
		var avg float64
		if err := rows.Scan(&status, &severity, &category, &count, &avg); err != nil {
			return Summary{}, fmt.Errorf("scan activity summary: %w", err)
		}
		sum.Total += count
		sum.ByStatus[status] += count
		sum.BySeverity[severity] += count
		if category != "" {
			sum.ByCategory[category] += count
		}
		weighted += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("activity summary rows: %w", err)
	}
	if sum.Total > 0 {
		sum.AvgDurationMs = weighted / float64(sum.Total)
	}
	return sum, nil
}
