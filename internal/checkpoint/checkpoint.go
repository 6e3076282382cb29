// Package checkpoint implements human-in-the-loop approval gates. A
// definition names a gate and its policy; an instance is one pending
// request that must resolve to approved before the gated action proceeds.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tidefall/steward/internal/activity"
	otelx "github.com/tidefall/steward/internal/otel"
	"github.com/tidefall/steward/internal/persistence"
	"github.com/tidefall/steward/internal/shared"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Definition is an operator-created gate description. Rarely mutated.
type Definition struct {
	ID                    string    `json:"id"`
	Slug                  string    `json:"slug"`
	VerticalID            string    `json:"vertical_id,omitempty"`
	TerritoryID           string    `json:"territory_id,omitempty"`
	Services              []string  `json:"services,omitempty"`
	Actions               []string  `json:"actions,omitempty"`
	RequiresApproval      bool      `json:"requires_approval"`
	AutoApproveAfterHours *float64  `json:"auto_approve_after_hours,omitempty"`
	AutoRejectAfterHours  *float64  `json:"auto_reject_after_hours,omitempty"`
	RequireReason         bool      `json:"require_reason"`
	Escalation            string    `json:"escalation,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Instance is one approval request. One definition fans out to many
// instances; an instance may exist without a definition.
type Instance struct {
	ID               string       `json:"id"`
	DefinitionID     string       `json:"definition_id,omitempty"`
	Scope            shared.Scope `json:"scope"`
	Service          string       `json:"service"`
	Action           string       `json:"action"`
	TargetType       string       `json:"target_type,omitempty"`
	TargetID         string       `json:"target_id,omitempty"`
	RequestPayload   string       `json:"request_payload,omitempty"`
	Risk             string       `json:"risk,omitempty"`
	Priority         int          `json:"priority"`
	Status           Status       `json:"status"`
	ResolvedBy       string       `json:"resolved_by,omitempty"`
	ResolutionReason string       `json:"resolution_reason,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
	AutoApproveAt    *time.Time   `json:"auto_approve_at,omitempty"`
	TaskID           string       `json:"task_id,omitempty"`
	CorrelationID    string       `json:"correlation_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// HistoryEntry is one append-only instance transition record.
type HistoryEntry struct {
	ID             int64     `json:"id"`
	CheckpointID   string    `json:"checkpoint_id"`
	PreviousStatus Status    `json:"previous_status"`
	NewStatus      Status    `json:"new_status"`
	Actor          string    `json:"actor,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RegisterRequest carries everything needed to open a gate instance.
type RegisterRequest struct {
	DefinitionSlug string       `json:"definition_slug,omitempty"`
	Scope          shared.Scope `json:"scope"`
	Service        string       `json:"service"`
	Action         string       `json:"action"`
	TargetType     string       `json:"target_type,omitempty"`
	TargetID       string       `json:"target_id,omitempty"`
	RequestPayload string       `json:"request_payload,omitempty"`
	Risk           string       `json:"risk,omitempty"`
	Priority       int          `json:"priority"`
	TaskID         string       `json:"task_id,omitempty"`
}

// TaskResolver is notified when an instance linked to a queued task
// resolves. The task queue implements it; the indirection keeps the two
// packages from importing each other.
type TaskResolver interface {
	OnCheckpointResolved(ctx context.Context, taskID string, status Status, reason string) error
}

// Registry stores definitions and instances and drives resolution.
type Registry struct {
	store   *persistence.Store
	log     *activity.Log
	logger  *slog.Logger
	metrics *otelx.Metrics

	tasks atomic.Pointer[taskResolverBox]
}

type taskResolverBox struct{ r TaskResolver }

func NewRegistry(store *persistence.Store, log *activity.Log, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, log: log, logger: logger}
}

// SetTaskResolver wires the task queue in after construction.
func (r *Registry) SetTaskResolver(tr TaskResolver) {
	r.tasks.Store(&taskResolverBox{r: tr})
}

// SetMetrics attaches the pending-gate gauge.
func (r *Registry) SetMetrics(m *otelx.Metrics) {
	r.metrics = m
}

// CreateDefinition validates and stores a gate definition.
func (r *Registry) CreateDefinition(ctx context.Context, def Definition) (Definition, error) {
	def.Slug = strings.TrimSpace(def.Slug)
	if def.Slug == "" {
		return Definition{}, shared.NewValidationError("slug required")
	}
	if def.AutoRejectAfterHours != nil && *def.AutoRejectAfterHours < 0 {
		return Definition{}, shared.NewValidationError("auto_reject_after_hours must be non-negative")
	}
	if def.AutoApproveAfterHours != nil && *def.AutoApproveAfterHours < 0 {
		return Definition{}, shared.NewValidationError("auto_approve_after_hours must be non-negative")
	}
	def.ID = uuid.NewString()

	services, err := json.Marshal(nonNil(def.Services))
	if err != nil {
		return Definition{}, fmt.Errorf("marshal services: %w", err)
	}
	actions, err := json.Marshal(nonNil(def.Actions))
	if err != nil {
		return Definition{}, fmt.Errorf("marshal actions: %w", err)
	}
	_, err = r.store.DB().ExecContext(ctx, `
		INSERT INTO checkpoint_definitions (
			id, slug, vertical_id, territory_id, services, actions,
			requires_approval, auto_approve_after_hours, auto_reject_after_hours,
			require_reason, escalation, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, def.ID, def.Slug, def.VerticalID, def.TerritoryID, string(services), string(actions),
		def.RequiresApproval, def.AutoApproveAfterHours, def.AutoRejectAfterHours,
		def.RequireReason, def.Escalation)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Definition{}, shared.NewConflictError(fmt.Sprintf("definition slug %q already exists", def.Slug))
		}
		return Definition{}, fmt.Errorf("insert checkpoint definition: %w", err)
	}
	return def, nil
}

// Register opens a gate instance. With a slug it binds that definition;
// without one it resolves the most specific definition matching the scope
// and service/action, falling back to an undefined standalone gate.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Instance, error) {
	if req.Service == "" {
		return Instance{}, shared.NewValidationError("service required")
	}
	if req.Action == "" {
		return Instance{}, shared.NewValidationError("action required")
	}
	if err := req.Scope.Validate(); err != nil {
		return Instance{}, err
	}

	var def *Definition
	if req.DefinitionSlug != "" {
		d, err := r.GetDefinitionBySlug(ctx, req.DefinitionSlug)
		if err != nil {
			return Instance{}, err
		}
		def = &d
	} else {
		d, found, err := r.matchDefinition(ctx, req.Scope, req.Service, req.Action)
		if err != nil {
			return Instance{}, err
		}
		if found {
			def = &d
		}
	}

	now := time.Now().UTC()
	inst := Instance{
		ID:             uuid.NewString(),
		Scope:          req.Scope,
		Service:        req.Service,
		Action:         req.Action,
		TargetType:     req.TargetType,
		TargetID:       req.TargetID,
		RequestPayload: orJSON(req.RequestPayload),
		Risk:           req.Risk,
		Priority:       req.Priority,
		Status:         StatusPending,
		TaskID:         req.TaskID,
		CorrelationID:  shared.CorrelationID(ctx),
		CreatedAt:      now,
	}
	if def != nil {
		inst.DefinitionID = def.ID
		if def.AutoRejectAfterHours != nil {
			t := now.Add(time.Duration(*def.AutoRejectAfterHours * float64(time.Hour)))
			inst.ExpiresAt = &t
		}
		if def.AutoApproveAfterHours != nil {
			t := now.Add(time.Duration(*def.AutoApproveAfterHours * float64(time.Hour)))
			inst.AutoApproveAt = &t
		}
		if !def.RequiresApproval {
			inst.Status = StatusApproved
			inst.ResolvedBy = shared.SystemActor
			inst.ResolutionReason = "approval not required by definition"
			inst.ResolvedAt = &now
		}
	}

	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (
				id, definition_id, vertical_id, territory_id, service, action,
				target_type, target_id, request_payload, risk, priority, status,
				resolved_by, resolution_reason, resolved_at, expires_at, auto_approve_at,
				task_id, correlation_id, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, inst.ID, nullStr(inst.DefinitionID), inst.Scope.VerticalID, inst.Scope.TerritoryID,
			inst.Service, inst.Action, inst.TargetType, inst.TargetID,
			shared.Redact(inst.RequestPayload), inst.Risk, inst.Priority, inst.Status,
			nullStr(inst.ResolvedBy), nullStr(inst.ResolutionReason), inst.ResolvedAt,
			inst.ExpiresAt, inst.AutoApproveAt, nullStr(inst.TaskID), inst.CorrelationID); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return appendHistoryTx(ctx, tx, inst.ID, "", inst.Status, inst.ResolvedBy, inst.ResolutionReason)
	})
	if err != nil {
		return Instance{}, err
	}

	if r.metrics != nil && inst.Status == StatusPending {
		r.metrics.PendingCheckpoints.Add(ctx, 1)
	}
	r.log.Record(ctx, activity.Event{
		Type:          "checkpoint.registered",
		Category:      "checkpoint",
		Severity:      activity.SeverityInfo,
		Service:       req.Service,
		Action:        req.Action,
		Scope:         req.Scope,
		TargetType:    "checkpoint",
		TargetID:      inst.ID,
		Status:        activity.StatusCompleted,
		CorrelationID: inst.CorrelationID,
		Payload:       fmt.Sprintf(`{"status":%q,"task_id":%q}`, inst.Status, inst.TaskID),
	})
	return inst, nil
}

// Approve resolves a pending instance. Any other starting status is a
// conflict: an instance resolves at most once.
func (r *Registry) Approve(ctx context.Context, id, approver, reason string) error {
	if approver == "" {
		return shared.NewValidationError("approver required")
	}
	inst, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.DefinitionID != "" {
		def, err := r.getDefinitionByID(ctx, inst.DefinitionID)
		if err == nil && def.RequireReason && strings.TrimSpace(reason) == "" {
			return shared.NewValidationError("definition requires a reason for approval")
		}
	}
	return r.resolve(ctx, id, StatusApproved, approver, reason)
}

// Reject resolves a pending instance negatively. A reason is mandatory.
func (r *Registry) Reject(ctx context.Context, id, rejecter, reason string) error {
	if rejecter == "" {
		return shared.NewValidationError("rejecter required")
	}
	if strings.TrimSpace(reason) == "" {
		return shared.NewValidationError("rejection reason required")
	}
	return r.resolve(ctx, id, StatusRejected, rejecter, reason)
}

func (r *Registry) resolve(ctx context.Context, id string, to Status, actor, reason string) error {
	var taskID string
	err := persistence.RetryOnBusy(ctx, 5, func() error {
		return r.store.WithTx(ctx, func(tx *sql.Tx) error {
			var status Status
			var linkedTask sql.NullString
			err := tx.QueryRowContext(ctx, `
				SELECT status, task_id FROM checkpoints WHERE id = ?;
			`, id).Scan(&status, &linkedTask)
			if errors.Is(err, sql.ErrNoRows) {
				return shared.NewNotFoundError("checkpoint", id)
			}
			if err != nil {
				return fmt.Errorf("select checkpoint for resolution: %w", err)
			}
			if status != StatusPending {
				return shared.NewConflictError(fmt.Sprintf("checkpoint %s already %s", id, status))
			}

			// Guarded update: only a still-pending row transitions, so a
			// concurrent resolver loses cleanly.
			res, err := tx.ExecContext(ctx, `
				UPDATE checkpoints
				SET status = ?, resolved_by = ?, resolution_reason = ?,
					resolved_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, to, actor, reason, id, StatusPending)
			if err != nil {
				return fmt.Errorf("update checkpoint resolution: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("checkpoint resolution rows affected: %w", err)
			}
			if n != 1 {
				return shared.NewConflictError(fmt.Sprintf("checkpoint %s concurrently resolved", id))
			}
			if linkedTask.Valid {
				taskID = linkedTask.String
			}
			return appendHistoryTx(ctx, tx, id, StatusPending, to, actor, reason)
		})
	})
	if err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.PendingCheckpoints.Add(ctx, -1)
	}
	severity := activity.SeverityInfo
	if to == StatusRejected {
		severity = activity.SeverityWarning
	}
	r.log.Record(ctx, activity.Event{
		Type:       "checkpoint." + string(to),
		Category:   "checkpoint",
		Severity:   severity,
		Service:    "checkpoint-registry",
		Action:     "resolve",
		TargetType: "checkpoint",
		TargetID:   id,
		Status:     activity.StatusCompleted,
		Payload:    fmt.Sprintf(`{"actor":%q,"reason":%q,"task_id":%q}`, actor, reason, taskID),
	})

	r.notifyTask(ctx, taskID, to, reason)
	return nil
}

func (r *Registry) notifyTask(ctx context.Context, taskID string, status Status, reason string) {
	if taskID == "" {
		return
	}
	box := r.tasks.Load()
	if box == nil || box.r == nil {
		return
	}
	if err := box.r.OnCheckpointResolved(ctx, taskID, status, reason); err != nil {
		r.logger.Error("checkpoint: task resolution hook failed",
			"task_id", taskID, "status", status, "error", err)
	}
}

// SweepResult reports what one sweep pass did.
type SweepResult struct {
	AutoApproved int `json:"auto_approved"`
	Expired      int `json:"expired"`
}

// SweepExpired is the periodic pass over pending instances: rows past their
// auto-approve window resolve to approved, rows past their expiry window to
// expired (failing any linked task). It only acts on rows still pending, so
// running it twice, or concurrently, cannot double-transition anything.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult
	now = now.UTC()

	approved, err := r.sweepPhase(ctx, `
		SELECT id, task_id FROM checkpoints
		WHERE status = ? AND auto_approve_at IS NOT NULL AND auto_approve_at <= ?
		  AND (expires_at IS NULL OR expires_at > ?);
	`, []any{StatusPending, now, now}, StatusApproved, "auto-approve window elapsed")
	if err != nil {
		return result, err
	}
	result.AutoApproved = approved

	expired, err := r.sweepPhase(ctx, `
		SELECT id, task_id FROM checkpoints
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?;
	`, []any{StatusPending, now}, StatusExpired, "auto-reject window elapsed")
	if err != nil {
		return result, err
	}
	result.Expired = expired
	return result, nil
}

func (r *Registry) sweepPhase(ctx context.Context, query string, args []any, to Status, reason string) (int, error) {
	type hit struct{ id, taskID string }
	var hits []hit
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query sweepable checkpoints: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var h hit
			var taskID sql.NullString
			if err := rows.Scan(&h.id, &taskID); err != nil {
				return fmt.Errorf("scan sweepable checkpoint: %w", err)
			}
			if taskID.Valid {
				h.taskID = taskID.String
			}
			hits = append(hits, h)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sweepable checkpoint rows: %w", err)
		}

		for i := 0; i < len(hits); {
			h := hits[i]
			res, err := tx.ExecContext(ctx, `
				UPDATE checkpoints
				SET status = ?, resolved_by = ?, resolution_reason = ?,
					resolved_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, to, shared.SystemActor, reason, h.id, StatusPending)
			if err != nil {
				return fmt.Errorf("sweep checkpoint update: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("sweep rows affected: %w", err)
			}
			if n != 1 {
				// Lost the race to a concurrent resolver; drop it.
				hits = append(hits[:i], hits[i+1:]...)
				continue
			}
			if err := appendHistoryTx(ctx, tx, h.id, StatusPending, to, shared.SystemActor, reason); err != nil {
				return err
			}
			i++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if r.metrics != nil && len(hits) > 0 {
		r.metrics.PendingCheckpoints.Add(ctx, -int64(len(hits)))
	}
	for _, h := range hits {
		r.log.Record(ctx, activity.Event{
			Type:       "checkpoint." + string(to),
			Category:   "checkpoint",
			Severity:   activity.SeverityWarning,
			Service:    "checkpoint-registry",
			Action:     "sweep",
			TargetType: "checkpoint",
			TargetID:   h.id,
			Status:     activity.StatusCompleted,
			Payload:    fmt.Sprintf(`{"reason":%q,"task_id":%q}`, reason, h.taskID),
		})
		r.notifyTask(ctx, h.taskID, to, reason)
	}
	return len(hits), nil
}

// Get returns one instance by id.
func (r *Registry) Get(ctx context.Context, id string) (Instance, error) {
	row := r.store.DB().QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM checkpoints WHERE id = ?;
	`, id)
	inst, err := scanInstance(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, shared.NewNotFoundError("checkpoint", id)
	}
	if err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status  Status
	Service string
	Scope   *shared.Scope
	TaskID  string
}

// List returns instances matching the filter, newest first.
func (r *Registry) List(ctx context.Context, f ListFilter, limit int) ([]Instance, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + instanceColumns + ` FROM checkpoints WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Service != "" {
		query += " AND service = ?"
		args = append(args, f.Service)
	}
	if f.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, f.TaskID)
	}
	if f.Scope != nil {
		switch f.Scope.Type {
		case shared.ScopeVertical:
			query += " AND vertical_id = ?"
			args = append(args, f.Scope.VerticalID)
		case shared.ScopeTerritory:
			query += " AND vertical_id = ? AND territory_id = ?"
			args = append(args, f.Scope.VerticalID, f.Scope.TerritoryID)
		}
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := r.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint rows: %w", err)
	}
	return out, nil
}

// History returns the instance's transition trail, oldest first.
func (r *Registry) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT id, checkpoint_id, previous_status, new_status, actor, reason, created_at
		FROM checkpoint_history
		WHERE checkpoint_id = ?
		ORDER BY id ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.CheckpointID, &h.PreviousStatus, &h.NewStatus, &h.Actor, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint history: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint history rows: %w", err)
	}
	return out, nil
}

// GetDefinitionBySlug returns the definition named by slug.
func (r *Registry) GetDefinitionBySlug(ctx context.Context, slug string) (Definition, error) {
	row := r.store.DB().QueryRowContext(ctx, `
		SELECT `+definitionColumns+`
		FROM checkpoint_definitions WHERE slug = ?;
	`, slug)
	def, err := scanDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, shared.NewNotFoundError("checkpoint definition", slug)
	}
	return def, err
}

func (r *Registry) getDefinitionByID(ctx context.Context, id string) (Definition, error) {
	row := r.store.DB().QueryRowContext(ctx, `
		SELECT `+definitionColumns+`
		FROM checkpoint_definitions WHERE id = ?;
	`, id)
	def, err := scanDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, shared.NewNotFoundError("checkpoint definition", id)
	}
	return def, err
}

// ListDefinitions returns all definitions ordered by slug.
func (r *Registry) ListDefinitions(ctx context.Context) ([]Definition, error) {
	rows, err := r.store.DB().QueryContext(ctx, `
		SELECT `+definitionColumns+`
		FROM checkpoint_definitions ORDER BY slug;
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint definitions: %w", err)
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		def, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint definition rows: %w", err)
	}
	return out, nil
}

// matchDefinition picks the most specific definition applicable to the
// scope and service/action: territory match beats vertical match beats the
// global default. Definitions without a service list never match implicitly;
// they are reachable by slug only, so an unconstrained gate cannot capture
// unrelated registrations. Definitions are few, so candidates are filtered
// in Go.
func (r *Registry) matchDefinition(ctx context.Context, scope shared.Scope, service, action string) (Definition, bool, error) {
	defs, err := r.ListDefinitions(ctx)
	if err != nil {
		return Definition{}, false, err
	}
	var best *Definition
	bestRank := -1
	for i := range defs {
		def := defs[i]
		if len(def.Services) == 0 {
			continue
		}
		if !matchesList(def.Services, service) || !matchesList(def.Actions, action) {
			continue
		}
		rank := -1
		switch {
		case def.VerticalID == "" && def.TerritoryID == "":
			rank = 0
		case def.VerticalID == scope.VerticalID && def.TerritoryID == "":
			rank = 1
		case def.VerticalID == scope.VerticalID && def.TerritoryID == scope.TerritoryID && scope.TerritoryID != "":
			rank = 2
		}
		if rank > bestRank {
			best = &def
			bestRank = rank
		}
	}
	if best == nil {
		return Definition{}, false, nil
	}
	return *best, true, nil
}

func matchesList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == value || v == "*" {
			return true
		}
	}
	return false
}

// nonNil keeps JSON columns as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const instanceColumns = `id, COALESCE(definition_id, ''), vertical_id, territory_id, service, action,
	target_type, target_id, request_payload, risk, priority, status,
	COALESCE(resolved_by, ''), COALESCE(resolution_reason, ''), resolved_at,
	expires_at, auto_approve_at, COALESCE(task_id, ''), correlation_id, created_at, updated_at`

func scanInstance(scan func(dest ...any) error) (Instance, error) {
	var (
		inst        Instance
		verticalID  string
		territoryID string
		resolvedAt  sql.NullTime
		expiresAt   sql.NullTime
		autoApprove sql.NullTime
	)
	if err := scan(
		&inst.ID, &inst.DefinitionID, &verticalID, &territoryID, &inst.Service, &inst.Action,
		&inst.TargetType, &inst.TargetID, &inst.RequestPayload, &inst.Risk, &inst.Priority, &inst.Status,
		&inst.ResolvedBy, &inst.ResolutionReason, &resolvedAt,
		&expiresAt, &autoApprove, &inst.TaskID, &inst.CorrelationID, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Instance{}, err
		}
		return Instance{}, fmt.Errorf("scan checkpoint: %w", err)
	}
	inst.Scope = scopeFromIDs(verticalID, territoryID)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inst.ResolvedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		inst.ExpiresAt = &t
	}
	if autoApprove.Valid {
		t := autoApprove.Time
		inst.AutoApproveAt = &t
	}
	return inst, nil
}

const definitionColumns = `id, slug, vertical_id, territory_id, services, actions,
	requires_approval, auto_approve_after_hours, auto_reject_after_hours,
	require_reason, escalation, created_at, updated_at`

func scanDefinition(scan func(dest ...any) error) (Definition, error) {
	var (
		def          Definition
		servicesJSON string
		actionsJSON  string
		autoApprove  sql.NullFloat64
		autoReject   sql.NullFloat64
	)
	if err := scan(
		&def.ID, &def.Slug, &def.VerticalID, &def.TerritoryID, &servicesJSON, &actionsJSON,
		&def.RequiresApproval, &autoApprove, &autoReject,
		&def.RequireReason, &def.Escalation, &def.CreatedAt, &def.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Definition{}, err
		}
		return Definition{}, fmt.Errorf("scan checkpoint definition: %w", err)
	}
	if err := json.Unmarshal([]byte(servicesJSON), &def.Services); err != nil {
		return Definition{}, fmt.Errorf("parse definition services: %w", err)
	}
	if err := json.Unmarshal([]byte(actionsJSON), &def.Actions); err != nil {
		return Definition{}, fmt.Errorf("parse definition actions: %w", err)
	}
	if autoApprove.Valid {
		v := autoApprove.Float64
		def.AutoApproveAfterHours = &v
	}
	if autoReject.Valid {
		v := autoReject.Float64
		def.AutoRejectAfterHours = &v
	}
	return def, nil
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

func appendHistoryTx(ctx context.Context, tx *sql.Tx, checkpointID string, from, to Status, actor, reason string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_history (checkpoint_id, previous_status, new_status, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, checkpointID, string(from), string(to), actor, reason); err != nil {
		return fmt.Errorf("insert checkpoint history: %w", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
