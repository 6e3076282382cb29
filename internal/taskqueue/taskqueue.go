// Package taskqueue is the durable work queue behind autonomous
// operations. Tasks move through a strict state machine, claims are
// atomic, retries back off exponentially, and exhausted tasks land in a
// terminal failed state for operator review.
package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tidefall/steward/internal/activity"
	"github.com/tidefall/steward/internal/checkpoint"
	"github.com/tidefall/steward/internal/controlstate"
	otelx "github.com/tidefall/steward/internal/otel"
	"github.com/tidefall/steward/internal/persistence"
	"github.com/tidefall/steward/internal/shared"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusBlocked   Status = "blocked"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// allowedTransitions is the task state machine. Completed, failed and
// cancelled are terminal.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled, StatusFailed},
	StatusScheduled: {StatusPending, StatusRunning, StatusCancelled, StatusFailed},
	StatusBlocked:   {StatusPending, StatusCancelled, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusPending},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func canTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a task in this status can never move again.
func IsTerminal(s Status) bool {
	return len(allowedTransitions[s]) == 0
}

// Task is one unit of queued work.
type Task struct {
	ID               string       `json:"id"`
	Type             string       `json:"task_type"`
	Category         string       `json:"category,omitempty"`
	Scope            shared.Scope `json:"scope"`
	Service          string       `json:"service"`
	Action           string       `json:"action,omitempty"`
	TargetType       string       `json:"target_type,omitempty"`
	TargetID         string       `json:"target_id,omitempty"`
	Payload          string       `json:"payload"`
	Priority         int          `json:"priority"`
	ScheduledAt      *time.Time   `json:"scheduled_at,omitempty"`
	NotBefore        *time.Time   `json:"not_before,omitempty"`
	NotAfter         *time.Time   `json:"not_after,omitempty"`
	Attempts         int          `json:"attempts"`
	MaxAttempts      int          `json:"max_attempts"`
	CheckpointID     string       `json:"checkpoint_id,omitempty"`
	CheckpointStatus string       `json:"checkpoint_status,omitempty"`
	CorrelationID    string       `json:"correlation_id,omitempty"`
	ParentTaskID     string       `json:"parent_task_id,omitempty"`
	Status           Status       `json:"status"`
	ClaimedBy        string       `json:"claimed_by,omitempty"`
	Result           string       `json:"result,omitempty"`
	LastError        string       `json:"last_error,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// EnqueueRequest describes a task to add.
type EnqueueRequest struct {
	Type               string       `json:"task_type"`
	Category           string       `json:"category,omitempty"`
	Scope              shared.Scope `json:"scope"`
	Service            string       `json:"service"`
	Action             string       `json:"action,omitempty"`
	TargetType         string       `json:"target_type,omitempty"`
	TargetID           string       `json:"target_id,omitempty"`
	Payload            string       `json:"payload,omitempty"`
	Priority           int          `json:"priority"`
	ScheduledAt        *time.Time   `json:"scheduled_at,omitempty"`
	NotBefore          *time.Time   `json:"not_before,omitempty"`
	NotAfter           *time.Time   `json:"not_after,omitempty"`
	MaxAttempts        int          `json:"max_attempts,omitempty"`
	ParentTaskID       string       `json:"parent_task_id,omitempty"`
	RequiresCheckpoint bool         `json:"requires_checkpoint,omitempty"`
	CheckpointSlug     string       `json:"checkpoint_slug,omitempty"`
	Risk               string       `json:"risk,omitempty"`
}

// RetryPolicy tunes the failure backoff. Delay for attempt n (1-based) is
// BaseDelay * 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Hour
	}
	return p
}

// Delay returns the backoff before the next attempt, given how many
// attempts have already run.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Queue is the task queue. One instance serves all workers; sqlite plus
// guarded updates make claims safe across processes too.
type Queue struct {
	store       *persistence.Store
	controls    *controlstate.Store
	checkpoints *checkpoint.Registry
	log         *activity.Log
	logger      *slog.Logger
	retry       RetryPolicy
	metrics     *otelx.Metrics

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func New(store *persistence.Store, controls *controlstate.Store, checkpoints *checkpoint.Registry, log *activity.Log, logger *slog.Logger, retry RetryPolicy) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:       store,
		controls:    controls,
		checkpoints: checkpoints,
		log:         log,
		logger:      logger,
		retry:       retry.withDefaults(),
		schemas:     make(map[string]*jsonschema.Schema),
	}
}

// SetMetrics attaches instruments for the queue's lifecycle counters.
func (q *Queue) SetMetrics(m *otelx.Metrics) {
	q.metrics = m
}

// RegisterSchema attaches a JSON schema to a task type. Enqueue then
// rejects payloads that do not validate against it.
func (q *Queue) RegisterSchema(taskType, schemaJSON string) error {
	if taskType == "" {
		return shared.NewValidationError("task type required")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return shared.NewValidationError(fmt.Sprintf("schema for %s is not valid JSON: %v", taskType, err))
	}
	compiler := jsonschema.NewCompiler()
	resource := "steward://task-schema/" + taskType
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile(resource)
	if err != nil {
		return shared.NewValidationError(fmt.Sprintf("schema for %s does not compile: %v", taskType, err))
	}
	q.mu.Lock()
	q.schemas[taskType] = sch
	q.mu.Unlock()
	return nil
}

func (q *Queue) validatePayload(taskType, payload string) error {
	q.mu.RLock()
	sch := q.schemas[taskType]
	q.mu.RUnlock()
	if sch == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return shared.NewValidationError(fmt.Sprintf("payload is not valid JSON: %v", err))
	}
	if err := sch.Validate(inst); err != nil {
		return shared.NewValidationError(fmt.Sprintf("payload rejected by %s schema: %v", taskType, err))
	}
	return nil
}

// Enqueue validates and inserts a task. A disabled scope refuses the
// enqueue outright; a checkpointed task lands blocked until its gate
// resolves.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Task, error) {
	if req.Type == "" {
		return Task{}, shared.NewValidationError("task type required")
	}
	if req.Service == "" {
		return Task{}, shared.NewValidationError("service required")
	}
	if err := req.Scope.Validate(); err != nil {
		return Task{}, err
	}
	if req.NotBefore != nil && req.NotAfter != nil && req.NotAfter.Before(*req.NotBefore) {
		return Task{}, shared.NewValidationError("not_after precedes not_before")
	}
	if req.Payload == "" {
		req.Payload = "{}"
	}
	if err := q.validatePayload(req.Type, req.Payload); err != nil {
		return Task{}, err
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = 3
	}

	eff, err := q.controls.GetEffectiveState(ctx, req.Scope)
	if err != nil {
		return Task{}, err
	}
	if !eff.Enabled {
		return Task{}, &shared.OperationDisabledError{Scope: req.Scope, Reason: eff.DisabledReason()}
	}

	ctx, correlationID := shared.EnsureCorrelationID(ctx)
	now := time.Now().UTC()
	task := Task{
		ID:            uuid.NewString(),
		Type:          req.Type,
		Category:      req.Category,
		Scope:         req.Scope,
		Service:       req.Service,
		Action:        req.Action,
		TargetType:    req.TargetType,
		TargetID:      req.TargetID,
		Payload:       shared.Redact(req.Payload),
		Priority:      req.Priority,
		ScheduledAt:   req.ScheduledAt,
		NotBefore:     req.NotBefore,
		NotAfter:      req.NotAfter,
		MaxAttempts:   req.MaxAttempts,
		ParentTaskID:  req.ParentTaskID,
		CorrelationID: correlationID,
		Status:        StatusPending,
		CreatedAt:     now,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		task.Status = StatusScheduled
	}

	if req.RequiresCheckpoint {
		inst, err := q.checkpoints.Register(ctx, checkpoint.RegisterRequest{
			DefinitionSlug: req.CheckpointSlug,
			Scope:          req.Scope,
			Service:        req.Service,
			Action:         req.Action,
			TargetType:     req.TargetType,
			TargetID:       req.TargetID,
			RequestPayload: task.Payload,
			Risk:           req.Risk,
			Priority:       req.Priority,
			TaskID:         task.ID,
		})
		if err != nil {
			return Task{}, fmt.Errorf("register checkpoint for task: %w", err)
		}
		task.CheckpointID = inst.ID
		task.CheckpointStatus = string(inst.Status)
		if inst.Status == checkpoint.StatusPending {
			task.Status = StatusBlocked
		}
	}

	err = q.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, task_type, category, vertical_id, territory_id, service, action,
				target_type, target_id, payload, priority, scheduled_at, not_before,
				not_after, attempts, max_attempts, checkpoint_id, checkpoint_status,
				correlation_id, parent_task_id, status, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, task.ID, task.Type, task.Category, task.Scope.VerticalID, task.Scope.TerritoryID,
			task.Service, task.Action, task.TargetType, task.TargetID, task.Payload,
			task.Priority, task.ScheduledAt, task.NotBefore, task.NotAfter, task.MaxAttempts,
			nullStr(task.CheckpointID), nullStr(task.CheckpointStatus), task.CorrelationID,
			nullStr(task.ParentTaskID), task.Status); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return appendHistoryTx(ctx, tx, task.ID, "", task.Status, `{"op":"enqueue"}`)
	})
	if err != nil {
		return Task{}, err
	}

	if q.metrics != nil {
		q.metrics.TasksEnqueued.Add(ctx, 1)
	}
	q.log.Record(ctx, activity.Event{
		Type:          "task.enqueued",
		Category:      "taskqueue",
		Severity:      activity.SeverityInfo,
		Service:       task.Service,
		Action:        task.Action,
		Scope:         task.Scope,
		TargetType:    "task",
		TargetID:      task.ID,
		Status:        activity.StatusCompleted,
		CorrelationID: task.CorrelationID,
		Payload:       fmt.Sprintf(`{"task_type":%q,"status":%q,"checkpoint_id":%q}`, task.Type, task.Status, task.CheckpointID),
	})
	return task, nil
}

// DequeueFilter narrows what a worker will claim.
type DequeueFilter struct {
	Service string
	Scope   shared.Scope
}

// DequeueBatch atomically claims up to batchSize ready tasks for workerID.
// Both the selection and the status flips happen in one transaction, so two
// workers polling at once never claim the same task. Pending tasks and
// scheduled tasks whose due time has arrived are both claimable, inside
// their not_before/not_after window. A disabled scope gets an empty batch
// and an audit entry rather than an error: workers keep polling and pick
// work back up the moment the switch re-enables.
func (q *Queue) DequeueBatch(ctx context.Context, workerID string, f DequeueFilter, batchSize int) ([]Task, error) {
	if workerID == "" {
		return nil, shared.NewValidationError("worker id required")
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if err := f.Scope.Validate(); err != nil {
		return nil, err
	}

	enabled, err := q.controls.IsAutonomyEnabled(ctx, f.Scope)
	if err != nil {
		return nil, err
	}
	if !enabled {
		q.log.Record(ctx, activity.Event{
			Type:       "task.poll_skipped",
			Category:   "taskqueue",
			Severity:   activity.SeverityInfo,
			Service:    "task-queue",
			Action:     "dequeue",
			Scope:      f.Scope,
			TargetType: "worker",
			TargetID:   workerID,
			Status:     activity.StatusCompleted,
			Payload:    `{"reason":"autonomy disabled"}`,
		})
		return nil, nil
	}

	now := time.Now().UTC()
	pollStart := time.Now()
	var claimed []Task
	err = persistence.RetryOnBusy(ctx, 5, func() error {
		claimed = nil
		return q.store.WithTx(ctx, func(tx *sql.Tx) error {
			query := `
				SELECT ` + taskColumns + `
				FROM tasks
				WHERE status IN (?, ?)
				  AND (scheduled_at IS NULL OR scheduled_at <= ?)
				  AND (not_before IS NULL OR not_before <= ?)
				  AND (not_after IS NULL OR not_after > ?)`
			args := []any{StatusPending, StatusScheduled, now, now, now}
			if f.Service != "" {
				query += " AND service = ?"
				args = append(args, f.Service)
			}
			switch f.Scope.Type {
			case shared.ScopeVertical:
				query += " AND vertical_id = ?"
				args = append(args, f.Scope.VerticalID)
			case shared.ScopeTerritory:
				query += " AND vertical_id = ? AND territory_id = ?"
				args = append(args, f.Scope.VerticalID, f.Scope.TerritoryID)
			}
			query += ` ORDER BY priority DESC, COALESCE(scheduled_at, created_at) ASC, created_at ASC LIMIT ?;`
			args = append(args, batchSize)

			rows, err := tx.QueryContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("select claimable tasks: %w", err)
			}
			candidates, err := collectTasks(rows)
			if err != nil {
				return err
			}

			for _, t := range candidates {
				from := t.Status
				res, err := tx.ExecContext(ctx, `
					UPDATE tasks
					SET status = ?, claimed_by = ?, started_at = ?, attempts = attempts + 1,
						updated_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = ?;
				`, StatusRunning, workerID, now, t.ID, from)
				if err != nil {
					return fmt.Errorf("claim task %s: %w", t.ID, err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return fmt.Errorf("claim rows affected: %w", err)
				}
				if n != 1 {
					continue
				}
				if err := appendHistoryTx(ctx, tx, t.ID, from, StatusRunning,
					fmt.Sprintf(`{"op":"claim","worker":%q,"attempt":%d}`, workerID, t.Attempts+1)); err != nil {
					return err
				}
				t.Status = StatusRunning
				t.ClaimedBy = workerID
				t.StartedAt = &now
				t.Attempts++
				claimed = append(claimed, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if q.metrics != nil {
		q.metrics.DequeueDuration.Record(ctx, time.Since(pollStart).Seconds())
		if len(claimed) > 0 {
			q.metrics.TasksClaimed.Add(ctx, int64(len(claimed)))
		}
	}
	if len(claimed) > 0 {
		q.log.Record(ctx, activity.Event{
			Type:       "task.claimed",
			Category:   "taskqueue",
			Severity:   activity.SeverityInfo,
			Service:    "task-queue",
			Action:     "dequeue",
			Scope:      f.Scope,
			TargetType: "worker",
			TargetID:   workerID,
			Status:     activity.StatusCompleted,
			Payload:    fmt.Sprintf(`{"claimed":%d}`, len(claimed)),
		})
	}
	return claimed, nil
}

// Complete marks a running task done. Only the claiming worker may
// complete it.
func (q *Queue) Complete(ctx context.Context, id, workerID, resultJSON string) error {
	if resultJSON == "" {
		resultJSON = "{}"
	}
	task, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	err = persistence.RetryOnBusy(ctx, 5, func() error {
		return q.store.WithTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, result = ?, finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ? AND claimed_by = ?;
			`, StatusCompleted, shared.Redact(resultJSON), id, StatusRunning, workerID)
			if err != nil {
				return fmt.Errorf("complete task: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("complete rows affected: %w", err)
			}
			if n != 1 {
				return shared.NewConflictError(fmt.Sprintf("task %s is not running under worker %s", id, workerID))
			}
			return appendHistoryTx(ctx, tx, id, StatusRunning, StatusCompleted,
				fmt.Sprintf(`{"op":"complete","worker":%q}`, workerID))
		})
	})
	if err != nil {
		return err
	}

	if q.metrics != nil {
		q.metrics.TasksCompleted.Add(ctx, 1)
	}
	q.log.Record(ctx, activity.Event{
		Type:          "task.completed",
		Category:      "taskqueue",
		Severity:      activity.SeverityInfo,
		Service:       task.Service,
		Action:        task.Action,
		Scope:         task.Scope,
		TargetType:    "task",
		TargetID:      id,
		Status:        activity.StatusCompleted,
		CorrelationID: task.CorrelationID,
	})
	return nil
}

// Fail records a failed attempt. Below the attempt ceiling the task goes
// back to pending with an exponential backoff delay; at the ceiling it is
// terminally failed and left for operator review.
func (q *Queue) Fail(ctx context.Context, id, workerID, errMsg string) error {
	task, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	terminal := task.Attempts >= task.MaxAttempts
	now := time.Now().UTC()
	next := now.Add(q.retry.Delay(task.Attempts))

	err = persistence.RetryOnBusy(ctx, 5, func() error {
		return q.store.WithTx(ctx, func(tx *sql.Tx) error {
			var res sql.Result
			var err error
			if terminal {
				res, err = tx.ExecContext(ctx, `
					UPDATE tasks
					SET status = ?, last_error = ?, claimed_by = NULL,
						finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = ? AND claimed_by = ?;
				`, StatusFailed, errMsg, id, StatusRunning, workerID)
			} else {
				res, err = tx.ExecContext(ctx, `
					UPDATE tasks
					SET status = ?, last_error = ?, claimed_by = NULL, started_at = NULL,
						scheduled_at = ?, updated_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = ? AND claimed_by = ?;
				`, StatusPending, errMsg, next, id, StatusRunning, workerID)
			}
			if err != nil {
				return fmt.Errorf("fail task: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("fail rows affected: %w", err)
			}
			if n != 1 {
				return shared.NewConflictError(fmt.Sprintf("task %s is not running under worker %s", id, workerID))
			}
			to := StatusPending
			detail := fmt.Sprintf(`{"op":"retry","worker":%q,"attempt":%d,"next_at":%q}`,
				workerID, task.Attempts, next.Format(time.RFC3339))
			if terminal {
				to = StatusFailed
				detail = fmt.Sprintf(`{"op":"dead_letter","worker":%q,"attempt":%d}`, workerID, task.Attempts)
			}
			return appendHistoryTx(ctx, tx, id, StatusRunning, to, detail)
		})
	})
	if err != nil {
		return err
	}

	severity := activity.SeverityWarning
	eventType := "task.retry_scheduled"
	if terminal {
		severity = activity.SeverityError
		eventType = "task.dead_lettered"
	}
	if q.metrics != nil {
		q.metrics.TasksFailed.Add(ctx, 1)
		if terminal {
			q.metrics.TasksDeadLettered.Add(ctx, 1)
		}
	}
	q.log.Record(ctx, activity.Event{
		Type:          eventType,
		Category:      "taskqueue",
		Severity:      severity,
		Service:       task.Service,
		Action:        task.Action,
		Scope:         task.Scope,
		TargetType:    "task",
		TargetID:      id,
		Status:        activity.StatusFailed,
		CorrelationID: task.CorrelationID,
		Payload: fmt.Sprintf(`{"attempt":%d,"max_attempts":%d,"error":%q}`,
			task.Attempts, task.MaxAttempts, errMsg),
	})
	return nil
}

// Cancel withdraws a task that has not started running. Running and
// terminal tasks cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, id, actor, reason string) error {
	if actor == "" {
		return shared.NewValidationError("actor required")
	}
	task, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(task.Status, StatusCancelled) {
		return shared.NewConflictError(fmt.Sprintf("task %s is %s and cannot be cancelled", id, task.Status))
	}

	err = q.transitionGuarded(ctx, id, task.Status, StatusCancelled, reason,
		fmt.Sprintf(`{"op":"cancel","actor":%q,"reason":%q}`, actor, reason))
	if err != nil {
		return err
	}

	q.log.Record(ctx, activity.Event{
		Type:          "task.cancelled",
		Category:      "taskqueue",
		Severity:      activity.SeverityInfo,
		Service:       task.Service,
		Action:        task.Action,
		Scope:         task.Scope,
		TargetType:    "task",
		TargetID:      id,
		Status:        activity.StatusCompleted,
		CorrelationID: task.CorrelationID,
		Payload:       fmt.Sprintf(`{"actor":%q,"reason":%q}`, actor, reason),
	})
	return nil
}

// OnCheckpointResolved implements checkpoint.TaskResolver. Approval
// unblocks the task; rejection cancels it; expiry fails it terminally.
func (q *Queue) OnCheckpointResolved(ctx context.Context, taskID string, status checkpoint.Status, reason string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}

	var to Status
	switch status {
	case checkpoint.StatusApproved:
		to = StatusPending
	case checkpoint.StatusRejected:
		to = StatusCancelled
	case checkpoint.StatusExpired:
		to = StatusFailed
	default:
		return shared.NewValidationError(fmt.Sprintf("unexpected checkpoint resolution %q", status))
	}
	if task.Status != StatusBlocked {
		// Already moved on (e.g. cancelled by an operator while the gate
		// was pending). Record the checkpoint outcome and stop.
		q.logger.Warn("checkpoint resolved for non-blocked task",
			"task_id", taskID, "task_status", task.Status, "checkpoint_status", status)
		return nil
	}

	err = persistence.RetryOnBusy(ctx, 5, func() error {
		return q.store.WithTx(ctx, func(tx *sql.Tx) error {
			extra := ""
			args := []any{to, string(status)}
			if to == StatusFailed {
				extra = ", last_error = ?, finished_at = CURRENT_TIMESTAMP"
				args = append(args, "checkpoint expired: "+reason)
			}
			args = append(args, taskID, StatusBlocked)
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, checkpoint_status = ?`+extra+`, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, args...)
			if err != nil {
				return fmt.Errorf("resolve blocked task: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("resolve rows affected: %w", err)
			}
			if n != 1 {
				return shared.NewConflictError(fmt.Sprintf("task %s left blocked state concurrently", taskID))
			}
			return appendHistoryTx(ctx, tx, taskID, StatusBlocked, to,
				fmt.Sprintf(`{"op":"checkpoint_resolved","checkpoint_status":%q,"reason":%q}`, status, reason))
		})
	})
	if err != nil {
		return err
	}

	severity := activity.SeverityInfo
	if to != StatusPending {
		severity = activity.SeverityWarning
	}
	q.log.Record(ctx, activity.Event{
		Type:          "task.checkpoint_" + string(status),
		Category:      "taskqueue",
		Severity:      severity,
		Service:       task.Service,
		Action:        task.Action,
		Scope:         task.Scope,
		TargetType:    "task",
		TargetID:      taskID,
		Status:        activity.StatusCompleted,
		CorrelationID: task.CorrelationID,
		Payload:       fmt.Sprintf(`{"checkpoint_id":%q,"task_status":%q}`, task.CheckpointID, to),
	})
	return nil
}

// PromoteScheduled flips scheduled tasks whose time has come to pending.
// Called by the sweeper; idempotent.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	return q.bulkTransition(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?;
	`, []any{StatusScheduled, now.UTC()}, StatusScheduled, StatusPending, `{"op":"promote"}`, nil)
}

// ExpireOverdue terminally fails non-terminal unstarted tasks whose
// not_after deadline has passed. Idempotent.
func (q *Queue) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, from := range []Status{StatusPending, StatusScheduled, StatusBlocked} {
		n, err := q.bulkTransition(ctx, `
			SELECT id FROM tasks
			WHERE status = ? AND not_after IS NOT NULL AND not_after <= ?;
		`, []any{from, now.UTC()}, from, StatusFailed, `{"op":"expire"}`,
			map[string]any{"last_error": "not_after deadline elapsed"})
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		q.log.Record(ctx, activity.Event{
			Type:       "task.expired",
			Category:   "taskqueue",
			Severity:   activity.SeverityWarning,
			Service:    "task-queue",
			Action:     "expire",
			Status:     activity.StatusCompleted,
			TargetType: "task",
			Payload:    fmt.Sprintf(`{"expired":%d}`, total),
		})
	}
	return total, nil
}

func (q *Queue) bulkTransition(ctx context.Context, selectQuery string, selectArgs []any, from, to Status, detail string, extraSet map[string]any) (int, error) {
	var moved int
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, selectQuery, selectArgs...)
		if err != nil {
			return fmt.Errorf("select tasks for bulk transition: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan task id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("bulk transition rows: %w", err)
		}

		set := "status = ?, updated_at = CURRENT_TIMESTAMP"
		for col := range extraSet {
			set += ", " + col + " = ?"
		}
		for _, id := range ids {
			args := []any{to}
			for col := range extraSet {
				args = append(args, extraSet[col])
			}
			args = append(args, id, from)
			res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ? AND status = ?;`, args...)
			if err != nil {
				return fmt.Errorf("bulk transition task %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("bulk transition rows affected: %w", err)
			}
			if n != 1 {
				continue
			}
			if err := appendHistoryTx(ctx, tx, id, from, to, detail); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	return moved, err
}

func (q *Queue) transitionGuarded(ctx context.Context, id string, from, to Status, reason, detail string) error {
	return persistence.RetryOnBusy(ctx, 5, func() error {
		return q.store.WithTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, to, nullStr(reason), id, from)
			if err != nil {
				return fmt.Errorf("transition task: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("transition rows affected: %w", err)
			}
			if n != 1 {
				return shared.NewConflictError(fmt.Sprintf("task %s left %s state concurrently", id, from))
			}
			return appendHistoryTx(ctx, tx, id, from, to, detail)
		})
	})
}

// Get returns one task by id.
func (q *Queue) Get(ctx context.Context, id string) (Task, error) {
	row := q.store.DB().QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, shared.NewNotFoundError("task", id)
	}
	return t, err
}

// ListFilter narrows List results.
type ListFilter struct {
	Status  Status
	Type    string
	Service string
	Scope   *shared.Scope
}

// List returns tasks matching the filter, newest first.
func (q *Queue) List(ctx context.Context, f ListFilter, limit int) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += " AND task_type = ?"
		args = append(args, f.Type)
	}
	if f.Service != "" {
		query += " AND service = ?"
		args = append(args, f.Service)
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

	rows, err := q.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// History returns a task's transition trail, oldest first.
func (q *Queue) History(ctx context.Context, id string) ([]TaskHistoryEntry, error) {
	rows, err := q.store.DB().QueryContext(ctx, `
		SELECT id, task_id, previous_status, new_status, detail, created_at
		FROM task_history
		WHERE task_id = ?
		ORDER BY id ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query task history: %w", err)
	}
	defer rows.Close()

	var out []TaskHistoryEntry
	for rows.Next() {
		var h TaskHistoryEntry
		if err := rows.Scan(&h.ID, &h.TaskID, &h.PreviousStatus, &h.NewStatus, &h.Detail, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task history rows: %w", err)
	}
	return out, nil
}

// TaskHistoryEntry is one append-only task transition record.
type TaskHistoryEntry struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"task_id"`
	PreviousStatus Status    `json:"previous_status"`
	NewStatus      Status    `json:"new_status"`
	Detail         string    `json:"detail"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stats summarizes queue health for the operator surface.
type Stats struct {
	ByStatus         map[Status]int `json:"by_status"`
	OldestPendingAge float64        `json:"oldest_pending_age_seconds"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByStatus: make(map[Status]int)}
	rows, err := q.store.DB().QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks GROUP BY status;
	`)
	if err != nil {
		return stats, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return stats, fmt.Errorf("scan task stats: %w", err)
		}
		stats.ByStatus[s] = n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("task stats rows: %w", err)
	}

	// MIN() strips the column's datetime affinity, so the driver hands the
	// aggregate back as a raw string.
	var oldest sql.NullString
	err = q.store.DB().QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM tasks WHERE status = ?;
	`, StatusPending).Scan(&oldest)
	if err != nil {
		return stats, fmt.Errorf("oldest pending: %w", err)
	}
	if oldest.Valid && oldest.String != "" {
		ts, err := parseStoredTime(oldest.String)
		if err != nil {
			return stats, fmt.Errorf("oldest pending: %w", err)
		}
		stats.OldestPendingAge = time.Since(ts).Seconds()
	}
	return stats, nil
}

func parseStoredTime(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

const taskColumns = `id, task_type, category, vertical_id, territory_id, service, action,
	target_type, target_id, payload, priority, scheduled_at, not_before, not_after,
	attempts, max_attempts, COALESCE(checkpoint_id, ''), COALESCE(checkpoint_status, ''),
	correlation_id, COALESCE(parent_task_id, ''), status, COALESCE(claimed_by, ''),
	COALESCE(result, ''), COALESCE(last_error, ''), started_at, finished_at, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (Task, error) {
	var (
		t           Task
		verticalID  string
		territoryID string
		scheduledAt sql.NullTime
		notBefore   sql.NullTime
		notAfter    sql.NullTime
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)
	if err := scan(
		&t.ID, &t.Type, &t.Category, &verticalID, &territoryID, &t.Service, &t.Action,
		&t.TargetType, &t.TargetID, &t.Payload, &t.Priority, &scheduledAt, &notBefore, &notAfter,
		&t.Attempts, &t.MaxAttempts, &t.CheckpointID, &t.CheckpointStatus,
		&t.CorrelationID, &t.ParentTaskID, &t.Status, &t.ClaimedBy,
		&t.Result, &t.LastError, &startedAt, &finishedAt, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Scope = scopeFromIDs(verticalID, territoryID)
	for src, dst := range map[*sql.NullTime]**time.Time{
		&scheduledAt: &t.ScheduledAt,
		&notBefore:   &t.NotBefore,
		&notAfter:    &t.NotAfter,
		&startedAt:   &t.StartedAt,
		&finishedAt:  &t.FinishedAt,
	} {
		if src.Valid {
			v := src.Time
			*dst = &v
		}
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
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

func appendHistoryTx(ctx context.Context, tx *sql.Tx, taskID string, from, to Status, detail string) error {
	if detail == "" {
		detail = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_history (task_id, previous_status, new_status, detail, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, taskID, string(from), string(to), detail); err != nil {
		return fmt.Errorf("insert task history: %w", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
