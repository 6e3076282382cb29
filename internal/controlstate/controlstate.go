// Package controlstate implements the hierarchical kill switch: per-scope
// enable/disable rows with rate limits, versioned optimistic updates, and an
// append-only transition history. A scope is effectively enabled only when
// itself and every ancestor (global, then vertical, then territory) are.
package controlstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidefall/steward/internal/activity"
	"github.com/tidefall/steward/internal/persistence"
	"github.com/tidefall/steward/internal/shared"
)

const busyRetries = 5

// Limits are the per-scope rate-limit knobs. Zero values mean "unlimited" /
// "not armed".
type Limits struct {
	MaxConcurrent      int     `json:"max_concurrent"`
	MaxPerHour         int     `json:"max_per_hour"`
	MaxPerDay          int     `json:"max_per_day"`
	ErrorRateThreshold float64 `json:"error_rate_threshold"`
	AutoDisable        bool    `json:"auto_disable"`
}

// LimitsPatch is a partial update; nil fields are left untouched.
type LimitsPatch struct {
	MaxConcurrent      *int     `json:"max_concurrent,omitempty"`
	MaxPerHour         *int     `json:"max_per_hour,omitempty"`
	MaxPerDay          *int     `json:"max_per_day,omitempty"`
	ErrorRateThreshold *float64 `json:"error_rate_threshold,omitempty"`
	AutoDisable        *bool    `json:"auto_disable,omitempty"`
}

// State is one control row, unique per scope tuple.
type State struct {
	ID             string       `json:"id"`
	Scope          shared.Scope `json:"scope"`
	Enabled        bool         `json:"enabled"`
	DisabledReason string       `json:"disabled_reason,omitempty"`
	DisabledBy     string       `json:"disabled_by,omitempty"`
	DisabledAt     *time.Time   `json:"disabled_at,omitempty"`
	Limits         Limits       `json:"limits"`
	Version        int          `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// EffectiveState merges the scope's ancestor chain. Enabled is false when
// any contributing row is disabled; scopes with no row count as enabled.
type EffectiveState struct {
	Scope        shared.Scope `json:"scope"`
	Enabled      bool         `json:"enabled"`
	Contributing []State      `json:"contributing_states"`
}

// DisabledReason returns the recorded reason on the nearest disabled
// contributing state, or empty when the scope is enabled.
func (e EffectiveState) DisabledReason() string {
	for i := len(e.Contributing) - 1; i >= 0; i-- {
		if !e.Contributing[i].Enabled {
			return e.Contributing[i].DisabledReason
		}
	}
	return ""
}

// HistoryEntry is one immutable control-state transition record.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	StateID      string    `json:"state_id"`
	PreviousJSON string    `json:"previous"`
	NewJSON      string    `json:"new"`
	Actor        string    `json:"actor"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store mutates and reads control state. Enable/Disable/UpdateLimits each
// run as one atomic read-modify-write so history entries can never land out
// of order relative to the resulting state.
type Store struct {
	store  *persistence.Store
	log    *activity.Log
	logger *slog.Logger

	cacheTTL time.Duration
	cacheMu  sync.Mutex
	cache    map[string]cacheEntry
}

type cacheEntry struct {
	enabled bool
	expires time.Time
}

func NewStore(store *persistence.Store, log *activity.Log, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		store:    store,
		log:      log,
		logger:   logger,
		cacheTTL: 3 * time.Second,
		cache:    map[string]cacheEntry{},
	}
}

// Enable turns the scope's switch on. Unknown scope tuples are created:
// kill switches must always be settable, there is no "not found" here.
func (s *Store) Enable(ctx context.Context, scope shared.Scope, actor, reason string) error {
	return s.setEnabled(ctx, scope, true, actor, reason)
}

// Disable turns the scope's switch off, halting new autonomous work there.
func (s *Store) Disable(ctx context.Context, scope shared.Scope, actor, reason string) error {
	return s.setEnabled(ctx, scope, false, actor, reason)
}

func (s *Store) setEnabled(ctx context.Context, scope shared.Scope, enabled bool, actor, reason string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if actor == "" {
		return shared.NewValidationError("actor required")
	}

	var after State
	err := persistence.RetryOnBusy(ctx, busyRetries, func() error {
		return s.store.WithTx(ctx, func(tx *sql.Tx) error {
			prev, found, err := getStateTx(ctx, tx, scope)
			if err != nil {
				return err
			}
			if !found {
				created, err := insertStateTx(ctx, tx, scope, enabled, actor, reason)
				if err != nil {
					return err
				}
				after = created
				return appendHistoryTx(ctx, tx, created.ID, State{}, created, actor, reason)
			}

			next := prev
			next.Enabled = enabled
			if enabled {
				next.DisabledReason = ""
				next.DisabledBy = ""
				next.DisabledAt = nil
			} else {
				now := time.Now().UTC()
				next.DisabledReason = reason
				next.DisabledBy = actor
				next.DisabledAt = &now
			}
			next.Version = prev.Version + 1

			// Compare-and-swap on version: a concurrent writer forces a
			// retry through the busy/conflict path rather than silently
			// interleaving history.
			res, err := tx.ExecContext(ctx, `
				UPDATE control_states
				SET enabled = ?, disabled_reason = ?, disabled_by = ?, disabled_at = ?,
					version = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND version = ?;
			`, next.Enabled, nullStr(next.DisabledReason), nullStr(next.DisabledBy), next.DisabledAt,
				next.Version, prev.ID, prev.Version)
			if err != nil {
				return fmt.Errorf("update control state: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("control state rows affected: %w", err)
			}
			if n != 1 {
				return shared.NewConflictError(fmt.Sprintf("concurrent update on scope %s", scope.Key()))
			}
			after = next
			return appendHistoryTx(ctx, tx, prev.ID, prev, next, actor, reason)
		})
	})
	if err != nil {
		return err
	}

	s.invalidateCache()

	eventType := "control.enabled"
	severity := activity.SeverityInfo
	if !enabled {
		eventType = "control.disabled"
		severity = activity.SeverityWarning
	}
	s.log.Record(ctx, activity.Event{
		Type:     eventType,
		Category: "control",
		Severity: severity,
		Service:  "control-state",
		Action:   "set_enabled",
		Scope:    scope,
		TargetID: after.ID,
		Status:   activity.StatusCompleted,
		Payload:  fmt.Sprintf(`{"actor":%q,"reason":%q,"version":%d}`, actor, reason, after.Version),
	})
	return nil
}

// UpdateLimits applies a partial rate-limit update. It never touches the
// enabled flag. Unknown scope tuples are created enabled with the limits.
func (s *Store) UpdateLimits(ctx context.Context, scope shared.Scope, patch LimitsPatch, actor string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if actor == "" {
		return shared.NewValidationError("actor required")
	}
	if patch.ErrorRateThreshold != nil && (*patch.ErrorRateThreshold < 0 || *patch.ErrorRateThreshold > 1) {
		return shared.NewValidationError("error_rate_threshold must be within [0, 1]")
	}
	for _, v := range []*int{patch.MaxConcurrent, patch.MaxPerHour, patch.MaxPerDay} {
		if v != nil && *v < 0 {
			return shared.NewValidationError("rate limits must be non-negative")
		}
	}

	err := persistence.RetryOnBusy(ctx, busyRetries, func() error {
		return s.store.WithTx(ctx, func(tx *sql.Tx) error {
			prev, found, err := getStateTx(ctx, tx, scope)
			if err != nil {
				return err
			}
			if !found {
				created, err := insertStateTx(ctx, tx, scope, true, actor, "created via limits update")
				if err != nil {
					return err
				}
				prev = created
			}

			next := prev
			if patch.MaxConcurrent != nil {
				next.Limits.MaxConcurrent = *patch.MaxConcurrent
			}
			if patch.MaxPerHour != nil {
				next.Limits.MaxPerHour = *patch.MaxPerHour
			}
			if patch.MaxPerDay != nil {
				next.Limits.MaxPerDay = *patch.MaxPerDay
			}
			if patch.ErrorRateThreshold != nil {
				next.Limits.ErrorRateThreshold = *patch.ErrorRateThreshold
			}
			if patch.AutoDisable != nil {
				next.Limits.AutoDisable = *patch.AutoDisable
			}
			next.Version = prev.Version + 1

			res, err := tx.ExecContext(ctx, `
				UPDATE control_states
				SET max_concurrent = ?, max_per_hour = ?, max_per_day = ?,
					error_rate_threshold = ?, auto_disable = ?,
					version = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND version = ?;
			`, next.Limits.MaxConcurrent, next.Limits.MaxPerHour, next.Limits.MaxPerDay,
				next.Limits.ErrorRateThreshold, next.Limits.AutoDisable,
				next.Version, prev.ID, prev.Version)
			if err != nil {
				return fmt.Errorf("update control limits: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("control limits rows affected: %w", err)
			}
			if n != 1 {
				return shared.NewConflictError(fmt.Sprintf("concurrent update on scope %s", scope.Key()))
			}
			return appendHistoryTx(ctx, tx, prev.ID, prev, next, actor, "limits updated")
		})
	})
	if err != nil {
		return err
	}

	s.log.Record(ctx, activity.Event{
		Type:     "control.limits_updated",
		Category: "control",
		Severity: activity.SeverityInfo,
		Service:  "control-state",
		Action:   "update_limits",
		Scope:    scope,
		Status:   activity.StatusCompleted,
		Payload:  fmt.Sprintf(`{"actor":%q}`, actor),
	})
	return nil
}

// GetEffectiveState merges the scope's ancestor chain. Deterministic: the
// same rows always produce the same answer.
func (s *Store) GetEffectiveState(ctx context.Context, scope shared.Scope) (EffectiveState, error) {
	if err := scope.Validate(); err != nil {
		return EffectiveState{}, err
	}
	eff := EffectiveState{Scope: scope, Enabled: true}
	for _, ancestor := range scope.Ancestors() {
		state, found, err := s.getState(ctx, ancestor)
		if err != nil {
			return EffectiveState{}, err
		}
		if !found {
			continue
		}
		eff.Contributing = append(eff.Contributing, state)
		if !state.Enabled {
			eff.Enabled = false
		}
	}
	return eff, nil
}

// IsAutonomyEnabled is the cheap, side-effect-free check every autonomous
// producer calls before doing work. Results are cached for a few seconds.
func (s *Store) IsAutonomyEnabled(ctx context.Context, scope shared.Scope) (bool, error) {
	key := scope.Key()
	now := time.Now()
	s.cacheMu.Lock()
	if e, ok := s.cache[key]; ok && now.Before(e.expires) {
		s.cacheMu.Unlock()
		return e.enabled, nil
	}
	s.cacheMu.Unlock()

	eff, err := s.GetEffectiveState(ctx, scope)
	if err != nil {
		return false, err
	}
	s.cacheMu.Lock()
	s.cache[key] = cacheEntry{enabled: eff.Enabled, expires: now.Add(s.cacheTTL)}
	s.cacheMu.Unlock()
	return eff.Enabled, nil
}

// AutoDisableSettings implements activity.ScopeControls for the error-rate
// monitor: threshold and arming flag from the scope's own row.
func (s *Store) AutoDisableSettings(ctx context.Context, scope shared.Scope) (float64, bool, error) {
	state, found, err := s.getState(ctx, scope)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	return state.Limits.ErrorRateThreshold, state.Limits.AutoDisable, nil
}

// GetState returns the scope's own row without merging ancestors.
func (s *Store) GetState(ctx context.Context, scope shared.Scope) (State, bool, error) {
	if err := scope.Validate(); err != nil {
		return State{}, false, err
	}
	return s.getState(ctx, scope)
}

// ListStates returns every control row, global first.
func (s *Store) ListStates(ctx context.Context) ([]State, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT `+stateColumns+`
		FROM control_states
		ORDER BY scope_type, vertical_id, territory_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list control states: %w", err)
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		state, err := scanState(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("control state rows: %w", err)
	}
	return out, nil
}

// History returns the scope's transition trail, oldest first.
func (s *Store) History(ctx context.Context, scope shared.Scope, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT h.id, h.state_id, h.previous_json, h.new_json, h.actor, h.reason, h.created_at
		FROM control_history h
		JOIN control_states c ON c.id = h.state_id
		WHERE c.scope_type = ? AND c.vertical_id = ? AND c.territory_id = ?
		ORDER BY h.id ASC
		LIMIT ?;
	`, scope.Type, scope.VerticalID, scope.TerritoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("query control history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.StateID, &h.PreviousJSON, &h.NewJSON, &h.Actor, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan control history: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("control history rows: %w", err)
	}
	return out, nil
}

func (s *Store) invalidateCache() {
	s.cacheMu.Lock()
	s.cache = map[string]cacheEntry{}
	s.cacheMu.Unlock()
}

const stateColumns = `id, scope_type, vertical_id, territory_id, enabled,
	COALESCE(disabled_reason, ''), COALESCE(disabled_by, ''), disabled_at,
	max_concurrent, max_per_hour, max_per_day, error_rate_threshold, auto_disable,
	version, created_at, updated_at`

func (s *Store) getState(ctx context.Context, scope shared.Scope) (State, bool, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT `+stateColumns+`
		FROM control_states
		WHERE scope_type = ? AND vertical_id = ? AND territory_id = ?;
	`, scope.Type, scope.VerticalID, scope.TerritoryID)
	state, err := scanState(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

func getStateTx(ctx context.Context, tx *sql.Tx, scope shared.Scope) (State, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+stateColumns+`
		FROM control_states
		WHERE scope_type = ? AND vertical_id = ? AND territory_id = ?;
	`, scope.Type, scope.VerticalID, scope.TerritoryID)
	state, err := scanState(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

func scanState(scan func(dest ...any) error) (State, error) {
	var (
		state      State
		scopeType  string
		verticalID string
		territory  string
		disabledAt sql.NullTime
	)
	if err := scan(
		&state.ID, &scopeType, &verticalID, &territory, &state.Enabled,
		&state.DisabledReason, &state.DisabledBy, &disabledAt,
		&state.Limits.MaxConcurrent, &state.Limits.MaxPerHour, &state.Limits.MaxPerDay,
		&state.Limits.ErrorRateThreshold, &state.Limits.AutoDisable,
		&state.Version, &state.CreatedAt, &state.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return State{}, err
		}
		return State{}, fmt.Errorf("scan control state: %w", err)
	}
	state.Scope = shared.Scope{Type: shared.ScopeType(scopeType), VerticalID: verticalID, TerritoryID: territory}
	if disabledAt.Valid {
		t := disabledAt.Time
		state.DisabledAt = &t
	}
	return state, nil
}

func insertStateTx(ctx context.Context, tx *sql.Tx, scope shared.Scope, enabled bool, actor, reason string) (State, error) {
	state := State{
		ID:      uuid.NewString(),
		Scope:   scope,
		Enabled: enabled,
		Version: 1,
	}
	var disabledReason, disabledBy any
	var disabledAt *time.Time
	if !enabled {
		now := time.Now().UTC()
		state.DisabledReason = reason
		state.DisabledBy = actor
		state.DisabledAt = &now
		disabledReason, disabledBy, disabledAt = reason, actor, &now
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO control_states (
			id, scope_type, vertical_id, territory_id, enabled,
			disabled_reason, disabled_by, disabled_at, version, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, state.ID, scope.Type, scope.VerticalID, scope.TerritoryID, enabled,
		disabledReason, disabledBy, disabledAt); err != nil {
		return State{}, fmt.Errorf("insert control state: %w", err)
	}
	return state, nil
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, stateID string, prev, next State, actor, reason string) error {
	prevJSON := "{}"
	if prev.ID != "" {
		b, err := json.Marshal(prev)
		if err != nil {
			return fmt.Errorf("marshal previous state: %w", err)
		}
		prevJSON = string(b)
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal new state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO control_history (state_id, previous_json, new_json, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, stateID, prevJSON, string(nextJSON), actor, reason); err != nil {
		return fmt.Errorf("insert control history: %w", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
