package activity

import (
	"context"
	"fmt"
	"log/slog"

	otelx "github.com/tidefall/steward/internal/otel"
	"github.com/tidefall/steward/internal/shared"
)

// AutoDisableReason is the reason recorded when the monitor trips a scope's
// kill switch. It distinguishes automatic disables from operator action.
const AutoDisableReason = "error-rate-threshold-exceeded"

// ScopeControls is the slice of the control-state store the monitor needs.
// It is the only component permitted to mutate control state without an
// explicit human action.
type ScopeControls interface {
	// AutoDisableSettings returns the scope's error-rate threshold and
	// whether automatic disabling is armed.
	AutoDisableSettings(ctx context.Context, scope shared.Scope) (threshold float64, armed bool, err error)
	// Disable flips the scope's kill switch.
	Disable(ctx context.Context, scope shared.Scope, actor, reason string) error
}

// MonitorConfig tunes the rolling window. The ratio is a plain
// failed/total over the most recent WindowSize events; MinEvents guards
// low-volume scopes from tripping on a single failure.
type MonitorConfig struct {
	WindowSize int
	MinEvents  int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.MinEvents <= 0 {
		c.MinEvents = 5
	}
	if c.MinEvents > c.WindowSize {
		c.MinEvents = c.WindowSize
	}
	return c
}

// Monitor watches the failure ratio per (service, scope) and auto-disables
// scopes whose control state arms it.
type Monitor struct {
	log      *Log
	controls ScopeControls
	logger   *slog.Logger
	cfg      MonitorConfig
	metrics  *otelx.Metrics
}

func NewMonitor(log *Log, controls ScopeControls, logger *slog.Logger, cfg MonitorConfig) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{log: log, controls: controls, logger: logger, cfg: cfg.withDefaults()}
}

// Reconfigure swaps the window tunables. Safe to call from the config
// watcher; Observe reads cfg by value per call.
func (m *Monitor) Reconfigure(cfg MonitorConfig) {
	m.cfg = cfg.withDefaults()
}

// SetMetrics attaches the auto-disable counter.
func (m *Monitor) SetMetrics(metrics *otelx.Metrics) {
	m.metrics = metrics
}

// Observe is called after a failed event lands in the ledger. Errors here
// are logged, never surfaced: monitoring must not break the failing
// operation's own error path.
func (m *Monitor) Observe(ctx context.Context, service string, scope shared.Scope) {
	threshold, armed, err := m.controls.AutoDisableSettings(ctx, scope)
	if err != nil {
		m.logger.Error("error-rate monitor: read controls", "scope", scope.Key(), "error", err)
		return
	}
	if !armed || threshold <= 0 {
		return
	}

	total, failed, err := m.window(ctx, service, scope)
	if err != nil {
		m.logger.Error("error-rate monitor: window query", "scope", scope.Key(), "error", err)
		return
	}
	if total < int64(m.cfg.MinEvents) {
		return
	}
	// The switch flips only when the ratio exceeds the threshold; sitting
	// exactly at it is tolerated.
	ratio := float64(failed) / float64(total)
	if ratio <= threshold {
		return
	}

	if err := m.controls.Disable(ctx, scope, shared.SystemActor, AutoDisableReason); err != nil {
		m.logger.Error("error-rate monitor: auto-disable failed",
			"scope", scope.Key(), "service", service, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.AutoDisables.Add(ctx, 1)
	}
	m.logger.Warn("error-rate monitor tripped kill switch",
		"scope", scope.Key(),
		"service", service,
		"failed", failed,
		"window", total,
		"ratio", ratio,
		"threshold", threshold,
	)
	m.log.Record(ctx, Event{
		Type:     "control.auto_disabled",
		Category: "control",
		Severity: SeverityCritical,
		Service:  "error-rate-monitor",
		Action:   "auto_disable",
		Scope:    scope,
		Status:   StatusCompleted,
		Payload: fmt.Sprintf(`{"service":%q,"failed":%d,"window":%d,"threshold":%g}`,
			service, failed, total, threshold),
	})
}

// window returns (total, failed) over the most recent WindowSize events for
// the (service, scope) pair.
func (m *Monitor) window(ctx context.Context, service string, scope shared.Scope) (total, failed int64, err error) {
	sq, sargs := scopeClause(scope)
	query := `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM (
			SELECT status
			FROM activity_events
			WHERE service = ?` + sq + `
			  AND status IN ('completed', 'failed')
			ORDER BY id DESC
			LIMIT ?
		);`
	args := append([]any{service}, sargs...)
	args = append(args, m.cfg.WindowSize)
	if err := m.log.store.DB().QueryRowContext(ctx, query, args...).Scan(&total, &failed); err != nil {
		return 0, 0, fmt.Errorf("error-rate window: %w", err)
	}
	return total, failed, nil
}
