// Package sweeper runs the periodic maintenance pass: expiring overdue
// checkpoints, promoting scheduled tasks whose time has come, and failing
// tasks past their deadline. Every pass is idempotent, so an aggressive
// cadence is safe.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/tidefall/steward/internal/checkpoint"
	"github.com/tidefall/steward/internal/taskqueue"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Checkpoints *checkpoint.Registry
	Queue       *taskqueue.Queue
	Logger      *slog.Logger
	CronExpr    string // sweep cadence; defaults to every minute
}

// Sweeper drives the maintenance pass on a cron cadence.
type Sweeper struct {
	checkpoints *checkpoint.Registry
	queue       *taskqueue.Queue
	logger      *slog.Logger
	schedule    cronlib.Schedule
	expr        string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper. An invalid cron expression is an error rather
// than a silent fallback.
func New(cfg Config) (*Sweeper, error) {
	expr := cfg.CronExpr
	if expr == "" {
		expr = "* * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		checkpoints: cfg.Checkpoints,
		queue:       cfg.Queue,
		logger:      logger,
		schedule:    schedule,
		expr:        expr,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "cron", s.expr)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on startup, then per the cron schedule.
	s.Tick(ctx, time.Now())

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick runs one maintenance pass. Exported so tests and the CLI can
// drive it directly.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) {
	swept, err := s.checkpoints.SweepExpired(ctx, now)
	if err != nil {
		s.logger.Error("sweeper: checkpoint sweep failed", "error", err)
	} else if swept.AutoApproved > 0 || swept.Expired > 0 {
		s.logger.Info("sweeper: checkpoints swept",
			"auto_approved", swept.AutoApproved, "expired", swept.Expired)
	}

	promoted, err := s.queue.PromoteScheduled(ctx, now)
	if err != nil {
		s.logger.Error("sweeper: scheduled-task promotion failed", "error", err)
	} else if promoted > 0 {
		s.logger.Info("sweeper: scheduled tasks promoted", "promoted", promoted)
	}

	expired, err := s.queue.ExpireOverdue(ctx, now)
	if err != nil {
		s.logger.Error("sweeper: overdue-task expiry failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("sweeper: overdue tasks expired", "expired", expired)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
