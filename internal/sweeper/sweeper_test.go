package sweeper_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidefall/steward/internal/activity"
	"github.com/tidefall/steward/internal/checkpoint"
	"github.com/tidefall/steward/internal/controlstate"
	"github.com/tidefall/steward/internal/persistence"
	"github.com/tidefall/steward/internal/shared"
	"github.com/tidefall/steward/internal/sweeper"
	"github.com/tidefall/steward/internal/taskqueue"
)

func openFixture(t *testing.T) (*sweeper.Sweeper, *checkpoint.Registry, *taskqueue.Queue) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := activity.NewLog(store, nil)
	controls := controlstate.NewStore(store, log, nil)
	checkpoints := checkpoint.NewRegistry(store, log, nil)
	queue := taskqueue.New(store, controls, checkpoints, log, nil, taskqueue.RetryPolicy{})
	checkpoints.SetTaskResolver(queue)

	sw, err := sweeper.New(sweeper.Config{Checkpoints: checkpoints, Queue: queue})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return sw, checkpoints, queue
}

func TestNewRejectsBadCronExpression(t *testing.T) {
	if _, err := sweeper.New(sweeper.Config{CronExpr: "not a cron line"}); err == nil {
		t.Fatal("invalid cron expression must be rejected")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 1, 1, 10, 30, 30, 0, time.UTC)
	next, err := sweeper.NextRunTime("* * * * *", after)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	want := time.Date(2026, 1, 1, 10, 31, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestTickDrivesAllPhases(t *testing.T) {
	sw, checkpoints, queue := openFixture(t)
	ctx := context.Background()

	hours := 1.0
	if _, err := checkpoints.CreateDefinition(ctx, checkpoint.Definition{
		Slug: "expiring-gate", RequiresApproval: true, AutoRejectAfterHours: &hours,
	}); err != nil {
		t.Fatalf("create definition: %v", err)
	}
	gated, err := checkpoints.Register(ctx, checkpoint.RegisterRequest{
		DefinitionSlug: "expiring-gate",
		Scope:          shared.GlobalScope, Service: "outreach", Action: "send",
	})
	if err != nil {
		t.Fatalf("register checkpoint: %v", err)
	}

	future := time.Now().UTC().Add(30 * time.Minute)
	scheduled, err := queue.Enqueue(ctx, taskqueue.EnqueueRequest{
		Type: "report", Service: "reporting", Scope: shared.GlobalScope, ScheduledAt: &future,
	})
	if err != nil {
		t.Fatalf("enqueue scheduled: %v", err)
	}
	deadline := time.Now().UTC().Add(45 * time.Minute)
	overdue, err := queue.Enqueue(ctx, taskqueue.EnqueueRequest{
		Type: "outreach", Service: "outreach", Scope: shared.GlobalScope, NotAfter: &deadline,
	})
	if err != nil {
		t.Fatalf("enqueue overdue: %v", err)
	}

	sw.Tick(ctx, time.Now().UTC().Add(2*time.Hour))

	got, err := checkpoints.Get(ctx, gated.ID)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got.Status != checkpoint.StatusExpired {
		t.Fatalf("checkpoint should be expired, got %q", got.Status)
	}

	task, _ := queue.Get(ctx, scheduled.ID)
	if task.Status != taskqueue.StatusPending {
		t.Fatalf("scheduled task should be promoted, got %q", task.Status)
	}
	task, _ = queue.Get(ctx, overdue.ID)
	if task.Status != taskqueue.StatusFailed {
		t.Fatalf("overdue task should be failed, got %q", task.Status)
	}
}

func TestStartStop(t *testing.T) {
	sw, _, _ := openFixture(t)
	sw.Start(context.Background())
	sw.Stop()
}
