// Package worker runs the task execution pool. Each worker polls the
// queue for claimable work, dispatches by task type to a registered
// handler, and reports the outcome back to the queue. Idle workers back
// off exponentially instead of hammering the store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/tidefall/steward/internal/otel"
	"github.com/tidefall/steward/internal/shared"
	"github.com/tidefall/steward/internal/taskqueue"
)

// Handler executes one task. The returned JSON is stored as the task's
// result; a returned error counts as a failed attempt.
type Handler func(ctx context.Context, task taskqueue.Task) (resultJSON string, err error)

// Config holds the pool's tunables.
type Config struct {
	Queue       *taskqueue.Queue
	Logger      *slog.Logger
	WorkerCount int           // defaults to 2
	BatchSize   int           // tasks claimed per poll; defaults to 5
	Service     string        // optional service filter for claims
	Scope       shared.Scope  // scope the pool polls under
	IdleInitial time.Duration // first idle delay; defaults to 500ms
	IdleMax     time.Duration // idle delay ceiling; defaults to 30s
	Tracer      trace.Tracer  // optional; task executions get a span when set
}

// Pool is a set of polling workers sharing one handler registry.
type Pool struct {
	queue  *taskqueue.Queue
	logger *slog.Logger
	cfg    Config

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.IdleInitial <= 0 {
		cfg.IdleInitial = 500 * time.Millisecond
	}
	if cfg.IdleMax <= 0 {
		cfg.IdleMax = 30 * time.Second
	}
	if cfg.Scope.Type == "" {
		cfg.Scope = shared.GlobalScope
	}
	return &Pool{
		queue:    cfg.Queue,
		logger:   cfg.Logger,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task type. Claimed tasks with no handler
// fail their attempt, so register everything before Start.
func (p *Pool) Register(taskType string, h Handler) {
	p.mu.Lock()
	p.handlers[taskType] = h
	p.mu.Unlock()
}

func (p *Pool) handler(taskType string) (Handler, bool) {
	p.mu.RLock()
	h, ok := p.handlers[taskType]
	p.mu.RUnlock()
	return h, ok
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
	p.logger.Info("worker pool started",
		"workers", p.cfg.WorkerCount, "batch_size", p.cfg.BatchSize, "scope", p.cfg.Scope.Key())
}

// Stop cancels all workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	// BackOff implementations are stateful; one per worker.
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = p.cfg.IdleInitial
	idle.MaxInterval = p.cfg.IdleMax
	idle.MaxElapsedTime = 0 // poll forever

	filter := taskqueue.DequeueFilter{Service: p.cfg.Service, Scope: p.cfg.Scope}
	for {
		if ctx.Err() != nil {
			return
		}
		tasks, err := p.queue.DequeueBatch(ctx, workerID, filter, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("worker: dequeue failed", "worker_id", workerID, "error", err)
		}
		if len(tasks) == 0 {
			if !sleepCtx(ctx, idle.NextBackOff()) {
				return
			}
			continue
		}
		idle.Reset()
		for _, task := range tasks {
			p.execute(ctx, workerID, task)
		}
	}
}

func (p *Pool) execute(ctx context.Context, workerID string, task taskqueue.Task) {
	taskCtx := ctx
	if task.CorrelationID != "" {
		taskCtx = shared.WithCorrelationID(ctx, task.CorrelationID)
	}
	if p.cfg.Tracer != nil {
		var span trace.Span
		taskCtx, span = otelx.StartSpan(taskCtx, p.cfg.Tracer, "task.execute",
			otelx.AttrTaskID.String(task.ID),
			otelx.AttrTaskType.String(task.Type),
			otelx.AttrService.String(task.Service),
			otelx.AttrScope.String(task.Scope.Key()),
			otelx.AttrWorkerID.String(workerID),
		)
		defer span.End()
	}

	h, ok := p.handler(task.Type)
	if !ok {
		p.logger.Error("worker: no handler for task type",
			"worker_id", workerID, "task_id", task.ID, "task_type", task.Type)
		if err := p.queue.Fail(taskCtx, task.ID, workerID, "no handler registered for task type "+task.Type); err != nil {
			p.logger.Error("worker: report missing-handler failure", "task_id", task.ID, "error", err)
		}
		return
	}

	start := time.Now()
	result, err := h(taskCtx, task)
	elapsed := time.Since(start)
	if err != nil {
		p.logger.Warn("worker: task attempt failed",
			"worker_id", workerID,
			"task_id", task.ID,
			"task_type", task.Type,
			"attempt", task.Attempts,
			"elapsed", elapsed,
			"error", err,
		)
		if ferr := p.queue.Fail(taskCtx, task.ID, workerID, err.Error()); ferr != nil {
			p.logger.Error("worker: report failure", "task_id", task.ID, "error", ferr)
		}
		return
	}

	if cerr := p.queue.Complete(taskCtx, task.ID, workerID, result); cerr != nil {
		p.logger.Error("worker: report completion", "task_id", task.ID, "error", cerr)
		return
	}
	p.logger.Info("worker: task completed",
		"worker_id", workerID, "task_id", task.ID, "task_type", task.Type, "elapsed", elapsed)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
