package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all steward metrics instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	TasksEnqueued      metric.Int64Counter
	TasksClaimed       metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksDeadLettered  metric.Int64Counter
	DequeueDuration    metric.Float64Histogram
	PendingCheckpoints metric.Int64UpDownCounter
	AutoDisables       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("steward.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("steward.tasks.enqueued",
		metric.WithDescription("Tasks accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("steward.tasks.claimed",
		metric.WithDescription("Tasks claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("steward.tasks.completed",
		metric.WithDescription("Tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("steward.tasks.failed",
		metric.WithDescription("Failed task attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeadLettered, err = meter.Int64Counter("steward.tasks.dead_lettered",
		metric.WithDescription("Tasks terminally failed after exhausting attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.DequeueDuration, err = meter.Float64Histogram("steward.dequeue.duration",
		metric.WithDescription("Batch claim duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingCheckpoints, err = meter.Int64UpDownCounter("steward.checkpoints.pending",
		metric.WithDescription("Checkpoints currently awaiting resolution"),
	)
	if err != nil {
		return nil, err
	}

	m.AutoDisables, err = meter.Int64Counter("steward.controls.auto_disables",
		metric.WithDescription("Kill switches tripped by the error-rate monitor"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
