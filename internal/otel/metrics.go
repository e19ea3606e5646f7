package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all fabric metric instruments, covering the
// claim/dispatch/run boundaries.
type Metrics struct {
	ClaimDuration    metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	RunnerDuration   metric.Float64Histogram
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksRescheduled metric.Int64Counter
	ClaimConflicts   metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
	ActiveWorkers    metric.Int64UpDownCounter
	LeaseExpiries    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ClaimDuration, err = meter.Float64Histogram("fabric.claim.duration",
		metric.WithDescription("Time spent in the store's claim transaction"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("fabric.task.duration",
		metric.WithDescription("Task duration from dispatch to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunnerDuration, err = meter.Float64Histogram("fabric.runner.duration",
		metric.WithDescription("Runner.Run execution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("fabric.tasks.completed",
		metric.WithDescription("Total tasks reaching done"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("fabric.tasks.failed",
		metric.WithDescription("Total tasks reaching failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRescheduled, err = meter.Int64Counter("fabric.tasks.rescheduled",
		metric.WithDescription("Total recurring-task reschedules"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("fabric.claim.conflicts",
		metric.WithDescription("Claim attempts that found no eligible task"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("fabric.queue.depth",
		metric.WithDescription("Claimed tasks waiting for a free worker slot"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("fabric.workers.active",
		metric.WithDescription("Currently busy worker slots"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseExpiries, err = meter.Int64Counter("fabric.lease.expiries",
		metric.WithDescription("Inflight tasks failed after exceeding the worker timeout"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
