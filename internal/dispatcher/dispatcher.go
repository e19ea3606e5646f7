// Package dispatcher selects ready work, claims it, hands it to the
// worker pool over a queue.WorkQueue, and reaps whatever the pool sends
// back. It is the only component that moves a task between the store
// and the worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/taskfabric/fabric/internal/errs"
	"github.com/taskfabric/fabric/internal/otel"
	"github.com/taskfabric/fabric/internal/queue"
	"github.com/taskfabric/fabric/internal/store"
)

const (
	defaultWorkerCount       = 2
	defaultClaimTTLSeconds   = 30
	defaultWorkerTimeout     = 600 * time.Second
	defaultWorkQueueTimeout  = 1800 * time.Second
	minRepeatIntervalSeconds = 3600
	claimerMain              = "main"
)

// Config configures a Dispatcher. Zero values fall back to the defaults
// above.
type Config struct {
	WorkerCount      int
	ClaimTTLSeconds  int
	WorkerTimeout    time.Duration
	WorkQueueTimeout time.Duration
	Log              *slog.Logger

	// Metrics, if non-nil, records claim/dispatch/run counters around the
	// boundaries this dispatcher owns. Nil is a valid zero value; every
	// call site checks before recording.
	Metrics *otel.Metrics
	// Tracer, if nil, defaults to a no-op tracer so callers never need an
	// `if enabled` branch around a claim span.
	Tracer trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaultWorkerCount
	}
	if c.ClaimTTLSeconds <= 0 {
		c.ClaimTTLSeconds = defaultClaimTTLSeconds
	}
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = defaultWorkerTimeout
	}
	if c.WorkQueueTimeout <= 0 {
		c.WorkQueueTimeout = defaultWorkQueueTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return c
}

// pendingWork is a claimed task waiting for a free worker slot.
type pendingWork struct {
	taskID     string
	enqueuedAt time.Time
	timeout    time.Duration
}

// Dispatcher is single-goroutine by contract: RunOnce is called from the
// execution loop's one goroutine, so pending/inflight need no locking of
// their own. A mutex still guards them because other goroutines touch
// them concurrently: the gateway's system.status (which cmd/fabricd's
// status dashboard polls) reads them through Snapshot, and cmd/fabricd's
// config-reload goroutine calls SetWorkerCount.
type Dispatcher struct {
	store *store.Store
	queue *queue.WorkQueue
	cfg   Config

	mu       sync.Mutex
	pending  []pendingWork
	inflight map[string]time.Time // task_id -> dispatched_at

	// Last depths reported to the QueueDepth/ActiveWorkers up-down
	// counters; owned by the RunOnce goroutine, no locking needed.
	lastPending  int
	lastInflight int
}

func New(s *store.Store, q *queue.WorkQueue, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    s,
		queue:    q,
		cfg:      cfg.withDefaults(),
		inflight: make(map[string]time.Time),
	}
}

// RunOnce performs one dispatch tick: scan-and-claim ready work, push
// as many pending tasks into the queue as the worker pool has slots for,
// drain whatever results the worker pool sent back, then reap anything
// that has overstayed its timeout. Order matters: new work dispatches
// before results reap before timeouts fail, so a task that both
// completes and times out in the same tick is counted as completed.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	d.dispatchWorkTasks(ctx)
	d.sendPendingTasks()
	d.receiveWorkerResults(ctx)
	d.failTimedOutPending(ctx)
	d.failTimedOutTasks(ctx)
	d.recordDepths(ctx)
}

// SetWorkerCount adjusts the in-flight admission bound at runtime, the
// config hot-reload path. Values <= 0 are ignored. Lowering the bound
// never recalls already-dispatched work; it only throttles future
// admission.
func (d *Dispatcher) SetWorkerCount(n int) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.WorkerCount = n
	d.mu.Unlock()
}

func (d *Dispatcher) dispatchWorkTasks(ctx context.Context) {
	tasks, err := d.store.TaskList(ctx, store.TaskTypeWork, string(store.StateQueued))
	if err != nil {
		d.cfg.Log.Error("dispatcher: listing queued work tasks", "error", err)
		return
	}

	d.mu.Lock()
	tracked := make(map[string]bool, len(d.pending)+len(d.inflight))
	for _, p := range d.pending {
		tracked[p.taskID] = true
	}
	for id := range d.inflight {
		tracked[id] = true
	}
	d.mu.Unlock()

	now := time.Now().UTC()
	for _, task := range tasks {
		if tracked[task.ID] {
			continue
		}

		runAt, explicit, parseErr := parseRunAt(task.Payload)
		if parseErr != nil {
			if _, err := d.store.TaskFail(ctx, task.ID, errs.New(errs.InvalidRunAt, parseErr.Error()).ToMap()); err != nil {
				d.cfg.Log.Error("dispatcher: failing task with invalid run_at", "task_id", task.ID, "error", err)
			}
			continue
		}
		if explicit && runAt.After(now) {
			continue
		}

		claimCtx, span := otel.StartSpan(ctx, d.cfg.Tracer, "store.task_claim",
			otel.AttrTaskID.String(task.ID), otel.AttrTaskType.String(task.Type))
		claimStart := time.Now()
		claimed, err := d.store.TaskClaim(claimCtx, store.ClaimFilter{TaskID: task.ID}, claimerMain, d.cfg.ClaimTTLSeconds)
		span.End()
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.ClaimDuration.Record(ctx, time.Since(claimStart).Seconds())
		}
		if err != nil {
			d.cfg.Log.Error("dispatcher: claiming work task", "task_id", task.ID, "error", err)
			continue
		}
		if claimed == nil {
			// Another claimer (e.g. a concurrent session) got there first.
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.ClaimConflicts.Add(ctx, 1)
			}
			continue
		}

		timeout := d.cfg.WorkQueueTimeout
		if repeatTimeout, ok := task.Payload["work_queue_timeout_seconds"].(float64); ok && repeatTimeout > 0 {
			timeout = time.Duration(repeatTimeout) * time.Second
		}

		d.mu.Lock()
		d.pending = append(d.pending, pendingWork{taskID: task.ID, enqueuedAt: time.Now(), timeout: timeout})
		d.mu.Unlock()
	}
}

func (d *Dispatcher) sendPendingTasks() {
	d.mu.Lock()
	defer d.mu.Unlock()

	remaining := d.pending[:0]
	for _, p := range d.pending {
		if len(d.inflight) >= d.cfg.WorkerCount {
			remaining = append(remaining, p)
			continue
		}
		if !d.queue.TrySend(queue.WorkMessage{TaskID: p.taskID}) {
			remaining = append(remaining, p)
			continue
		}
		d.inflight[p.taskID] = time.Now()
	}
	d.pending = remaining
}

func (d *Dispatcher) receiveWorkerResults(ctx context.Context) {
	for {
		result, ok := d.queue.TryReceiveResult()
		if !ok {
			return
		}

		d.mu.Lock()
		dispatchedAt, wasInflight := d.inflight[result.TaskID]
		delete(d.inflight, result.TaskID)
		d.mu.Unlock()

		task, err := d.store.TaskGet(ctx, result.TaskID)
		if err != nil {
			d.cfg.Log.Error("dispatcher: fetching task to finalize", "task_id", result.TaskID, "error", err)
			continue
		}
		if task == nil || task.State == store.StateDone || task.State == store.StateFailed {
			// Orphaned result: the task timed out (or vanished) after the
			// worker started. The terminal transition already happened, so
			// the envelope is discarded, no notification either.
			d.cfg.Log.Warn("dispatcher: discarding result for terminal task", "task_id", result.TaskID)
			continue
		}

		if result.TaskState == string(store.StateDone) && result.UserOutput != "" {
			if _, err := d.store.TaskCreate(ctx, store.TaskTypeNotification, map[string]any{
				"message":         result.UserOutput,
				"severity":        "info",
				"related_task_id": result.TaskID,
				"artifact_refs":   result.ArtifactRefs,
				"meta":            result.Meta,
			}); err != nil {
				d.cfg.Log.Error("dispatcher: creating notification task", "task_id", result.TaskID, "error", err)
			}
		}

		if d.cfg.Metrics != nil && wasInflight {
			d.cfg.Metrics.TaskDuration.Record(ctx, time.Since(dispatchedAt).Seconds())
		}
		d.finalize(ctx, task, result)
	}
}

// recordDepths pushes the pending/inflight depth deltas onto the
// QueueDepth/ActiveWorkers up-down counters once per tick, so their
// running sums track the live values Snapshot reports.
func (d *Dispatcher) recordDepths(ctx context.Context) {
	if d.cfg.Metrics == nil {
		return
	}
	d.mu.Lock()
	pending, inflight := len(d.pending), len(d.inflight)
	d.mu.Unlock()

	if delta := pending - d.lastPending; delta != 0 {
		d.cfg.Metrics.QueueDepth.Add(ctx, int64(delta))
	}
	if delta := inflight - d.lastInflight; delta != 0 {
		d.cfg.Metrics.ActiveWorkers.Add(ctx, int64(delta))
	}
	d.lastPending, d.lastInflight = pending, inflight
}

func (d *Dispatcher) finalize(ctx context.Context, task *store.Task, result queue.ResultEnvelope) {
	if result.TaskState == string(store.StateDone) {
		if isRecurring(task.Payload) {
			d.reschedule(ctx, task)
			return
		}
		if _, err := d.store.TaskComplete(ctx, result.TaskID); err != nil {
			d.cfg.Log.Error("dispatcher: completing task", "task_id", result.TaskID, "error", err)
		} else if d.cfg.Metrics != nil {
			d.cfg.Metrics.TasksCompleted.Add(ctx, 1)
		}
		return
	}

	errInfo := result.Error
	if errInfo == nil {
		errInfo = map[string]any{"message": "failed"}
	}
	if _, err := d.store.TaskFail(ctx, result.TaskID, errInfo); err != nil {
		d.cfg.Log.Error("dispatcher: failing task", "task_id", result.TaskID, "error", err)
	} else if d.cfg.Metrics != nil {
		d.cfg.Metrics.TasksFailed.Add(ctx, 1)
	}
}

func (d *Dispatcher) reschedule(ctx context.Context, task *store.Task) {
	patch := reschedulePatch(task.Payload)
	if _, err := d.store.TaskUpdate(ctx, task.ID, patch); err != nil {
		d.cfg.Log.Error("dispatcher: rescheduling recurring task", "task_id", task.ID, "error", err)
	} else if d.cfg.Metrics != nil {
		d.cfg.Metrics.TasksRescheduled.Add(ctx, 1)
	}
}

func (d *Dispatcher) failTimedOutPending(ctx context.Context) {
	now := time.Now()
	d.mu.Lock()
	var stillPending []pendingWork
	var timedOut []string
	for _, p := range d.pending {
		if now.Sub(p.enqueuedAt) > p.timeout {
			timedOut = append(timedOut, p.taskID)
			continue
		}
		stillPending = append(stillPending, p)
	}
	d.pending = stillPending
	d.mu.Unlock()

	for _, taskID := range timedOut {
		if _, err := d.store.TaskFail(ctx, taskID, errs.New(errs.WorkQueueTimeout, "task waited too long for a free worker").ToMap()); err != nil {
			d.cfg.Log.Error("dispatcher: failing queue-timed-out task", "task_id", taskID, "error", err)
		}
	}
}

func (d *Dispatcher) failTimedOutTasks(ctx context.Context) {
	now := time.Now()
	d.mu.Lock()
	var timedOut []string
	for taskID, dispatchedAt := range d.inflight {
		if now.Sub(dispatchedAt) > d.cfg.WorkerTimeout {
			timedOut = append(timedOut, taskID)
		}
	}
	for _, taskID := range timedOut {
		delete(d.inflight, taskID)
	}
	d.mu.Unlock()

	for _, taskID := range timedOut {
		if _, err := d.store.TaskFail(ctx, taskID, errs.New(errs.WorkerTimeout, "worker did not report a result in time").ToMap()); err != nil {
			d.cfg.Log.Error("dispatcher: failing worker-timed-out task", "task_id", taskID, "error", err)
		} else if d.cfg.Metrics != nil {
			d.cfg.Metrics.LeaseExpiries.Add(ctx, 1)
		}
	}
}

// Snapshot reports queue depths for observability (cmd/fabricd's status
// dashboard), never for correctness decisions.
type Snapshot struct {
	Pending  int
	Inflight int
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{Pending: len(d.pending), Inflight: len(d.inflight)}
}

func isRecurring(payload map[string]any) bool {
	enabled, _ := payload["repeat_enabled"].(bool)
	interval, _ := payload["repeat_interval_seconds"].(float64)
	return enabled && interval > 0
}

func clampRepeatInterval(seconds float64) int {
	if seconds < minRepeatIntervalSeconds {
		return minRepeatIntervalSeconds
	}
	return int(seconds)
}

func reschedulePatch(payload map[string]any) map[string]any {
	interval := minRepeatIntervalSeconds
	if v, ok := payload["repeat_interval_seconds"].(float64); ok {
		interval = clampRepeatInterval(v)
	}
	nextRunAt := time.Now().UTC().Add(time.Duration(interval) * time.Second).Format(time.RFC3339)

	return map[string]any{
		"state":            string(store.StateQueued),
		"claimed_by":       nil,
		"claim_expires_at": nil,
		"payload": map[string]any{
			"run_at":                  nextRunAt,
			"repeat_interval_seconds": interval,
			"repeat_enabled":          true,
		},
	}
}

// parseRunAt reads payload["run_at"]. Absent or empty means "run
// immediately" (explicit=false). A non-empty value that fails to parse
// as RFC3339 is an error the caller must translate to INVALID_RUN_AT.
func parseRunAt(payload map[string]any) (runAt time.Time, explicit bool, err error) {
	raw, ok := payload["run_at"]
	if !ok || raw == nil {
		return time.Time{}, false, nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return time.Time{}, false, nil
	}
	t, parseErr := time.Parse(time.RFC3339, s)
	if parseErr != nil {
		return time.Time{}, false, fmt.Errorf("run_at %q is not a valid RFC3339 timestamp", s)
	}
	return t.UTC(), true, nil
}
