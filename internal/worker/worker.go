// Package worker implements the fixed-size pool of goroutines that pull
// work assignments off the dispatcher's queue, run them through a
// runner.Runner, and report results back. Workers never finalize tasks
// themselves; the dispatcher is the only component that transitions
// task state from a result.
package worker

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
	"github.com/taskfabric/fabric/internal/runner"
	"github.com/taskfabric/fabric/internal/shared"
	"github.com/taskfabric/fabric/internal/store"
)

// Config configures a Pool.
type Config struct {
	WorkerCount  int
	HeartbeatTTL int // seconds each lease extension lasts; extensions fire at half this interval
	Log          *slog.Logger

	// Metrics and Tracer are nil-safe observability hooks around
	// Runner.Run; nil means no-op, so callers never need an `if enabled`
	// branch.
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 30
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return c
}

// Pool runs Config.WorkerCount goroutines, each polling the queue for
// work and running it through Runner.
type Pool struct {
	store  *store.Store
	queue  *queue.WorkQueue
	runner runner.Runner
	cfg    Config

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func New(s *store.Store, q *queue.WorkQueue, r runner.Runner, cfg Config) *Pool {
	return &Pool{
		store:  s,
		queue:  q,
		runner: r,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker goroutines. Call Stop to shut them down.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Stop signals every worker goroutine to exit after its current
// assignment (if any) and waits for them to do so.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, slot int) {
	defer p.wg.Done()
	ticker := time.NewTicker(queue.PollBackoff())
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, ok := p.queue.TryReceiveWork()
			if !ok {
				continue
			}
			p.runOnce(ctx, slot, msg)
		}
	}
}

// RunOnce executes a single work assignment synchronously, exported so
// tests (and a single-worker debug mode) can drive one assignment
// without spinning up the pool's goroutines.
func (p *Pool) RunOnce(ctx context.Context, msg queue.WorkMessage) {
	p.runOnce(ctx, -1, msg)
}

func (p *Pool) runOnce(ctx context.Context, slot int, msg queue.WorkMessage) {
	task, err := p.store.TaskGet(ctx, msg.TaskID)
	if err != nil {
		p.cfg.Log.Error("worker: fetching claimed task", "task_id", msg.TaskID, "slot", slot, "error", err)
		return
	}
	if task == nil {
		p.cfg.Log.Warn("worker: claimed task vanished before pickup", "task_id", msg.TaskID, "slot", slot)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, task.ID)

	runCtx := shared.WithTraceID(ctx, shared.NewTraceID())
	result := p.runTask(runCtx, *task)
	stopHeartbeat()

	envelope := queue.ResultEnvelope{
		TaskID:       task.ID,
		TaskState:    string(result.TaskState),
		UserOutput:   result.UserOutput,
		ArtifactRefs: result.ArtifactRefs,
		Error:        result.Error,
		Meta:         resultMeta(task.Payload, slot),
	}
	if err := p.queue.SendResult(envelope); err != nil {
		// The transport itself rejected the result; the task must still
		// end up failed rather than stuck running forever.
		if _, failErr := p.store.TaskFail(ctx, task.ID, errs.New(errs.WorkerSendFailed, err.Error()).ToMap()); failErr != nil {
			p.cfg.Log.Error("worker: failing task after send failure", "task_id", task.ID, "error", failErr)
		}
	}
}

// heartbeat extends the running task's claim lease every half
// HeartbeatTTL, so a long run never lets the lease lapse mid-flight.
// It stops extending once the task leaves running: a task the
// dispatcher already timed out stays terminal with a cleared lease.
func (p *Pool) heartbeat(ctx context.Context, taskID string) {
	ttl := time.Duration(p.cfg.HeartbeatTTL) * time.Second
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := p.store.TaskGet(ctx, taskID)
			if err != nil || task == nil || task.State != store.StateRunning {
				return
			}
			expires := time.Now().UTC().Add(ttl)
			if _, err := p.store.TaskUpdate(ctx, taskID, map[string]any{"claim_expires_at": expires}); err != nil {
				p.cfg.Log.Warn("worker: extending claim lease", "task_id", taskID, "error", err)
			}
		}
	}
}

// runTask invokes the runner, translating a panic into a failed result
// rather than crashing the worker goroutine.
func (p *Pool) runTask(ctx context.Context, task store.Task) (result runner.Result) {
	ctx, span := otel.StartClientSpan(ctx, p.cfg.Tracer, "runner.run",
		otel.AttrTaskID.String(task.ID), otel.AttrTaskType.String(task.Type))
	start := time.Now()
	defer func() {
		span.End()
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RunnerDuration.Record(ctx, time.Since(start).Seconds())
		}
		if r := recover(); r != nil {
			result = runner.Result{
				TaskState: store.StateFailed,
				Error:     errs.New(errs.WorkerException, fmt.Sprintf("panic running task: %v", r)).ToMap(),
			}
		}
	}()

	rc := runner.Context{
		RunnerID:       "worker",
		ConversationID: conversationIDFromPayload(task.Payload),
		Store:          p.store,
	}
	result = p.runner.Run(ctx, task, rc)
	return result
}

// resultMeta carries the task payload's own meta object forward (a work
// task's payload.meta, e.g. channel_id, must survive into the
// notification the dispatcher creates from this envelope) plus the
// dispatching slot for observability.
func resultMeta(payload map[string]any, slot int) map[string]any {
	meta := map[string]any{"slot": slot}
	if taskMeta, ok := payload["meta"].(map[string]any); ok {
		for k, v := range taskMeta {
			meta[k] = v
		}
	}
	return meta
}

func conversationIDFromPayload(payload map[string]any) string {
	if v, ok := payload["conversation_id"].(string); ok && v != "" {
		return v
	}
	return "default"
}
