package dispatcher_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskfabric/fabric/internal/dispatcher"
	"github.com/taskfabric/fabric/internal/queue"
	"github.com/taskfabric/fabric/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fabric.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Worker cap = 2, three work tasks, one dispatch tick.
func TestRunOnceRespectsWorkerCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(8)
	d := dispatcher.New(s, q, dispatcher.Config{WorkerCount: 2})

	for i := 0; i < 3; i++ {
		if _, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "do"}); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	d.RunOnce(ctx)

	snap := d.Snapshot()
	if snap.Inflight != 2 {
		t.Fatalf("expected 2 inflight, got %d", snap.Inflight)
	}
	if snap.Pending != 1 {
		t.Fatalf("expected 1 pending, got %d", snap.Pending)
	}
	if q.InFlight() != 2 {
		t.Fatalf("expected 2 messages on the work channel, got %d", q.InFlight())
	}
}

// A run_at in the future is not admitted; once past, it is.
func TestRunOnceRespectsRunAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(8)
	d := dispatcher.New(s, q, dispatcher.Config{WorkerCount: 2})

	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "later", "run_at": future})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.RunOnce(ctx)
	if snap := d.Snapshot(); snap.Pending != 0 || snap.Inflight != 0 {
		t.Fatalf("expected nothing admitted while run_at is in the future, got %+v", snap)
	}

	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	if _, err := s.TaskUpdate(ctx, taskID, map[string]any{"payload": map[string]any{"run_at": past}}); err != nil {
		t.Fatalf("update run_at: %v", err)
	}

	d.RunOnce(ctx)
	if snap := d.Snapshot(); snap.Pending+snap.Inflight != 1 {
		t.Fatalf("expected the task admitted after run_at passed, got %+v", snap)
	}
}

// INVALID_RUN_AT: an unparseable run_at fails the task during scan rather
// than being silently skipped.
func TestRunOnceFailsInvalidRunAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(8)
	d := dispatcher.New(s, q, dispatcher.Config{WorkerCount: 2})

	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "bad", "run_at": "not-a-date"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.RunOnce(ctx)

	task, err := s.TaskGet(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != store.StateFailed {
		t.Fatalf("expected failed, got %s", task.State)
	}
	errInfo, _ := task.Payload["error"].(map[string]any)
	if errInfo["code"] != "INVALID_RUN_AT" {
		t.Fatalf("expected INVALID_RUN_AT, got %+v", errInfo)
	}
}

// A pending entry that overstays work_queue_timeout_seconds
// fails with WORK_QUEUE_TIMEOUT.
func TestFailsWorkQueueTimeout(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(1) // capacity 1, filled below, so the task can't be dispatched
	if !q.TrySend(queue.WorkMessage{TaskID: "filler"}) {
		t.Fatal("fill work queue")
	}
	d := dispatcher.New(s, q, dispatcher.Config{WorkerCount: 2, WorkQueueTimeout: time.Millisecond})

	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "stuck"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.RunOnce(ctx) // admits into pending
	time.Sleep(5 * time.Millisecond)
	d.RunOnce(ctx) // sendPendingTasks can't dispatch (work queue full); timeout reap fires

	task, err := s.TaskGet(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != store.StateFailed {
		t.Fatalf("expected failed, got %s", task.State)
	}
	errInfo, _ := task.Payload["error"].(map[string]any)
	if errInfo["code"] != "WORK_QUEUE_TIMEOUT" {
		t.Fatalf("expected WORK_QUEUE_TIMEOUT, got %+v", errInfo)
	}
}

// An inflight task that overstays worker_timeout_seconds fails
// with WORKER_TIMEOUT, and a late result for it is ignored because the
// task is already terminal.
func TestFailsWorkerTimeoutAndIgnoresLateResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(8)
	d := dispatcher.New(s, q, dispatcher.Config{WorkerCount: 2, WorkerTimeout: time.Millisecond})

	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "slow"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.RunOnce(ctx) // admits, dispatches into inflight
	time.Sleep(5 * time.Millisecond)
	d.RunOnce(ctx) // worker timeout reap fires

	task, err := s.TaskGet(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != store.StateFailed {
		t.Fatalf("expected failed, got %s", task.State)
	}
	if task.Payload["error"].(map[string]any)["code"] != "WORKER_TIMEOUT" {
		t.Fatalf("expected WORKER_TIMEOUT, got %+v", task.Payload["error"])
	}

	// The worker eventually finishes anyway and reports a late result.
	if err := q.SendResult(queue.ResultEnvelope{TaskID: taskID, TaskState: "done", UserOutput: "too late"}); err != nil {
		t.Fatalf("send late result: %v", err)
	}
	d.RunOnce(ctx)

	task, err = s.TaskGet(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != store.StateFailed {
		t.Fatalf("late result must not un-fail a terminal task, got %s", task.State)
	}
}

// A recurring work task, on a done envelope, is rescheduled back to
// queued with a future run_at rather than completed, reusing the same
// task_id.
func TestRecurringTaskIsRescheduledNotCompleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(8)
	d := dispatcher.New(s, q, dispatcher.Config{WorkerCount: 2})

	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{
		"message":                 "tick",
		"repeat_enabled":          true,
		"repeat_interval_seconds": 10, // below the 3600s floor; must be clamped
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.RunOnce(ctx) // claims, dispatches

	if err := q.SendResult(queue.ResultEnvelope{TaskID: taskID, TaskState: "done", UserOutput: "tock"}); err != nil {
		t.Fatalf("send result: %v", err)
	}
	d.RunOnce(ctx) // reaps and reschedules

	task, err := s.TaskGet(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != store.StateQueued {
		t.Fatalf("expected queued (rescheduled), got %s", task.State)
	}
	runAtStr, _ := task.Payload["run_at"].(string)
	runAt, err := time.Parse(time.RFC3339, runAtStr)
	if err != nil {
		t.Fatalf("run_at not a valid timestamp: %v", err)
	}
	if !runAt.After(time.Now().UTC().Add(3599 * time.Second)) {
		t.Fatalf("expected the clamped 3600s floor, got run_at %s", runAtStr)
	}

	notifications, err := s.TaskList(ctx, store.TaskTypeNotification, "")
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifications) != 1 || notifications[0].Payload["message"] != "tock" {
		t.Fatalf("expected one notification carrying the output, got %+v", notifications)
	}
}

// A work task's payload.meta.channel_id propagates onto the
// notification task the dispatcher creates from a successful envelope.
func TestNotificationCarriesWorkerMeta(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(8)
	d := dispatcher.New(s, q, dispatcher.Config{WorkerCount: 2})

	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{
		"message": "ping",
		"meta":    map[string]any{"channel_id": float64(1)},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.RunOnce(ctx)
	if err := q.SendResult(queue.ResultEnvelope{
		TaskID:     taskID,
		TaskState:  "done",
		UserOutput: "pong",
		Meta:       map[string]any{"channel_id": float64(1)},
	}); err != nil {
		t.Fatalf("send result: %v", err)
	}
	d.RunOnce(ctx)

	notifications, err := s.TaskList(ctx, store.TaskTypeNotification, "")
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifications))
	}
	meta, _ := notifications[0].Payload["meta"].(map[string]any)
	if meta["channel_id"] != float64(1) {
		t.Fatalf("expected meta.channel_id == 1, got %+v", meta)
	}
}

// A failed envelope never produces a notification.
func TestFailedTaskNeverEmitsNotification(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(8)
	d := dispatcher.New(s, q, dispatcher.Config{WorkerCount: 2})

	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "fail me"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	d.RunOnce(ctx)
	if err := q.SendResult(queue.ResultEnvelope{
		TaskID:    taskID,
		TaskState: "failed",
		Error:     map[string]any{"code": "WORKER_EXCEPTION", "message": "boom"},
	}); err != nil {
		t.Fatalf("send result: %v", err)
	}
	d.RunOnce(ctx)

	notifications, err := s.TaskList(ctx, store.TaskTypeNotification, "")
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifications) != 0 {
		t.Fatalf("expected no notification for a failed task, got %+v", notifications)
	}

	task, err := s.TaskGet(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != store.StateFailed {
		t.Fatalf("expected failed, got %s", task.State)
	}
}

// A task with an unexpired claim from another claimer is never
// reclaimed by the dispatcher's scan.
func TestScanNeverReclaimsUnexpiredLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := queue.New(8)
	d := dispatcher.New(s, q, dispatcher.Config{WorkerCount: 2})

	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "owned"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.TaskClaim(ctx, store.ClaimFilter{TaskID: taskID}, "someone-else", 30); err != nil {
		t.Fatalf("claim: %v", err)
	}

	d.RunOnce(ctx)

	task, err := s.TaskGet(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ClaimedBy != "someone-else" {
		t.Fatalf("expected lease to remain with someone-else, got %q", task.ClaimedBy)
	}
	if snap := d.Snapshot(); snap.Pending != 0 || snap.Inflight != 0 {
		t.Fatalf("expected the dispatcher not to track an already-leased task, got %+v", snap)
	}
}
