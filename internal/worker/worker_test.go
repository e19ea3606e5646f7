package worker_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskfabric/fabric/internal/queue"
	"github.com/taskfabric/fabric/internal/runner"
	"github.com/taskfabric/fabric/internal/store"
	"github.com/taskfabric/fabric/internal/worker"
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

func TestPoolRunOnceCompletesTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.TaskClaim(ctx, store.ClaimFilter{TaskID: taskID}, "main", 30); err != nil {
		t.Fatalf("claim: %v", err)
	}

	q := queue.New(4)
	echo := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		return runner.Result{TaskState: store.StateDone, UserOutput: "echo: " + task.Payload["message"].(string)}
	})
	pool := worker.New(s, q, echo, worker.Config{WorkerCount: 1})

	pool.RunOnce(ctx, queue.WorkMessage{TaskID: taskID})

	result, ok := q.TryReceiveResult()
	if !ok {
		t.Fatal("expected a result on the queue")
	}
	if result.TaskID != taskID || result.TaskState != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.UserOutput != "echo: hi" {
		t.Fatalf("unexpected output: %q", result.UserOutput)
	}
}

func TestPoolRunOnceRecoversPanicAsWorkerException(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	taskID, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.TaskClaim(ctx, store.ClaimFilter{TaskID: taskID}, "main", 30); err != nil {
		t.Fatalf("claim: %v", err)
	}

	q := queue.New(4)
	boom := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		panic("kaboom")
	})
	pool := worker.New(s, q, boom, worker.Config{WorkerCount: 1})

	pool.RunOnce(ctx, queue.WorkMessage{TaskID: taskID})

	result, ok := q.TryReceiveResult()
	if !ok {
		t.Fatal("expected a result on the queue")
	}
	if result.TaskState != "failed" {
		t.Fatalf("expected failed, got %s", result.TaskState)
	}
	if result.Error["code"] != "WORKER_EXCEPTION" {
		t.Fatalf("expected WORKER_EXCEPTION, got %+v", result.Error)
	}
}

func TestPoolStartStop(t *testing.T) {
	s := openTestStore(t)
	q := queue.New(4)
	noop := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		return runner.Result{TaskState: store.StateDone}
	})
	pool := worker.New(s, q, noop, worker.Config{WorkerCount: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	pool.Start(ctx)
	pool.Stop()
}
