package session_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskfabric/fabric/internal/dispatcher"
	"github.com/taskfabric/fabric/internal/execloop"
	"github.com/taskfabric/fabric/internal/queue"
	"github.com/taskfabric/fabric/internal/runner"
	"github.com/taskfabric/fabric/internal/session"
	"github.com/taskfabric/fabric/internal/store"
	"github.com/taskfabric/fabric/internal/worker"
)

func newTestSession(t *testing.T, mainRunner runner.Runner) *session.Session {
	s, _ := newTestSessionWithConfig(t, mainRunner, session.Config{})
	return s
}

func newTestSessionWithConfig(t *testing.T, mainRunner runner.Runner, cfg session.Config) (*session.Session, *store.Store) {
	t.Helper()
	workerRunner := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		return runner.Result{TaskState: store.StateDone, UserOutput: "worked"}
	})
	return newTestSessionWithRunners(t, mainRunner, workerRunner, cfg)
}

func newTestSessionWithRunners(t *testing.T, mainRunner, workerRunner runner.Runner, cfg session.Config) (*session.Session, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fabric.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	q := queue.New(4)
	d := dispatcher.New(s, q, dispatcher.Config{})
	pool := worker.New(s, q, workerRunner, worker.Config{WorkerCount: 1})
	loop := execloop.New(execloop.Config{PollInterval: 10 * time.Millisecond}, d)

	return session.New(s, mainRunner, d, pool, loop, cfg), s
}

func TestSendMessageHappyPath(t *testing.T) {
	echo := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		msg, _ := task.Payload["user_message"].(string)
		return runner.Result{TaskState: store.StateDone, UserOutput: "reply to: " + msg}
	})
	s := newTestSession(t, echo)

	result := s.SendMessage(context.Background(), "hello")
	if !result.Success {
		t.Fatalf("expected success, got error %+v", result.Error)
	}
	if result.Output != "reply to: hello" {
		t.Fatalf("unexpected output: %q", result.Output)
	}
}

func TestSendMessageRunnerFailureFailsTask(t *testing.T) {
	failing := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		return runner.Result{TaskState: store.StateFailed, Error: map[string]any{"code": "RUNNER_EXCEPTION", "message": "nope"}}
	})
	s := newTestSession(t, failing)

	result := s.SendMessage(context.Background(), "hello")
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error["code"] != "RUNNER_EXCEPTION" {
		t.Fatalf("unexpected error: %+v", result.Error)
	}
}

func TestSendMessageMainTimeout(t *testing.T) {
	slow := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return runner.Result{TaskState: store.StateDone, UserOutput: "too late"}
	})
	s, _ := newTestSessionWithConfig(t, slow, session.Config{MainRunnerTimeout: 50 * time.Millisecond})

	start := time.Now()
	result := s.SendMessage(context.Background(), "hello")
	elapsed := time.Since(start)

	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if result.Error["code"] != "MAIN_TIMEOUT" {
		t.Fatalf("expected MAIN_TIMEOUT, got %+v", result.Error)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("expected the timeout to fire promptly, took %s", elapsed)
	}
}

func TestSendMessageStreamCollectsChunks(t *testing.T) {
	streaming := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		if !rc.Stream {
			return runner.Result{TaskState: store.StateFailed, Error: map[string]any{"code": "RUNNER_EXCEPTION", "message": "streaming not requested"}}
		}
		return runner.Result{TaskState: store.StateDone, UserOutput: "ab", StreamChunks: []string{"a", "b"}}
	})
	s := newTestSession(t, streaming)

	result := s.SendMessageStream(context.Background(), "hello")
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Error)
	}
	if len(result.StreamChunks) != 2 || result.StreamChunks[0] != "a" {
		t.Fatalf("expected the runner's chunks, got %+v", result.StreamChunks)
	}
}

func TestCreateWorkTaskRejectsPastRunAt(t *testing.T) {
	s := newTestSession(t, runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		return runner.Result{TaskState: store.StateDone}
	}))

	past := time.Now().UTC().Add(-time.Hour)
	_, err := s.CreateWorkTask(context.Background(), map[string]any{"message": "x"}, &past, 0, false)
	if err == nil {
		t.Fatal("expected an error for a past run_at")
	}
}

func TestCreateWorkTaskClampsRepeatInterval(t *testing.T) {
	s, st := newTestSessionWithConfig(t, runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		return runner.Result{TaskState: store.StateDone}
	}), session.Config{})

	id, err := s.CreateWorkTask(context.Background(), map[string]any{"message": "x"}, nil, 60, true)
	if err != nil {
		t.Fatalf("create work task: %v", err)
	}
	if id == "" {
		t.Fatal("expected a task id")
	}
	task, err := st.TaskGet(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Payload["repeat_interval_seconds"] != float64(3600) || task.Payload["repeat_enabled"] != true {
		t.Fatalf("expected a 60s repeat interval clamped to 3600, got %+v", task.Payload)
	}
}

func TestDrainNotificationsReturnsAndCompletesAll(t *testing.T) {
	sess, st := newTestSessionWithConfig(t, runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		return runner.Result{TaskState: store.StateDone}
	}), session.Config{})
	ctx := context.Background()

	messages, err := sess.DrainNotifications(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no notifications yet, got %+v", messages)
	}

	for _, msg := range []string{"first", "second"} {
		if _, err := st.TaskCreate(ctx, store.TaskTypeNotification, map[string]any{
			"message": msg, "severity": "info",
		}); err != nil {
			t.Fatalf("create notification: %v", err)
		}
	}

	messages, err = sess.DrainNotifications(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(messages) != 2 || messages[0] != "first" || messages[1] != "second" {
		t.Fatalf("expected [first second], got %+v", messages)
	}

	remaining, err := st.TaskList(ctx, store.TaskTypeNotification, string(store.StateQueued))
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected every drained notification completed, got %+v", remaining)
	}
}

// A blocked background worker must not delay the synchronous main path.
func TestMainPathIsNotStalledByBlockedWorker(t *testing.T) {
	release := make(chan struct{})
	blocking := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return runner.Result{TaskState: store.StateDone, UserOutput: "unblocked"}
	})
	instant := runner.Func(func(ctx context.Context, task store.Task, rc runner.Context) runner.Result {
		return runner.Result{TaskState: store.StateDone, UserOutput: "fast"}
	})
	sess, _ := newTestSessionWithRunners(t, instant, blocking, session.Config{})
	ctx := context.Background()

	if _, err := sess.CreateWorkTask(ctx, map[string]any{"message": "do"}, nil, 0, false); err != nil {
		t.Fatalf("create work task: %v", err)
	}
	sess.StartWorkers(ctx)
	defer sess.StopWorkers()
	defer close(release)

	// Give the loop a tick to claim and hand the work task to the
	// (blocked) worker before timing the main path.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	result := sess.SendMessage(ctx, "hello")
	elapsed := time.Since(start)

	if !result.Success || result.Output != "fast" {
		t.Fatalf("unexpected main-path result: %+v", result)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("main path stalled behind the blocked worker: took %s", elapsed)
	}
}
