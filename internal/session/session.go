// Package session is the main-path API a caller (a CLI, the Telegram
// channel) talks to: send a message and get a
// reply, drain notifications produced by background work, and manage
// the lifecycle of the execution loop.
//
// The main-path deadline is a context with a timeout racing the runner
// goroutine against ctx.Done(): the runner is opaque and potentially
// blocking, so the deadline is enforced outside it rather than
// expecting in-runner cooperation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskfabric/fabric/internal/dispatcher"
	"github.com/taskfabric/fabric/internal/errs"
	"github.com/taskfabric/fabric/internal/execloop"
	"github.com/taskfabric/fabric/internal/runner"
	"github.com/taskfabric/fabric/internal/shared"
	"github.com/taskfabric/fabric/internal/store"
	"github.com/taskfabric/fabric/internal/worker"
)

const (
	defaultClaimTTLSeconds   = 30
	defaultMainRunnerTimeout = 600 * time.Second
	maxRunAtHorizon          = 365 * 24 * time.Hour
	minRepeatIntervalSeconds = 3600
	stopWorkersTimeout       = 5 * time.Second
)

// Config configures a Session.
type Config struct {
	ConversationID    string
	RunnerID          string
	ClaimTTLSeconds   int
	MainRunnerTimeout time.Duration
	Log               *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ConversationID == "" {
		c.ConversationID = "default"
	}
	if c.RunnerID == "" {
		c.RunnerID = "main"
	}
	if c.ClaimTTLSeconds <= 0 {
		c.ClaimTTLSeconds = defaultClaimTTLSeconds
	}
	if c.MainRunnerTimeout <= 0 {
		c.MainRunnerTimeout = defaultMainRunnerTimeout
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// MessageResult is SendMessage's return value: either a successful
// assistant reply or a failed attempt, never both.
type MessageResult struct {
	TaskID       string
	TurnID       string
	Success      bool
	Output       string
	ArtifactRefs []string
	StreamChunks []string
	Error        map[string]any
}

// Session ties together the store, the main-path runner, and the
// dispatcher/worker-pool/execution-loop triple that background work
// flows through.
type Session struct {
	store      *store.Store
	mainRunner runner.Runner
	cfg        Config

	dispatcher *dispatcher.Dispatcher
	pool       *worker.Pool
	loop       *execloop.Loop

	runMu   sync.Mutex
	running bool
}

// New constructs a Session. dispatcher, pool, and loop are already
// wired by the caller (cmd/fabricd) against a shared queue.WorkQueue;
// Session only starts and stops them.
func New(s *store.Store, mainRunner runner.Runner, d *dispatcher.Dispatcher, pool *worker.Pool, loop *execloop.Loop, cfg Config) *Session {
	return &Session{
		store:      s,
		mainRunner: mainRunner,
		cfg:        cfg.withDefaults(),
		dispatcher: d,
		pool:       pool,
		loop:       loop,
	}
}

// SendMessage runs one user_request task through the main runner and
// returns its outcome, appending both sides of the exchange to the
// conversation's turn history.
func (s *Session) SendMessage(ctx context.Context, userMessage string) MessageResult {
	return s.sendMessage(ctx, userMessage, false)
}

// SendMessageStream is SendMessage with streaming requested from the
// runner; the chunks it collected come back in
// MessageResult.StreamChunks alongside the final output.
func (s *Session) SendMessageStream(ctx context.Context, userMessage string) MessageResult {
	return s.sendMessage(ctx, userMessage, true)
}

func (s *Session) sendMessage(ctx context.Context, userMessage string, stream bool) MessageResult {
	taskID, err := s.store.TaskCreate(ctx, store.TaskTypeUserRequest, map[string]any{
		"user_message":    userMessage,
		"conversation_id": s.cfg.ConversationID,
	})
	if err != nil {
		return MessageResult{Success: false, Error: errs.New(errs.StoreUnavailable, "creating user_request task: "+err.Error()).ToMap()}
	}

	turn, err := s.store.TurnAppendUser(ctx, s.cfg.ConversationID, userMessage, taskID)
	if err != nil {
		return MessageResult{TaskID: taskID, Success: false, Error: errs.New(errs.StoreUnavailable, "appending user turn: "+err.Error()).ToMap()}
	}

	claimed, err := s.store.TaskClaim(ctx, store.ClaimFilter{TaskID: taskID}, s.cfg.RunnerID, s.cfg.ClaimTTLSeconds)
	if err != nil {
		return s.failAndReturn(ctx, taskID, turn.TurnID, errs.New(errs.ClaimFailed, "claiming user_request: "+err.Error()))
	}
	if claimed == nil {
		return s.failAndReturn(ctx, taskID, turn.TurnID, errs.New(errs.ClaimFailed, "task was already claimed"))
	}

	task, err := s.store.TaskGet(ctx, taskID)
	if err != nil || task == nil {
		return s.failAndReturn(ctx, taskID, turn.TurnID, errs.New(errs.TaskNotFound, "task vanished after claim"))
	}

	result := s.runWithTimeout(ctx, *task, stream)
	return s.finalize(ctx, *task, turn.TurnID, result)
}

func (s *Session) failAndReturn(ctx context.Context, taskID, turnID string, coded *errs.CodedError) MessageResult {
	if _, err := s.store.TaskFail(ctx, taskID, coded.ToMap()); err != nil {
		s.cfg.Log.Error("session: failing task", "task_id", taskID, "error", err)
	}
	return MessageResult{TaskID: taskID, TurnID: turnID, Success: false, Error: coded.ToMap()}
}

// runWithTimeout races the main runner against cfg.MainRunnerTimeout,
// reporting MAIN_TIMEOUT if the deadline elapses first. The runner
// goroutine is intentionally left running after a timeout (Go has no
// safe way to kill a goroutine); it will still write its result to
// resultCh, which nothing reads, and will be garbage collected once it
// returns.
func (s *Session) runWithTimeout(ctx context.Context, task store.Task, stream bool) runner.Result {
	deadline, cancel := context.WithTimeout(ctx, s.cfg.MainRunnerTimeout)
	defer cancel()

	resultCh := make(chan runner.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- runner.Result{
					TaskState: store.StateFailed,
					Error:     errs.New(errs.RunnerException, fmt.Sprintf("panic running task: %v", r)).ToMap(),
				}
				return
			}
		}()
		runCtx := shared.WithTraceID(deadline, shared.NewTraceID())
		rc := runner.Context{RunnerID: s.cfg.RunnerID, ConversationID: s.cfg.ConversationID, Store: s.store, Stream: stream}
		resultCh <- s.mainRunner.Run(runCtx, task, rc)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-deadline.Done():
		return runner.Result{
			TaskState: store.StateFailed,
			Error:     errs.New(errs.MainTimeout, "main runner did not finish within the configured deadline").ToMap(),
		}
	}
}

func (s *Session) finalize(ctx context.Context, task store.Task, turnID string, result runner.Result) MessageResult {
	if result.TaskState == store.StateDone {
		if _, err := s.store.TaskComplete(ctx, task.ID); err != nil {
			s.cfg.Log.Error("session: completing task", "task_id", task.ID, "error", err)
		}
		if _, err := s.store.TurnSetAssistant(ctx, turnID, result.UserOutput, result.ArtifactRefs); err != nil {
			s.cfg.Log.Error("session: setting assistant turn", "turn_id", turnID, "error", err)
		}
		return MessageResult{
			TaskID:       task.ID,
			TurnID:       turnID,
			Success:      true,
			Output:       result.UserOutput,
			ArtifactRefs: result.ArtifactRefs,
			StreamChunks: result.StreamChunks,
		}
	}

	errInfo := result.Error
	if errInfo == nil {
		errInfo = map[string]any{"message": "failed"}
	}
	if _, err := s.store.TaskFail(ctx, task.ID, errInfo); err != nil {
		s.cfg.Log.Error("session: failing task", "task_id", task.ID, "error", err)
	}
	return MessageResult{TaskID: task.ID, TurnID: turnID, Success: false, Error: errInfo}
}

// DrainNotifications claims and completes every pending notification
// task, returning the messages they carried. Notifications are how
// background work surfaces results to the main path without the main
// path polling the task store directly.
func (s *Session) DrainNotifications(ctx context.Context) ([]string, error) {
	var messages []string
	for {
		claimed, err := s.store.TaskClaim(ctx, store.ClaimFilter{TaskType: store.TaskTypeNotification}, s.cfg.RunnerID, s.cfg.ClaimTTLSeconds)
		if err != nil {
			return messages, err
		}
		if claimed == nil {
			return messages, nil
		}
		if msg, ok := claimed.Payload["message"].(string); ok {
			messages = append(messages, msg)
		}
		if _, err := s.store.TaskComplete(ctx, claimed.ID); err != nil {
			return messages, err
		}
	}
}

// CreateWorkTask enqueues a background work task, validating run_at and
// clamping any repeat interval.
func (s *Session) CreateWorkTask(ctx context.Context, payload map[string]any, runAt *time.Time, repeatIntervalSeconds int, repeatEnabled bool) (string, error) {
	out := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		out[k] = v
	}

	if runAt != nil {
		if err := validateRunAt(*runAt); err != nil {
			return "", errs.New(errs.InvalidRunAt, err.Error())
		}
		out["run_at"] = runAt.UTC().Format(time.RFC3339)
	}
	if repeatEnabled && repeatIntervalSeconds > 0 {
		if repeatIntervalSeconds < minRepeatIntervalSeconds {
			repeatIntervalSeconds = minRepeatIntervalSeconds
		}
		out["repeat_interval_seconds"] = repeatIntervalSeconds
		out["repeat_enabled"] = true
	}

	return s.store.TaskCreate(ctx, store.TaskTypeWork, out)
}

func validateRunAt(t time.Time) error {
	now := time.Now().UTC()
	if t.Before(now) {
		return fmt.Errorf("run_at %s is in the past", t.Format(time.RFC3339))
	}
	if t.After(now.Add(maxRunAtHorizon)) {
		return fmt.Errorf("run_at %s is more than a year in the future", t.Format(time.RFC3339))
	}
	return nil
}

// StartWorkers starts the worker pool and the execution loop that
// drives the dispatcher. Idempotent: a second call is a no-op, since it
// would otherwise leak another execloop goroutine and double up the
// worker pool.
func (s *Session) StartWorkers(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.pool.Start(ctx)
	s.loop.Start(ctx)
	s.running = true
}

// StopWorkers stops the execution loop first (so no new dispatch
// happens), then the worker pool. Idempotent. Loop.Stop and Pool.Stop
// wait unconditionally (<-l.done, wg.Wait()), so the bounded join
// happens here, each stop capped at stopWorkersTimeout, logging and
// moving on if a component doesn't exit in time.
func (s *Session) StopWorkers() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.joinWithTimeout("execloop", s.loop.Stop)
	s.joinWithTimeout("worker pool", s.pool.Stop)
	s.running = false
}

func (s *Session) joinWithTimeout(name string, stop func()) {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopWorkersTimeout):
		s.cfg.Log.Error("session: stop did not complete within timeout, abandoning join", "component", name, "timeout", stopWorkersTimeout)
	}
}
