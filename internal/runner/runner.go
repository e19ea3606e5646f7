// Package runner defines the polymorphic unit of work the dispatcher
// and worker pool execute: a Runner takes a task and a RunnerContext and
// produces a RunResult, with no opinion on what task_type it handles or
// what an "LLM" or "tool" even is. The LLM client and tool registry are
// external collaborators declared here as interfaces; the fabric does
// not implement them.
package runner

import (
	"context"

	"github.com/taskfabric/fabric/internal/store"
)

// ToolCall is one tool invocation an LLM response asked for.
type ToolCall struct {
	ToolName   string
	Args       map[string]any
	ToolCallID string
}

// LLMResponse is what an LLMAPI call returns: a user-facing message plus
// any tool calls the model wants executed.
type LLMResponse struct {
	UserOutput string
	ToolCalls  []ToolCall
	Message    map[string]any
}

// LLMAPI is the external language-model collaborator. Runners depend on
// this interface; the fabric does not ship an implementation.
type LLMAPI interface {
	Generate(ctx context.Context, task store.Task, tools []ToolSpec) (LLMResponse, error)
	CollectStream(ctx context.Context, task store.Task, tools []ToolSpec) (LLMResponse, []string, error)
}

// ToolSpec describes one callable tool's name and schema, as handed to
// an LLMAPI so it knows what it may call.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolAPI is the external tool registry/executor. Runners depend on
// this interface only.
type ToolAPI interface {
	StructuredList(ctx context.Context) ([]ToolSpec, error)
	Execute(ctx context.Context, call ToolCall) (map[string]any, error)
}

// Budget bounds how many more steps a multi-step runner (e.g.
// ToolLoopRunner) may take before it fails with BUDGET_EXCEEDED.
type Budget struct {
	RemainingSteps int
	SpentSteps     int
}

// Spend consumes one step, reporting whether the budget is now
// exhausted.
func (b *Budget) Spend() (exhausted bool) {
	if b.RemainingSteps <= 0 {
		return true
	}
	b.RemainingSteps--
	b.SpentSteps++
	return b.RemainingSteps <= 0
}

// Context is everything a Runner needs beyond the task itself: which
// store to read/write through, which collaborators to call, and which
// runner_id ("main" or "worker") is doing the running.
type Context struct {
	RunnerID       string
	ConversationID string
	Store          *store.Store
	LLM            LLMAPI
	ToolLLM        LLMAPI
	Tools          ToolAPI
	Budget         Budget
	Stream         bool
}

// Result is what running a task produced: either a successful
// user-facing output plus any artifacts, or a failure with a coded
// error (RUNNER_EXCEPTION, MISSING_MESSAGE, BUDGET_EXCEEDED, ...).
type Result struct {
	UserOutput   string
	TaskState    store.State // StateDone or StateFailed
	ArtifactRefs []string
	Error        map[string]any
	StreamChunks []string
}

// Runner is the polymorphic execution unit the dispatcher's worker pool
// and the session's main-path both invoke identically. The fabric treats
// every Runner as an opaque callable and never inspects what kind of
// work happened inside.
type Runner interface {
	Run(ctx context.Context, task store.Task, rc Context) Result
}

// Func adapts a plain function to the Runner interface, the way
// http.HandlerFunc adapts a function to http.Handler. Useful for tests
// and for trivial runners that don't need their own named type.
type Func func(ctx context.Context, task store.Task, rc Context) Result

func (f Func) Run(ctx context.Context, task store.Task, rc Context) Result {
	return f(ctx, task, rc)
}
