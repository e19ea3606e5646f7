package runner

import (
	"context"

	"github.com/taskfabric/fabric/internal/errs"
	"github.com/taskfabric/fabric/internal/store"
)

// ToolLoopRunner repeats generate-then-execute-tool-calls until the LLM
// stops asking for tools or the context's step budget runs out, unlike
// SingleTurnRunner's one-shot cycle.
type ToolLoopRunner struct {
	MaxSteps int // 0 uses rc.Budget.RemainingSteps as-is
}

var _ Runner = (*ToolLoopRunner)(nil)

func (r *ToolLoopRunner) Run(ctx context.Context, task store.Task, rc Context) Result {
	userMessage := extractUserMessage(task.Payload)
	if userMessage == "" {
		return Result{
			TaskState: store.StateFailed,
			Error:     errs.New(errs.MissingMessage, "task payload has no user_message, message, or prompt").ToMap(),
		}
	}
	if rc.LLM == nil {
		return Result{
			TaskState: store.StateFailed,
			Error:     errs.New(errs.RunnerException, "no LLMAPI configured for this runner context").ToMap(),
		}
	}

	budget := rc.Budget
	if r.MaxSteps > 0 {
		budget = Budget{RemainingSteps: r.MaxSteps}
	}

	var tools []ToolSpec
	if rc.Tools != nil {
		list, err := rc.Tools.StructuredList(ctx)
		if err != nil {
			return Result{
				TaskState: store.StateFailed,
				Error:     errs.New(errs.RunnerException, "listing tools: "+err.Error()).ToMap(),
			}
		}
		tools = list
	}

	var lastOutput string
	for {
		if err := ctx.Err(); err != nil {
			return Result{TaskState: store.StateFailed, Error: errs.New(errs.RunnerException, err.Error()).ToMap()}
		}

		resp, err := rc.LLM.Generate(ctx, task, tools)
		if err != nil {
			return Result{TaskState: store.StateFailed, Error: errs.New(errs.RunnerException, err.Error()).ToMap()}
		}
		lastOutput = resp.UserOutput

		if len(resp.ToolCalls) == 0 {
			return Result{UserOutput: lastOutput, TaskState: store.StateDone}
		}

		if budget.Spend() {
			return Result{
				UserOutput: lastOutput,
				TaskState:  store.StateFailed,
				Error:      errs.New(errs.BudgetExceeded, "step budget exhausted with pending tool calls").ToMap(),
			}
		}

		if err := executeToolCalls(ctx, rc, resp.ToolCalls); err != nil {
			return Result{
				TaskState: store.StateFailed,
				Error:     errs.New(errs.RunnerException, "executing tool calls: "+err.Error()).ToMap(),
			}
		}
	}
}
