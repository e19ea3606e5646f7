package runner

import (
	"context"

	"github.com/taskfabric/fabric/internal/errs"
	"github.com/taskfabric/fabric/internal/store"
)

// SingleTurnRunner handles one request/response cycle: extract the
// user's message, optionally load recent conversation history (main
// path only), call the LLM once, execute any tool calls it asked for,
// and return.
type SingleTurnRunner struct {
	HistoryTurns int // how many recent turns to load on the main path; 0 uses a default of 5
}

var _ Runner = (*SingleTurnRunner)(nil)

func (r *SingleTurnRunner) Run(ctx context.Context, task store.Task, rc Context) Result {
	userMessage := extractUserMessage(task.Payload)
	if userMessage == "" {
		return Result{
			TaskState: store.StateFailed,
			Error:     errs.New(errs.MissingMessage, "task payload has no user_message, message, or prompt").ToMap(),
		}
	}

	var messages []map[string]string
	if rc.RunnerID == "main" && rc.Store != nil {
		n := r.HistoryTurns
		if n <= 0 {
			n = 5
		}
		turns, err := rc.Store.TurnListRecent(ctx, rc.ConversationID, n)
		if err == nil {
			hist := make([]historyTurn, len(turns))
			for i, t := range turns {
				hist[i] = historyTurn{UserMessage: t.UserMessage, AssistantMessage: t.AssistantMessage, HasAssistant: t.HasAssistant}
			}
			messages = buildHistoryMessages(hist)
		}
	}
	messages = append(messages, map[string]string{"role": "user", "content": userMessage})

	if rc.LLM == nil {
		return Result{
			TaskState: store.StateFailed,
			Error:     errs.New(errs.RunnerException, "no LLMAPI configured for this runner context").ToMap(),
		}
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

	// The LLM call is built from a synthetic task carrying the
	// role-tagged message list (history + this turn), not the caller's
	// raw task; otherwise the turn history loaded above never reaches
	// the LLM at all.
	llmTask := buildLLMTask(task, task.Type, buildLLMPayload("", messages))

	var (
		resp         LLMResponse
		streamChunks []string
		err          error
	)
	if rc.Stream {
		resp, streamChunks, err = rc.LLM.CollectStream(ctx, llmTask, tools)
	} else {
		resp, err = rc.LLM.Generate(ctx, llmTask, tools)
	}
	if err != nil {
		return Result{
			TaskState: store.StateFailed,
			Error:     errs.New(errs.RunnerException, err.Error()).ToMap(),
		}
	}

	if err := executeToolCalls(ctx, rc, resp.ToolCalls); err != nil {
		return Result{
			TaskState: store.StateFailed,
			Error:     errs.New(errs.RunnerException, "executing tool calls: "+err.Error()).ToMap(),
		}
	}

	return Result{
		UserOutput:   resp.UserOutput,
		TaskState:    store.StateDone,
		StreamChunks: streamChunks,
	}
}

func executeToolCalls(ctx context.Context, rc Context, calls []ToolCall) error {
	if rc.Tools == nil {
		return nil
	}
	for _, call := range calls {
		if _, err := rc.Tools.Execute(ctx, call); err != nil {
			return err
		}
	}
	return nil
}
