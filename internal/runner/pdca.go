package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskfabric/fabric/internal/errs"
	"github.com/taskfabric/fabric/internal/store"
)

// StepContext carries the plan/do/check/act loop's running state across
// steps: accumulated facts, open issues, the current plan, the last
// check's verdict, and the step budget.
type StepContext struct {
	Facts      []string
	OpenIssues []string
	Plan       []string
	LastResult string
	Budget     Budget
}

func (sc StepContext) toDict() map[string]any {
	return map[string]any{
		"facts":       sc.Facts,
		"open_issues": sc.OpenIssues,
		"plan":        sc.Plan,
		"last_result": sc.LastResult,
		"budget": map[string]any{
			"remaining_steps": sc.Budget.RemainingSteps,
			"spent_steps":     sc.Budget.SpentSteps,
		},
	}
}

func (sc StepContext) summary() string {
	b, _ := json.Marshal(sc.toDict())
	return string(b)
}

const defaultPDCABudget = 10

// PDCARunner lists the available tools once, then repeats plan -> do ->
// check -> act until the check step reports the goal achieved or the
// budget runs out.
//
// Tool discovery is not query-narrowed: there is no search index to
// consult, so every step sees the full tool list StructuredList returns
// rather than a per-step filtered subset.
type PDCARunner struct {
	MaxSteps int // 0 uses rc.Budget.RemainingSteps, defaulting to 10 if that is also zero
}

var _ Runner = (*PDCARunner)(nil)

func (r *PDCARunner) Run(ctx context.Context, task store.Task, rc Context) Result {
	if extractUserMessage(task.Payload) == "" {
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
	} else if budget.RemainingSteps <= 0 {
		budget = Budget{RemainingSteps: defaultPDCABudget}
	}
	sc := StepContext{Budget: budget}

	var history []map[string]string
	if rc.RunnerID == "main" && rc.Store != nil {
		turns, err := rc.Store.TurnListRecent(ctx, rc.ConversationID, 5)
		if err == nil {
			hist := make([]historyTurn, len(turns))
			for i, t := range turns {
				hist[i] = historyTurn{UserMessage: t.UserMessage, AssistantMessage: t.AssistantMessage, HasAssistant: t.HasAssistant}
			}
			history = buildHistoryMessages(hist)
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

	for sc.Budget.RemainingSteps > 0 {
		if err := ctx.Err(); err != nil {
			return Result{TaskState: store.StateFailed, Error: errs.New(errs.RunnerException, err.Error()).ToMap()}
		}

		stepGoal, stepCriteria, err := r.planStep(ctx, task, sc, rc, history)
		if err != nil {
			return Result{TaskState: store.StateFailed, Error: errs.New(errs.RunnerException, "plan step: "+err.Error()).ToMap()}
		}

		doResp, err := r.doStep(ctx, task, sc, stepGoal, stepCriteria, rc, tools)
		if err != nil {
			return Result{TaskState: store.StateFailed, Error: errs.New(errs.RunnerException, "do step: "+err.Error()).ToMap()}
		}

		achieved, evaluation, gaps, err := r.checkStep(ctx, task, sc, stepGoal, stepCriteria, doResp, rc)
		if err != nil {
			return Result{TaskState: store.StateFailed, Error: errs.New(errs.RunnerException, "check step: "+err.Error()).ToMap()}
		}

		actStep(&sc, stepGoal, evaluation, gaps)
		sc.Budget.Spend()

		if achieved {
			finalMessage := doResp.UserOutput
			if finalMessage == "" {
				finalMessage = evaluation
			}
			if rc.RunnerID == "worker" && rc.Store != nil {
				if _, err := rc.Store.TaskCreate(ctx, store.TaskTypeNotification, map[string]any{
					"message":         finalMessage,
					"severity":        "info",
					"related_task_id": task.ID,
				}); err != nil {
					return Result{TaskState: store.StateFailed, Error: errs.New(errs.RunnerException, "creating notification: "+err.Error()).ToMap()}
				}
				finalMessage = ""
			}
			return Result{UserOutput: finalMessage, TaskState: store.StateDone}
		}
	}

	return Result{
		TaskState: store.StateFailed,
		Error:     errs.New(errs.BudgetExceeded, "step budget exhausted before the goal was achieved").ToMap(),
	}
}

func (r *PDCARunner) planStep(ctx context.Context, task store.Task, sc StepContext, rc Context, history []map[string]string) (goal, criteria string, err error) {
	prompt := fmt.Sprintf(
		"Plan the next step toward: %s\nstep_context: %s\nhistory: %v\nRespond as JSON with step_goal and step_success_criteria.",
		extractUserMessage(task.Payload), sc.summary(), history,
	)
	planTask := buildLLMTask(task, "pdca.plan", buildLLMPayload(prompt, nil))
	resp, genErr := rc.LLM.Generate(ctx, planTask, nil)
	if genErr != nil {
		return "", "", genErr
	}
	plan := safeJSONLoad(resp.UserOutput)
	goal, _ = plan["step_goal"].(string)
	if goal == "" {
		goal = resp.UserOutput
	}
	criteria, _ = plan["step_success_criteria"].(string)
	return goal, criteria, nil
}

func (r *PDCARunner) doStep(ctx context.Context, task store.Task, sc StepContext, stepGoal, stepCriteria string, rc Context, tools []ToolSpec) (LLMResponse, error) {
	prompt := fmt.Sprintf(
		"Execute this step.\nstep_goal: %s\nstep_success_criteria: %s\nstep_context: %s",
		stepGoal, stepCriteria, sc.summary(),
	)
	messages := []map[string]string{{"role": "user", "content": prompt}}
	doTask := buildLLMTask(task, "pdca.do", buildLLMPayload("", messages))
	resp, err := rc.LLM.Generate(ctx, doTask, tools)
	if err != nil {
		return LLMResponse{}, err
	}
	if len(resp.ToolCalls) == 0 {
		return resp, nil
	}

	results, err := executeToolCallsWithResults(ctx, rc, resp.ToolCalls)
	if err != nil {
		return LLMResponse{}, err
	}
	messages = append(messages, map[string]string{"role": "assistant", "content": resp.UserOutput})
	for _, res := range results {
		b, _ := json.Marshal(res)
		messages = append(messages, map[string]string{"role": "tool", "content": string(b)})
	}
	followupPrompt := fmt.Sprintf(
		"Given the tool results above, produce the final answer for step_goal: %s (success criteria: %s).",
		stepGoal, stepCriteria,
	)
	messages = append(messages, map[string]string{"role": "user", "content": followupPrompt})
	followupTask := buildLLMTask(task, "pdca.do.followup", buildLLMPayload("", messages))
	followupResp, err := rc.LLM.Generate(ctx, followupTask, nil)
	if err != nil {
		return LLMResponse{}, err
	}
	return followupResp, nil
}

func (r *PDCARunner) checkStep(ctx context.Context, task store.Task, sc StepContext, stepGoal, stepCriteria string, doResp LLMResponse, rc Context) (achieved bool, evaluation string, gaps []string, err error) {
	userOutput := strings.TrimSpace(doResp.UserOutput)
	if userOutput == "" {
		return false, "empty_output", []string{"empty_output"}, nil
	}

	prompt := fmt.Sprintf(
		"Check whether this output satisfies the step.\nstep_goal: %s\nstep_success_criteria: %s\nstep_context: %s\noutput: %s\n"+
			"Respond as JSON with achieved (bool), evaluation (string), gaps ([]string).",
		stepGoal, stepCriteria, sc.summary(), userOutput,
	)
	checkTask := buildLLMTask(task, "pdca.check", buildLLMPayload(prompt, nil))
	resp, genErr := rc.LLM.Generate(ctx, checkTask, nil)
	if genErr != nil {
		return false, "", nil, genErr
	}

	check := safeJSONLoad(resp.UserOutput)
	achieved, _ = check["achieved"].(bool)
	evaluation, _ = check["evaluation"].(string)
	if evaluation == "" {
		evaluation = resp.UserOutput
	}
	if rawGaps, ok := check["gaps"].([]any); ok {
		for _, g := range rawGaps {
			if s, ok := g.(string); ok {
				gaps = append(gaps, s)
			}
		}
	}
	return achieved, evaluation, gaps, nil
}

func actStep(sc *StepContext, stepGoal, evaluation string, gaps []string) {
	sc.LastResult = evaluation
	sc.OpenIssues = gaps
	if len(gaps) > 0 {
		sc.Plan = gaps
	} else {
		sc.Plan = []string{stepGoal}
	}
	if evaluation != "" && !containsString(sc.Facts, evaluation) {
		sc.Facts = append(sc.Facts, evaluation)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// executeToolCallsWithResults runs each tool call and collects its
// result keyed by tool_call_id/tool name, so the caller can fold the
// results back into the next LLM call's messages.
func executeToolCallsWithResults(ctx context.Context, rc Context, calls []ToolCall) ([]map[string]any, error) {
	if rc.Tools == nil {
		return nil, nil
	}
	results := make([]map[string]any, 0, len(calls))
	for _, call := range calls {
		res, err := rc.Tools.Execute(ctx, call)
		if err != nil {
			return results, err
		}
		results = append(results, map[string]any{
			"tool_call_id": call.ToolCallID,
			"tool":         call.ToolName,
			"result":       res,
		})
	}
	return results, nil
}

// safeJSONLoad parses text as a JSON object, returning an empty map on
// any parse failure instead of erroring.
func safeJSONLoad(text string) map[string]any {
	if text == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return map[string]any{}
	}
	return out
}
