package runner

import "github.com/taskfabric/fabric/internal/store"

// extractUserMessage pulls the human-readable request out of a task
// payload, checking "user_message", then "message", then "prompt".
func extractUserMessage(payload map[string]any) string {
	for _, key := range []string{"user_message", "message", "prompt"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// buildHistoryMessages turns recent turns into the role-tagged message
// list an LLMAPI expects, oldest first. Only the main runner path builds
// history; worker-path runs never do, since work tasks are not part of
// the visible conversation.
func buildHistoryMessages(turns []historyTurn) []map[string]string {
	messages := make([]map[string]string, 0, len(turns)*2)
	for _, t := range turns {
		if t.UserMessage != "" {
			messages = append(messages, map[string]string{"role": "user", "content": t.UserMessage})
		}
		if t.HasAssistant {
			messages = append(messages, map[string]string{"role": "assistant", "content": t.AssistantMessage})
		}
	}
	return messages
}

// buildLLMPayload shapes a message/messages pair into an {"llm_input":
// {...}} payload, so an LLMAPI implementation can read either a single
// prompt string or a role-tagged message list off one well-known
// payload key regardless of which runner built it.
func buildLLMPayload(message string, messages []map[string]string) map[string]any {
	llmInput := map[string]any{}
	if message != "" {
		llmInput["message"] = message
	}
	if messages != nil {
		llmInput["messages"] = messages
	}
	return map[string]any{"llm_input": llmInput}
}

// buildLLMTask wraps payload as the synthetic per-call task an LLMAPI
// sees, keeping the caller task's id but stamping taskType and a
// "running" state, instead of reusing the caller's task verbatim.
func buildLLMTask(task store.Task, taskType string, payload map[string]any) store.Task {
	return store.Task{
		ID:      task.ID,
		Type:    taskType,
		Payload: payload,
		State:   store.StateRunning,
	}
}

// historyTurn is the subset of store.Turn the message builder needs.
type historyTurn struct {
	UserMessage      string
	AssistantMessage string
	HasAssistant     bool
}
