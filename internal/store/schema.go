package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaRegistry holds one compiled JSON Schema per task_type. It is
// process-global, one schema per type: schemas describe the shape of
// a task_type's payload, not per-store configuration, so every *Store in
// a process shares them. Compiled once, reused across tasks.
var schemaRegistry = struct {
	mu   sync.RWMutex
	byType map[string]*jsonschema.Schema
}{byType: make(map[string]*jsonschema.Schema)}

// RegisterPayloadSchema compiles and installs a JSON Schema that every
// future TaskCreate for taskType must satisfy. Passing a nil/empty
// schema for a type removes its validation; registering again replaces
// the type's schema. cmd/fabricd registers none, so TaskCreate validates
// no payload until a schema is registered.
func RegisterPayloadSchema(taskType string, schemaJSON []byte) error {
	schemaRegistry.mu.Lock()
	defer schemaRegistry.mu.Unlock()

	if len(schemaJSON) == 0 {
		delete(schemaRegistry.byType, taskType)
		return nil
	}

	compiler := jsonschema.NewCompiler()
	resourceName := "fabric://task-payload/" + taskType
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %q: %w", taskType, err)
	}
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", taskType, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", taskType, err)
	}
	schemaRegistry.byType[taskType] = compiled
	return nil
}

// ErrPayloadInvalid is returned by TaskCreate when a registered schema
// rejects the payload.
type ErrPayloadInvalid struct {
	TaskType string
	Cause    error
}

func (e *ErrPayloadInvalid) Error() string {
	return fmt.Sprintf("invalid payload for task type %q: %v", e.TaskType, e.Cause)
}

func (e *ErrPayloadInvalid) Unwrap() error { return e.Cause }

func validatePayload(taskType string, payload map[string]any) error {
	schemaRegistry.mu.RLock()
	schema, ok := schemaRegistry.byType[taskType]
	schemaRegistry.mu.RUnlock()
	if !ok {
		return nil
	}

	// Round-trip through jsonschema.UnmarshalJSON (not a plain type
	// assertion on payload) so numbers arrive as json.Number the way the
	// library expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for validation: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("unmarshal payload for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return &ErrPayloadInvalid{TaskType: taskType, Cause: err}
	}
	return nil
}
