package store_test

import (
	"context"
	"testing"

	"github.com/taskfabric/fabric/internal/store"
)

func TestRegisterPayloadSchemaRejectsInvalidPayload(t *testing.T) {
	err := store.RegisterPayloadSchema("work", []byte(`{
		"type": "object",
		"properties": {"message": {"type": "string"}},
		"required": ["message"]
	}`))
	if err != nil {
		t.Fatalf("register schema: %v", err)
	}
	t.Cleanup(func() { _ = store.RegisterPayloadSchema("work", nil) })

	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{}); err == nil {
		t.Fatal("expected payload missing required field to be rejected")
	}

	id, err := s.TaskCreate(ctx, store.TaskTypeWork, map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("expected valid payload to be accepted: %v", err)
	}
	if id == "" {
		t.Fatal("expected a task id")
	}
}

func TestRegisterPayloadSchemaNilClearsValidation(t *testing.T) {
	if err := store.RegisterPayloadSchema("notification", []byte(`{"required": ["message"]}`)); err != nil {
		t.Fatalf("register schema: %v", err)
	}
	if err := store.RegisterPayloadSchema("notification", nil); err != nil {
		t.Fatalf("clear schema: %v", err)
	}

	s := openTestStore(t)
	if _, err := s.TaskCreate(context.Background(), store.TaskTypeNotification, map[string]any{}); err != nil {
		t.Fatalf("expected no validation after clearing schema, got %v", err)
	}
}
