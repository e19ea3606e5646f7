package queue_test

import (
	"testing"

	"github.com/taskfabric/fabric/internal/queue"
)

func TestTrySendRespectsCapacity(t *testing.T) {
	q := queue.New(1)

	if ok := q.TrySend(queue.WorkMessage{TaskID: "t1"}); !ok {
		t.Fatal("expected first send to succeed")
	}
	if ok := q.TrySend(queue.WorkMessage{TaskID: "t2"}); ok {
		t.Fatal("expected second send to fail when capacity is 1")
	}
	if q.InFlight() != 1 {
		t.Fatalf("expected InFlight()==1, got %d", q.InFlight())
	}
}

func TestTryReceiveWorkDrainsInOrder(t *testing.T) {
	q := queue.New(4)
	q.TrySend(queue.WorkMessage{TaskID: "t1"})
	q.TrySend(queue.WorkMessage{TaskID: "t2"})

	msg, ok := q.TryReceiveWork()
	if !ok || msg.TaskID != "t1" {
		t.Fatalf("expected t1 first, got %+v ok=%v", msg, ok)
	}
	msg, ok = q.TryReceiveWork()
	if !ok || msg.TaskID != "t2" {
		t.Fatalf("expected t2 second, got %+v ok=%v", msg, ok)
	}
	if _, ok := q.TryReceiveWork(); ok {
		t.Fatal("expected empty queue to report ok=false")
	}
}

func TestSendResultThenReceive(t *testing.T) {
	q := queue.New(2)
	if err := q.SendResult(queue.ResultEnvelope{TaskID: "t1", TaskState: "done"}); err != nil {
		t.Fatalf("send result: %v", err)
	}
	result, ok := q.TryReceiveResult()
	if !ok {
		t.Fatal("expected a result")
	}
	if result.TaskID != "t1" || result.TaskState != "done" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
