package execloop_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskfabric/fabric/internal/execloop"
)

type countingTickable struct {
	n atomic.Int64
}

func (c *countingTickable) RunOnce(ctx context.Context) { c.n.Add(1) }

type panickyTickable struct{}

func (panickyTickable) RunOnce(ctx context.Context) { panic("boom") }

func TestLoopTicksRepeatedly(t *testing.T) {
	counter := &countingTickable{}
	loop := execloop.New(execloop.Config{PollInterval: 10 * time.Millisecond}, counter)

	loop.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	loop.Stop()

	if counter.n.Load() < 2 {
		t.Fatalf("expected at least 2 ticks, got %d", counter.n.Load())
	}
}

func TestLoopSurvivesPanicInOneTickable(t *testing.T) {
	counter := &countingTickable{}
	loop := execloop.New(execloop.Config{PollInterval: 10 * time.Millisecond}, panickyTickable{}, counter)

	loop.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	loop.Stop()

	if counter.n.Load() != 0 {
		t.Fatalf("expected the panic to abort each tick before the later tickable runs, got %d calls", counter.n.Load())
	}
}
