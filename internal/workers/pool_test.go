package workers

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDefaultPoolConfigSizesToStrategyCount(t *testing.T) {
	cfg := DefaultPoolConfig("strategies", 4)
	if cfg.NumWorkers != 4 {
		t.Fatalf("expected 4 workers for 4 strategies, got %d", cfg.NumWorkers)
	}

	cfg = DefaultPoolConfig("strategies", 0)
	if cfg.NumWorkers != 1 {
		t.Fatalf("expected a floor of 1 worker, got %d", cfg.NumWorkers)
	}
}

func TestRunAllJoinsBeforeReturning(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("test", 3))
	p.Start()
	defer p.Stop()

	var completed int32
	fns := make([]func() error, 5)
	for i := range fns {
		fns[i] = func() error {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&completed, 1)
			return nil
		}
	}

	errs := p.RunAll(fns)
	if atomic.LoadInt32(&completed) != int32(len(fns)) {
		t.Fatalf("expected all tasks to complete before RunAll returns, got %d/%d", completed, len(fns))
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("task %d: unexpected error %v", i, err)
		}
	}
}

func TestRunAllPropagatesPerTaskErrors(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("test", 2))
	p.Start()
	defer p.Stop()

	boom := errors.New("strategy panic surrogate")
	errs := p.RunAll([]func() error{
		func() error { return nil },
		func() error { return boom },
	})
	if errs[0] != nil || errs[1] != boom {
		t.Fatalf("expected [nil, boom], got %+v", errs)
	}
	if p.Stats().TasksFailed != 1 {
		t.Fatalf("expected one failed task recorded, got %d", p.Stats().TasksFailed)
	}
}

func TestSubmitRejectsAfterStop(t *testing.T) {
	p := NewPool(zap.NewNop(), DefaultPoolConfig("test", 1))
	p.Start()
	if err := p.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if err := p.Submit(TaskFunc(func() error { return nil })); err != ErrPoolStopped {
		t.Fatalf("expected ErrPoolStopped after Stop, got %v", err)
	}
}
