package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weftd/weft/internal/plugin"
	"github.com/weftd/weft/internal/rule"
)

func tickRule(id, condName string) *rule.Rule {
	return &rule.Rule{
		ID:       id,
		UserID:   "u1",
		Name:     id,
		Active:   true,
		Trigger:  rule.Descriptor{Provider: "stub", Name: condName},
		Reaction: rule.Descriptor{Provider: "stub", Name: "act"},
	}
}

func TestTickProcessesAllActiveRules(t *testing.T) {
	store := newMemStore(
		tickRule("r1", "cond"),
		tickRule("r2", "cond"),
		tickRule("r3", "cond"),
	)

	var evals atomic.Int64
	b := plugin.NewBuilder(nil)
	b.Condition("stub", "cond", "", func(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
		evals.Add(1)
		return plugin.EvalResult{}, nil
	})

	p := NewProcessor(b.Build(), store, ProcessorConfig{Now: fixedNow}, nil)
	s := NewScheduler(p, store, SchedulerConfig{Workers: 2}, nil)

	s.RunTick(context.Background())

	if got := evals.Load(); got != 3 {
		t.Errorf("evals = %d, want 3", got)
	}
}

func TestOneFailingRuleDoesNotBlockOthers(t *testing.T) {
	store := newMemStore(
		tickRule("bad", "boom"),
		tickRule("good", "cond"),
	)

	var goodEvals atomic.Int64
	b := plugin.NewBuilder(nil)
	b.Condition("stub", "boom", "", func(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
		return plugin.EvalResult{}, errors.New("provider outage")
	})
	b.Condition("stub", "cond", "", func(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
		goodEvals.Add(1)
		return plugin.EvalResult{}, nil
	})

	p := NewProcessor(b.Build(), store, ProcessorConfig{Now: fixedNow}, nil)
	s := NewScheduler(p, store, SchedulerConfig{Workers: 1}, nil)

	s.RunTick(context.Background())

	if got := goodEvals.Load(); got != 1 {
		t.Errorf("good rule evals = %d, want 1 (failure isolation)", got)
	}
}

func TestUnregisteredRuleDoesNotBlockOthers(t *testing.T) {
	store := newMemStore(
		tickRule("miss", "nothing"),
		tickRule("good", "cond"),
	)

	var goodEvals atomic.Int64
	b := plugin.NewBuilder(nil)
	b.Condition("stub", "cond", "", func(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
		goodEvals.Add(1)
		return plugin.EvalResult{}, nil
	})

	p := NewProcessor(b.Build(), store, ProcessorConfig{Now: fixedNow}, nil)
	s := NewScheduler(p, store, SchedulerConfig{Workers: 1}, nil)

	s.RunTick(context.Background())

	if got := goodEvals.Load(); got != 1 {
		t.Errorf("good rule evals = %d, want 1 (registry miss is non-fatal)", got)
	}
}

func TestPanickingRuleIsContained(t *testing.T) {
	store := newMemStore(
		tickRule("panics", "panic"),
		tickRule("good", "cond"),
	)

	var goodEvals atomic.Int64
	b := plugin.NewBuilder(nil)
	b.Condition("stub", "panic", "", func(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
		panic("evaluator bug")
	})
	b.Condition("stub", "cond", "", func(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
		goodEvals.Add(1)
		return plugin.EvalResult{}, nil
	})

	p := NewProcessor(b.Build(), store, ProcessorConfig{Now: fixedNow}, nil)
	s := NewScheduler(p, store, SchedulerConfig{Workers: 1}, nil)

	s.RunTick(context.Background())

	if got := goodEvals.Load(); got != 1 {
		t.Errorf("good rule evals = %d, want 1 (panic contained)", got)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	store := newMemStore(
		tickRule("r1", "slow"),
		tickRule("r2", "slow"),
		tickRule("r3", "slow"),
		tickRule("r4", "slow"),
	)

	var inFlight, peak atomic.Int64
	b := plugin.NewBuilder(nil)
	b.Condition("stub", "slow", "", func(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return plugin.EvalResult{}, nil
	})

	p := NewProcessor(b.Build(), store, ProcessorConfig{Now: fixedNow}, nil)
	s := NewScheduler(p, store, SchedulerConfig{Workers: 2}, nil)

	s.RunTick(context.Background())

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newMemStore()
	p := NewProcessor(plugin.NewBuilder(nil).Build(), store, ProcessorConfig{}, nil)
	s := NewScheduler(p, store, SchedulerConfig{Tick: 10 * time.Millisecond, TickTimeout: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
