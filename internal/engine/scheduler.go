package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/weftd/weft/internal/rule"
)

// SchedulerConfig tunes the periodic evaluation loop.
type SchedulerConfig struct {
	// Tick is the evaluation period.
	Tick time.Duration

	// TickTimeout bounds one whole tick, including waiting for worker
	// slots. Should stay below Tick so ticks cannot pile up.
	TickTimeout time.Duration

	// Workers is the maximum number of rules processed concurrently.
	Workers int64
}

// Scheduler fires a fixed-period tick and runs the Processor over
// every active rule. Rules are processed by a bounded worker pool;
// any per-rule failure is logged and never aborts the tick or the
// loop.
type Scheduler struct {
	proc   *Processor
	rules  RuleStore
	logger *slog.Logger

	tick        time.Duration
	tickTimeout time.Duration
	workers     int64
}

// NewScheduler creates a scheduler around an existing Processor.
func NewScheduler(proc *Processor, rules RuleStore, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tick == 0 {
		cfg.Tick = time.Minute
	}
	if cfg.TickTimeout == 0 {
		cfg.TickTimeout = 55 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	return &Scheduler{
		proc:        proc,
		rules:       rules,
		logger:      logger,
		tick:        cfg.Tick,
		tickTimeout: cfg.TickTimeout,
		workers:     cfg.Workers,
	}
}

// Run drives the tick loop until ctx is cancelled. In-flight provider
// calls observe the cancellation through their per-call contexts and
// finish or abort cleanly; Run returns after the current tick's
// workers have drained.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		"tick", s.tick,
		"tick_timeout", s.tickTimeout,
		"workers", s.workers,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// RunTick processes every active rule once. Exported so manual
// "evaluate everything now" surfaces can reuse it.
func (s *Scheduler) RunTick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	start := time.Now()
	rules, err := s.rules.ListActive()
	if err != nil {
		s.logger.Error("listing active rules failed", "error", err)
		return
	}

	sem := semaphore.NewWeighted(s.workers)
	var wg sync.WaitGroup
	for _, r := range rules {
		if err := sem.Acquire(tctx, 1); err != nil {
			// Tick timeout or shutdown while waiting for a slot. The
			// remaining rules are picked up next tick.
			s.logger.Warn("tick ended before all rules were processed",
				"remaining", len(rules),
				"error", err,
			)
			break
		}
		wg.Add(1)
		go func(r *rule.Rule) {
			defer wg.Done()
			defer sem.Release(1)
			s.processOne(tctx, r)
		}(r)
	}
	wg.Wait()

	s.logger.Debug("tick complete",
		"rules", len(rules),
		"elapsed", time.Since(start),
	)
}

// processOne isolates a single rule: errors are logged, panics are
// contained, and nothing propagates to sibling rules or the loop.
func (s *Scheduler) processOne(ctx context.Context, r *rule.Rule) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("rule processing panicked",
				"rule", r.ID,
				"name", r.Name,
				"panic", rec,
			)
		}
	}()

	outcome, err := s.proc.Process(ctx, r)
	if err != nil {
		s.logger.Error("rule processing failed",
			"rule", r.ID,
			"name", r.Name,
			"outcome", string(outcome),
			"error", err,
		)
	}
}
