package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weftd/weft/internal/plugin"
	"github.com/weftd/weft/internal/rule"
)

// RuleStore is the narrow persistence interface the engine needs.
// *rule.Store satisfies it.
type RuleStore interface {
	ListActive() ([]*rule.Rule, error)
	Get(id string) (*rule.Rule, error)
	UpdateWatermark(id string, ts time.Time) error
}

// ProcessorConfig tunes one Processor.
type ProcessorConfig struct {
	// Debounce is the minimum age of a rule's watermark before the rule
	// is evaluated again. Deliberately independent of the tick period.
	Debounce time.Duration

	// CallTimeout bounds each individual provider call (one condition
	// evaluation or one reaction dispatch).
	CallTimeout time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Processor runs one rule through its full cycle: debounce guard,
// condition evaluation, parameter merge, reaction dispatch, watermark
// update. Failures are isolated per rule; Process never panics across
// the rule boundary.
type Processor struct {
	registry *plugin.Registry
	rules    RuleStore
	logger   *slog.Logger
	sinks    []EventSink

	debounce    time.Duration
	callTimeout time.Duration
	now         func() time.Time
}

// NewProcessor creates a rule processor.
func NewProcessor(registry *plugin.Registry, rules RuleStore, cfg ProcessorConfig, logger *slog.Logger, sinks ...EventSink) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 59 * time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		registry:    registry,
		rules:       rules,
		logger:      logger,
		sinks:       sinks,
		debounce:    cfg.Debounce,
		callTimeout: cfg.CallTimeout,
		now:         cfg.Now,
	}
}

// Process runs one full cycle for r and reports the outcome. A non-nil
// error always pairs with OutcomeError or OutcomeActionFailed; registry
// misses and configuration problems are logged skips, not errors.
func (p *Processor) Process(ctx context.Context, r *rule.Rule) (Outcome, error) {
	outcome, err := p.process(ctx, r)
	p.emit(r, outcome, err)
	return outcome, err
}

func (p *Processor) process(ctx context.Context, r *rule.Rule) (Outcome, error) {
	now := p.now()

	// Debounce guard: a fresh watermark means this rule already ran
	// within the window (tick jitter, manual invocation). No provider
	// calls are made at all.
	if r.Watermark != nil && now.Sub(*r.Watermark) < p.debounce {
		return OutcomeDebounced, nil
	}

	condKey := plugin.Key{Provider: r.Trigger.Provider, Name: r.Trigger.Name}
	cond, ok := p.registry.Condition(condKey)
	if !ok {
		p.logger.Warn("trigger condition not registered",
			"rule", r.ID,
			"name", r.Name,
			"key", condKey.String(),
		)
		return OutcomeSkipped, nil
	}

	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	res, err := cond(cctx, plugin.EvalInput{
		UserID:    r.UserID,
		Params:    r.Trigger.Params,
		Watermark: r.Watermark,
	})
	cancel()
	if err != nil {
		var ce *plugin.ConfigError
		if errors.As(err, &ce) {
			p.logger.Warn("trigger misconfigured, rule inert until corrected",
				"rule", r.ID,
				"name", r.Name,
				"key", condKey.String(),
				"error", err,
			)
			return OutcomeSkipped, nil
		}
		return OutcomeError, fmt.Errorf("evaluate %s: %w", condKey, err)
	}

	if !res.Matched {
		if r.Watermark == nil {
			// Cold start: record the baseline without firing so
			// window-based conditions have something to compare
			// against next cycle.
			if err := p.rules.UpdateWatermark(r.ID, now); err != nil {
				return OutcomeError, fmt.Errorf("seed watermark: %w", err)
			}
			return OutcomeSeeded, nil
		}
		return OutcomeNoMatch, nil
	}

	actKey := plugin.Key{Provider: r.Reaction.Provider, Name: r.Reaction.Name}
	act, ok := p.registry.Action(actKey)
	if !ok {
		p.logger.Warn("reaction not registered",
			"rule", r.ID,
			"name", r.Name,
			"key", actKey.String(),
		)
		return OutcomeSkipped, nil
	}

	merged := plugin.MergeParams(r.Trigger.Params, res.Evidence, r.Reaction.Params)

	actx, cancel := context.WithTimeout(ctx, p.callTimeout)
	actErr := act(actx, plugin.ExecInput{UserID: r.UserID, Params: merged})
	cancel()

	// The trigger already fired: advance the watermark whether or not
	// the reaction succeeded, so the same event is not replayed.
	if err := p.rules.UpdateWatermark(r.ID, now); err != nil {
		p.logger.Error("watermark update failed",
			"rule", r.ID,
			"error", err,
		)
	}

	if actErr != nil {
		return OutcomeActionFailed, fmt.Errorf("execute %s: %w", actKey, actErr)
	}

	p.logger.Info("rule fired",
		"rule", r.ID,
		"name", r.Name,
		"trigger", condKey.String(),
		"reaction", actKey.String(),
	)
	return OutcomeFired, nil
}

func (p *Processor) emit(r *rule.Rule, outcome Outcome, err error) {
	if len(p.sinks) == 0 || outcome == OutcomeDebounced {
		return
	}
	ev := Event{
		Time:     p.now(),
		RuleID:   r.ID,
		RuleName: r.Name,
		UserID:   r.UserID,
		Trigger:  r.Trigger.Provider + "/" + r.Trigger.Name,
		Reaction: r.Reaction.Provider + "/" + r.Reaction.Name,
		Outcome:  outcome,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	for _, s := range p.sinks {
		s.PublishEvent(ev)
	}
}
