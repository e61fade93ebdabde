package engine

import (
	"context"
	"fmt"

	"github.com/weftd/weft/internal/plugin"
)

// EvaluateAndReact runs the full processing cycle for one rule on
// demand, outside the tick loop. It reports whether the trigger fired
// (the reaction may still have failed; that error is returned
// alongside). Unlike the tick path, errors surface synchronously to
// the caller.
func (p *Processor) EvaluateAndReact(ctx context.Context, ruleID string) (bool, error) {
	r, err := p.rules.Get(ruleID)
	if err != nil {
		return false, fmt.Errorf("load rule %s: %w", ruleID, err)
	}

	outcome, err := p.Process(ctx, r)
	triggered := outcome == OutcomeFired || outcome == OutcomeActionFailed
	return triggered, err
}

// ForceReact skips condition evaluation entirely and invokes the
// rule's reaction with its stored reaction parameters — the "test this
// automation" path. The watermark advances on completion regardless of
// the reaction's outcome, mirroring the normal fired path.
func (p *Processor) ForceReact(ctx context.Context, ruleID string) (bool, error) {
	r, err := p.rules.Get(ruleID)
	if err != nil {
		return false, fmt.Errorf("load rule %s: %w", ruleID, err)
	}

	actKey := plugin.Key{Provider: r.Reaction.Provider, Name: r.Reaction.Name}
	act, ok := p.registry.Action(actKey)
	if !ok {
		p.logger.Warn("reaction not registered",
			"rule", r.ID,
			"key", actKey.String(),
		)
		p.emit(r, OutcomeSkipped, nil)
		return false, nil
	}

	actx, cancel := context.WithTimeout(ctx, p.callTimeout)
	actErr := act(actx, plugin.ExecInput{UserID: r.UserID, Params: r.Reaction.Params})
	cancel()

	now := p.now()
	if err := p.rules.UpdateWatermark(r.ID, now); err != nil {
		p.logger.Error("watermark update failed", "rule", r.ID, "error", err)
	}

	if actErr != nil {
		err := fmt.Errorf("execute %s: %w", actKey, actErr)
		p.emit(r, OutcomeActionFailed, err)
		return false, err
	}

	p.emit(r, OutcomeFired, nil)
	return true, nil
}
