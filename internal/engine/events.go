// Package engine drives rule processing: a periodic scheduler loads
// active rules, evaluates each trigger condition through the plugin
// registry, dispatches the paired reaction, and records watermarks.
package engine

import (
	"time"
)

// Outcome classifies one processing cycle of one rule.
type Outcome string

const (
	// OutcomeDebounced means the rule's watermark was too fresh and no
	// provider call was made.
	OutcomeDebounced Outcome = "debounced"

	// OutcomeSkipped means the rule could not be processed (unknown
	// provider/name pair or misconfigured parameters). The rule stays
	// inert until corrected; no state was mutated.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeNoMatch means the condition was evaluated and did not hold.
	OutcomeNoMatch Outcome = "no_match"

	// OutcomeSeeded means a first-ever evaluation did not match and the
	// watermark baseline was recorded without firing.
	OutcomeSeeded Outcome = "seeded"

	// OutcomeFired means the condition matched and the reaction ran
	// successfully.
	OutcomeFired Outcome = "fired"

	// OutcomeActionFailed means the condition matched but the reaction
	// reported an error. The watermark still advances: the trigger
	// already fired and replaying it is not desired.
	OutcomeActionFailed Outcome = "action_failed"

	// OutcomeError means evaluation itself failed (provider outage,
	// timeout). Nothing was mutated; the next tick retries naturally.
	OutcomeError Outcome = "error"
)

// Event describes one completed processing cycle, published to the
// configured sinks (MQTT notifier, websocket stream).
type Event struct {
	Time     time.Time `json:"time"`
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	UserID   string    `json:"user_id"`
	Trigger  string    `json:"trigger"`  // provider/name
	Reaction string    `json:"reaction"` // provider/name
	Outcome  Outcome   `json:"outcome"`
	Error    string    `json:"error,omitempty"`
}

// EventSink receives processing events. Implementations must not
// block: Publish is called on the rule-processing path.
type EventSink interface {
	PublishEvent(ev Event)
}
