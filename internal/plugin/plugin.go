// Package plugin defines the condition/reaction capability contracts
// and the process-wide registry that binds (provider, name) pairs to
// their implementations. The registry is built once at startup by
// explicit registration calls and is read-only afterward.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotRegistered is returned by registry lookups for an unknown
// (provider, name) pair. Callers treat it as a data-integrity warning,
// not a fatal failure.
var ErrNotRegistered = errors.New("plugin: not registered")

// ConfigError reports a missing or malformed rule parameter. A
// condition returning one is reported as no-match; the rule stays
// inert until the user corrects its parameters.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Param, e.Reason)
}

// Key identifies one registered capability. Using a struct key instead
// of a concatenated string makes wiring mistakes visible at the
// registration site rather than at dispatch time.
type Key struct {
	Provider string
	Name     string
}

func (k Key) String() string {
	return k.Provider + "/" + k.Name
}

// EvalInput carries everything a condition may consult. Params is the
// rule's stored trigger parameter bag; Watermark is the last successful
// processing time, nil on the rule's first-ever evaluation.
type EvalInput struct {
	UserID    string
	Params    map[string]any
	Watermark *time.Time
}

// EvalResult is the outcome of one condition evaluation. Evidence holds
// fields extracted on match (commit message, message UID, ...) for the
// paired reaction; it is a fresh map owned by the caller, never an
// alias of the rule's stored parameters.
type EvalResult struct {
	Matched  bool
	Evidence map[string]any
}

// ExecInput carries the merged parameter bag a reaction executes with.
type ExecInput struct {
	UserID string
	Params map[string]any
}

// ConditionFunc evaluates one trigger condition against its provider.
type ConditionFunc func(ctx context.Context, in EvalInput) (EvalResult, error)

// ActionFunc performs one reaction against its provider.
type ActionFunc func(ctx context.Context, in ExecInput) error

// MergeParams builds the parameter bag a reaction receives: trigger
// params first, then evidence, then the reaction's own stored params.
// On key collision the reaction's stored parameters win — a rule's
// explicit configuration always beats trigger-derived data.
func MergeParams(trigger, evidence, reaction map[string]any) map[string]any {
	merged := make(map[string]any, len(trigger)+len(evidence)+len(reaction))
	for k, v := range trigger {
		merged[k] = v
	}
	for k, v := range evidence {
		merged[k] = v
	}
	for k, v := range reaction {
		merged[k] = v
	}
	return merged
}

// StringParam extracts a required string parameter from a bag. Numeric
// values are rejected — identifiers and names must be configured as
// strings.
func StringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", &ConfigError{Param: key, Reason: "required"}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", &ConfigError{Param: key, Reason: fmt.Sprintf("must be a non-empty string, got %T", v)}
	}
	return s, nil
}

// OptionalStringParam extracts an optional string parameter, returning
// fallback when the key is absent.
func OptionalStringParam(params map[string]any, key, fallback string) (string, error) {
	v, ok := params[key]
	if !ok {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ConfigError{Param: key, Reason: fmt.Sprintf("must be a string, got %T", v)}
	}
	return s, nil
}

// FloatParam extracts a required numeric parameter. JSON decoding
// produces float64 for all numbers; integers configured via YAML or
// Go literals are accepted too.
func FloatParam(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, &ConfigError{Param: key, Reason: "required"}
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, &ConfigError{Param: key, Reason: fmt.Sprintf("must be a number, got %T", v)}
	}
}

// BoolParam extracts an optional boolean parameter, defaulting to false.
func BoolParam(params map[string]any, key string) (bool, error) {
	v, ok := params[key]
	if !ok {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ConfigError{Param: key, Reason: fmt.Sprintf("must be a boolean, got %T", v)}
	}
	return b, nil
}
