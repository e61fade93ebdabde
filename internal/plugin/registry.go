package plugin

import (
	"log/slog"
	"sort"
)

// conditionEntry pairs a condition implementation with its description.
type conditionEntry struct {
	fn   ConditionFunc
	desc string
}

type actionEntry struct {
	fn   ActionFunc
	desc string
}

// Builder accumulates capability registrations during startup. A
// malformed registration (empty provider or name, duplicate key, nil
// function) is skipped with a warning rather than failing startup —
// one broken provider module must not take the whole engine down.
type Builder struct {
	conditions map[Key]conditionEntry
	actions    map[Key]actionEntry
	logger     *slog.Logger
}

// NewBuilder creates an empty registry builder.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		conditions: make(map[Key]conditionEntry),
		actions:    make(map[Key]actionEntry),
		logger:     logger,
	}
}

// Condition registers a trigger condition under (provider, name).
// Returns the builder for chaining.
func (b *Builder) Condition(provider, name, desc string, fn ConditionFunc) *Builder {
	key := Key{Provider: provider, Name: name}
	if provider == "" || name == "" || fn == nil {
		b.logger.Warn("skipping malformed condition registration", "key", key.String())
		return b
	}
	if _, exists := b.conditions[key]; exists {
		b.logger.Warn("skipping duplicate condition registration", "key", key.String())
		return b
	}
	b.conditions[key] = conditionEntry{fn: fn, desc: desc}
	return b
}

// Action registers a reaction under (provider, name).
// Returns the builder for chaining.
func (b *Builder) Action(provider, name, desc string, fn ActionFunc) *Builder {
	key := Key{Provider: provider, Name: name}
	if provider == "" || name == "" || fn == nil {
		b.logger.Warn("skipping malformed action registration", "key", key.String())
		return b
	}
	if _, exists := b.actions[key]; exists {
		b.logger.Warn("skipping duplicate action registration", "key", key.String())
		return b
	}
	b.actions[key] = actionEntry{fn: fn, desc: desc}
	return b
}

// Build freezes the accumulated registrations into an immutable
// Registry. The builder should not be used afterward.
func (b *Builder) Build() *Registry {
	r := &Registry{
		conditions: make(map[Key]conditionEntry, len(b.conditions)),
		actions:    make(map[Key]actionEntry, len(b.actions)),
	}
	for k, v := range b.conditions {
		r.conditions[k] = v
	}
	for k, v := range b.actions {
		r.actions[k] = v
	}
	b.logger.Info("plugin registry built",
		"conditions", len(r.conditions),
		"actions", len(r.actions),
	)
	return r
}

// Registry is the immutable capability table. All methods are pure
// reads; it is safe for concurrent use without locking.
type Registry struct {
	conditions map[Key]conditionEntry
	actions    map[Key]actionEntry
}

// Condition looks up the condition registered under key.
func (r *Registry) Condition(key Key) (ConditionFunc, bool) {
	e, ok := r.conditions[key]
	return e.fn, ok
}

// Action looks up the reaction registered under key.
func (r *Registry) Action(key Key) (ActionFunc, bool) {
	e, ok := r.actions[key]
	return e.fn, ok
}

// Capability describes one registered condition or action for
// discovery surfaces (admin API, docs).
type Capability struct {
	Provider    string `json:"provider"`
	Name        string `json:"name"`
	Kind        string `json:"kind"` // "condition" or "action"
	Description string `json:"description"`
}

// Capabilities returns every registration, sorted by provider then
// name, conditions before actions.
func (r *Registry) Capabilities() []Capability {
	caps := make([]Capability, 0, len(r.conditions)+len(r.actions))
	for k, e := range r.conditions {
		caps = append(caps, Capability{Provider: k.Provider, Name: k.Name, Kind: "condition", Description: e.desc})
	}
	for k, e := range r.actions {
		caps = append(caps, Capability{Provider: k.Provider, Name: k.Name, Kind: "action", Description: e.desc})
	}
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].Kind != caps[j].Kind {
			return caps[i].Kind < caps[j].Kind
		}
		if caps[i].Provider != caps[j].Provider {
			return caps[i].Provider < caps[j].Provider
		}
		return caps[i].Name < caps[j].Name
	})
	return caps
}
