package engine

import (
	"regexp"
	"sort"
)

// Canonical lifecycle states.
const (
	StateActive    = "active"
	StateInactive  = "inactive"
	StateSuspended = "suspended"
	StateOnline    = "online"
	StateOffline   = "offline"
	StateError     = "error"
	StateWaiting   = "waiting"
)

// StateOverride maps native states matching a condition to a canonical state.
// Exactly one of Pattern or Match should be set.
type StateOverride struct {
	Pattern *regexp.Regexp
	Match   func(native string) bool
	State   string
}

func (o StateOverride) matches(native string) bool {
	if o.Match != nil {
		return o.Match(native)
	}
	return o.Pattern != nil && o.Pattern.MatchString(native)
}

// StateMap translates native state strings into canonical states.
type StateMap struct {
	// Table maps exact native states.
	Table map[string]string

	// Default is used when nothing matches. Empty means StateInactive.
	Default string

	// Overrides are checked before Table, in order.
	Overrides []StateOverride
}

// Derive returns the canonical state for a native state.
func (m StateMap) Derive(native string) string {
	for _, o := range m.Overrides {
		if o.matches(native) {
			return o.State
		}
	}
	if s, ok := m.Table[native]; ok {
		return s
	}
	if m.Default != "" {
		return m.Default
	}
	return StateInactive
}

// ActionPartition splits a kind's actions into those enabled while the
// entity is active and those enabled otherwise.
type ActionPartition struct {
	// ActiveStates are the canonical states counted as active.
	ActiveStates []string

	// Active actions are enabled in an active state.
	Active []string

	// Inactive actions are enabled in every other state.
	Inactive []string

	// Never lists states in which no action is enabled.
	Never []string
}

// Actions returns the sorted set of actions enabled in state.
func (p ActionPartition) Actions(state string) []string {
	if contains(p.Never, state) {
		return nil
	}
	var src []string
	if contains(p.ActiveStates, state) {
		src = p.Active
	} else {
		src = p.Inactive
	}
	out := append([]string(nil), src...)
	sort.Strings(out)
	return out
}

// Lifecycle bundles the state map and action partition of one kind.
type Lifecycle struct {
	// StateAttribute is the attribute that carries the canonical state,
	// e.g. "occi.compute.state".
	StateAttribute string
	States         StateMap
	Partition      ActionPartition
}

// Apply derives the canonical state from native, stores it on the entity
// and replaces the entity's enabled actions.
func (l Lifecycle) Apply(e *Entity, native string) string {
	state := l.States.Derive(native)
	if l.StateAttribute != "" {
		if e.Attributes == nil {
			e.Attributes = Attributes{}
		}
		e.Attributes[l.StateAttribute] = state
	}
	e.SetActions(l.Partition.Actions(state))
	return state
}

// EnsureActionEnabled fails with an EntityStateError when action is not
// enabled on the entity in its current state.
func EnsureActionEnabled(e *Entity, action string) error {
	if e.HasAction(action) {
		return nil
	}
	return NewStateError("action "+action+" is not enabled in the current state", nil).
		WithResource(e.ID).
		WithOperation("trigger")
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}
