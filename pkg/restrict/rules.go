package restrict

import (
	"fmt"
	"reflect"

	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
)

// Rule is a named predicate over a fully mixin-attached entity of one kind.
type Rule struct {
	Name      string
	Kind      string
	Message   string
	Predicate func(e *engine.Entity) bool
}

// ExactlyOneMixin requires exactly one attached mixin depending on parent.
func ExactlyOneMixin(s *schema.Registry, kind, parent string) Rule {
	return Rule{
		Name:    "exactly_one:" + parent,
		Kind:    kind,
		Message: fmt.Sprintf("exactly one %s mixin must be attached", parent),
		Predicate: func(e *engine.Entity) bool {
			return countDependents(s, e, parent) == 1
		},
	}
}

// AtMostOneMixin allows zero or one attached mixin depending on parent.
func AtMostOneMixin(s *schema.Registry, kind, parent string) Rule {
	return Rule{
		Name:    "at_most_one:" + parent,
		Kind:    kind,
		Message: fmt.Sprintf("at most one %s mixin may be attached", parent),
		Predicate: func(e *engine.Entity) bool {
			return countDependents(s, e, parent) <= 1
		},
	}
}

// TemplateDefaultsUnchanged rejects entities that attach a template mixin
// depending on parent and also carry a value other than the template's
// default for one of the attributes it controls.
func TemplateDefaultsUnchanged(s *schema.Registry, kind, parent string) Rule {
	return Rule{
		Name:    "defaults_unchanged:" + parent,
		Kind:    kind,
		Message: fmt.Sprintf("attributes controlled by a %s mixin must keep their template values", parent),
		Predicate: func(e *engine.Entity) bool {
			for _, id := range e.Mixins {
				m, ok := s.Mixin(id)
				if !ok || !m.DependsOn(parent) {
					continue
				}
				for name, def := range m.Attributes {
					if def.Default == nil {
						continue
					}
					v, set := e.Attributes[name]
					if set && !sameValue(v, def.Default) {
						return false
					}
				}
			}
			return true
		},
	}
}

// CollectionComplete requires attr to be a non-empty list whose elements
// all carry the given fields.
func CollectionComplete(kind, attr string, fields ...string) Rule {
	return Rule{
		Name:    "complete:" + attr,
		Kind:    kind,
		Message: fmt.Sprintf("%s must be a non-empty list of entries with %v", attr, fields),
		Predicate: func(e *engine.Entity) bool {
			v, ok := e.Attributes[attr]
			if !ok {
				return false
			}
			var items []any
			switch list := v.(type) {
			case []any:
				items = list
			case []map[string]any:
				for _, m := range list {
					items = append(items, m)
				}
			}
			if len(items) == 0 {
				return false
			}
			for _, item := range items {
				if !hasFields(item, fields) {
					return false
				}
			}
			return true
		},
	}
}

// DefaultRules returns the built-in rule set.
func DefaultRules(s *schema.Registry) []Rule {
	return []Rule{
		ExactlyOneMixin(s, "compute", schema.OSTemplate),
		AtMostOneMixin(s, "compute", schema.ResourceTemplate),
		AtMostOneMixin(s, "compute", schema.AvailabilityZone),
		TemplateDefaultsUnchanged(s, "compute", schema.ResourceTemplate),
		CollectionComplete("securitygroup", "occi.securitygroup.rules", "protocol", "type", "range"),
	}
}

func countDependents(s *schema.Registry, e *engine.Entity, parent string) int {
	n := 0
	for _, id := range e.Mixins {
		if m, ok := s.Mixin(id); ok && m.DependsOn(parent) {
			n++
		}
	}
	return n
}

func sameValue(a, b any) bool {
	if fa, ok := schema.ToFloat(a); ok {
		if fb, ok := schema.ToFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func hasFields(item any, fields []string) bool {
	switch m := item.(type) {
	case map[string]any:
		for _, f := range fields {
			if v, ok := m[f]; !ok || v == nil || v == "" {
				return false
			}
		}
		return true
	case map[string]string:
		for _, f := range fields {
			if m[f] == "" {
				return false
			}
		}
		return true
	default:
		return false
	}
}
