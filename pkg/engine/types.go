package engine

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Core attribute names shared by every kind.
const (
	AttrID      = "occi.core.id"
	AttrTitle   = "occi.core.title"
	AttrSummary = "occi.core.summary"
	AttrSource  = "occi.core.source"
	AttrTarget  = "occi.core.target"
)

// Attributes maps dotted attribute names to typed values.
type Attributes map[string]any

// Get returns the value stored under name.
func (a Attributes) Get(name string) (any, bool) {
	v, ok := a[name]
	return v, ok
}

// String returns the value under name formatted as a string, or "".
func (a Attributes) String(name string) string {
	v, ok := a[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a shallow copy of the attribute map.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Names returns the sorted attribute names.
func (a Attributes) Names() []string {
	names := make([]string, 0, len(a))
	for k := range a {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Entity is the backend-agnostic representation of a resource or link.
type Entity struct {
	// ID is unique within its kind.
	ID string `json:"id" yaml:"id"`

	// Kind is the type identifier, e.g. "compute".
	Kind string `json:"kind" yaml:"kind"`

	// Title is the human-readable name.
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// Summary is a short description.
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`

	// Attributes holds schema-declared attribute values only.
	Attributes Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Mixins is the set of attached mixin identifiers.
	Mixins []string `json:"mixins,omitempty" yaml:"mixins,omitempty"`

	// Actions is the set of currently enabled action identifiers.
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`

	// Source is the location of the link's source resource.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	// Target is the location of the link's target resource.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// TargetKind is the kind of the link's target resource.
	TargetKind string `json:"target_kind,omitempty" yaml:"target_kind,omitempty"`
}

// NewEntity creates an empty entity of the given kind.
func NewEntity(kind string) *Entity {
	return &Entity{Kind: kind, Attributes: Attributes{}}
}

// Attach stores transferred attributes on the entity and mirrors the core
// attributes into the dedicated fields.
func (e *Entity) Attach(attrs Attributes) {
	if e.Attributes == nil {
		e.Attributes = Attributes{}
	}
	for k, v := range attrs {
		e.Attributes[k] = v
	}
	if v := e.Attributes.String(AttrID); v != "" {
		e.ID = v
	}
	if v := e.Attributes.String(AttrTitle); v != "" {
		e.Title = v
	}
	if v := e.Attributes.String(AttrSummary); v != "" {
		e.Summary = v
	}
	if v := e.Attributes.String(AttrSource); v != "" {
		e.Source = v
	}
	if v := e.Attributes.String(AttrTarget); v != "" {
		e.Target = v
	}
}

// HasMixin reports whether the mixin is attached.
func (e *Entity) HasMixin(id string) bool {
	for _, m := range e.Mixins {
		if m == id {
			return true
		}
	}
	return false
}

// AddMixins attaches mixins, keeping the set sorted and unique.
func (e *Entity) AddMixins(ids ...string) {
	e.Mixins = normalizeSet(append(e.Mixins, ids...))
}

// SetActions replaces the enabled action set.
func (e *Entity) SetActions(actions []string) {
	e.Actions = normalizeSet(append([]string(nil), actions...))
}

// HasAction reports whether the action is currently enabled.
func (e *Entity) HasAction(action string) bool {
	for _, a := range e.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Location returns the canonical location of the entity, "/<kind>/<id>".
func (e *Entity) Location() string {
	return Location(e.Kind, e.ID)
}

// Location builds "/<kind>/<id>".
func Location(kind, id string) string {
	return "/" + kind + "/" + id
}

// IDFromLocation returns the last path segment of a location.
func IDFromLocation(location string) string {
	location = strings.TrimRight(location, "/")
	if i := strings.LastIndex(location, "/"); i >= 0 {
		return location[i+1:]
	}
	return location
}

// Filter selects entities. The zero value selects everything.
type Filter struct {
	// Attributes must all be present with equal values.
	Attributes Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Mixins must all be attached.
	Mixins []string `json:"mixins,omitempty" yaml:"mixins,omitempty"`
}

// Empty reports whether the filter selects everything.
func (f Filter) Empty() bool {
	return len(f.Attributes) == 0 && len(f.Mixins) == 0
}

// Matches reports whether the entity satisfies the filter.
func (f Filter) Matches(e *Entity) bool {
	for name, want := range f.Attributes {
		got, ok := e.Attributes[name]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	for _, m := range f.Mixins {
		if !e.HasMixin(m) {
			return false
		}
	}
	return true
}

// Fragments carries the pieces of a partial update.
type Fragments struct {
	// Attributes to overwrite.
	Attributes Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Mixins to attach.
	Mixins []string `json:"mixins,omitempty" yaml:"mixins,omitempty"`
}

// ActionInstance is an action invocation with its parameters.
type ActionInstance struct {
	// Action is the action identifier, e.g. "start".
	Action string `json:"action" yaml:"action"`

	// Attributes are the action parameters.
	Attributes Attributes `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Credentials is the caller identity handed over by the authentication layer.
// The framework never looks inside; backends use it to scope native clients.
type Credentials struct {
	// Identity is the caller's user name or access key.
	Identity string `json:"identity"`

	// Secret is the password, token or secret key.
	Secret string `json:"-"`

	// Values holds backend-specific extras such as a session token.
	Values map[string]string `json:"-"`
}

// Fingerprint returns a short, non-reversible digest safe for logging.
func (c Credentials) Fingerprint() string {
	if c.Identity == "" && c.Secret == "" {
		return "anonymous"
	}
	sum := blake2b.Sum256([]byte(c.Identity + "\x00" + c.Secret))
	return hex.EncodeToString(sum[:8])
}

// IsNil reports whether v is nil or a nil pointer, map, slice or interface.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

func normalizeSet(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}
