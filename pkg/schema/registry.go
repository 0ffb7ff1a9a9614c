// Package schema holds the static OCCI kind, mixin and action declarations
// and the helpers that derive per-entity attribute sets from them.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/occigate/occigate/pkg/engine"
)

//go:embed kinds.cue
var kindsSource string

// Scheme of the standard infrastructure kinds and parent mixins.
const InfraScheme = "http://schemas.ogf.org/occi/infrastructure#"

// Parent mixin identifiers.
const (
	OSTemplate         = InfraScheme + "os_tpl"
	ResourceTemplate   = InfraScheme + "resource_tpl"
	AvailabilityZone   = InfraScheme + "availability_zone"
	UserData           = InfraScheme + "user_data"
	SSHKey             = InfraScheme + "ssh_key"
	IPNetwork          = InfraScheme + "ipnetwork"
	IPNetworkInterface = InfraScheme + "ipnetworkinterface"
)

// Attribute types.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeBoolean = "boolean"
	TypeList    = "list"
)

// AttributeDef declares one attribute.
type AttributeDef struct {
	Name        string `json:"-"`
	Type        string `json:"type"`
	Mutable     bool   `json:"mutable"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Kind declares an entity type.
type Kind struct {
	Term       string                  `json:"term"`
	Scheme     string                  `json:"scheme"`
	Title      string                  `json:"title"`
	Parent     string                  `json:"parent"`
	Location   string                  `json:"location"`
	Attributes map[string]AttributeDef `json:"attributes"`
	Actions    []string                `json:"actions"`
}

// ID returns scheme+term.
func (k Kind) ID() string { return k.Scheme + k.Term }

// IsLink reports whether the kind is a link.
func (k Kind) IsLink() bool { return k.Parent == "link" }

// Mixin declares a mixin. Template mixins depend on a parent mixin such as
// os_tpl and may carry attribute defaults.
type Mixin struct {
	Term       string                  `json:"term"`
	Scheme     string                  `json:"scheme"`
	Title      string                  `json:"title"`
	Depends    []string                `json:"depends"`
	Applies    []string                `json:"applies"`
	Attributes map[string]AttributeDef `json:"attributes"`
}

// ID returns scheme+term.
func (m Mixin) ID() string { return m.Scheme + m.Term }

// DependsOn reports whether parent is one of the mixin's parents.
func (m Mixin) DependsOn(parent string) bool {
	for _, d := range m.Depends {
		if d == parent {
			return true
		}
	}
	return false
}

// AppliesTo reports whether the mixin may be attached to kind.
func (m Mixin) AppliesTo(kind string) bool {
	if len(m.Applies) == 0 {
		return true
	}
	for _, a := range m.Applies {
		if a == kind {
			return true
		}
	}
	return false
}

// Registry is the set of known kinds and mixins. Kinds are fixed at
// construction; mixins may be added by backends and operators.
type Registry struct {
	ctx    *cue.Context
	mixinT cue.Value

	mu     sync.RWMutex
	kinds  map[string]Kind
	mixins map[string]Mixin
}

// New compiles the embedded declarations.
func New() (*Registry, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(kindsSource, cue.Filename("kinds.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile kind declarations: %w", err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid kind declarations: %w", err)
	}

	var kinds map[string]Kind
	if err := val.LookupPath(cue.ParsePath("kinds")).Decode(&kinds); err != nil {
		return nil, fmt.Errorf("failed to decode kinds: %w", err)
	}
	var mixins map[string]Mixin
	if err := val.LookupPath(cue.ParsePath("mixins")).Decode(&mixins); err != nil {
		return nil, fmt.Errorf("failed to decode mixins: %w", err)
	}

	r := &Registry{
		ctx:    ctx,
		mixinT: val.LookupPath(cue.ParsePath("#Mixin")),
		kinds:  make(map[string]Kind, len(kinds)),
		mixins: make(map[string]Mixin, len(mixins)),
	}
	for term, k := range kinds {
		r.kinds[term] = normalizeKind(k)
	}
	for _, m := range mixins {
		m = normalizeMixin(m)
		r.mixins[m.ID()] = m
	}
	return r, nil
}

// MustNew is like New but panics on error.
func MustNew() *Registry {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// LoadMixins reads operator-provided template mixins from a CUE or JSON file.
// The file must contain a top-level "mixins" struct keyed by mixin ID.
func (r *Registry) LoadMixins(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	val := r.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile %s: %w", path, err)
	}

	iter, err := val.LookupPath(cue.ParsePath("mixins")).Fields()
	if err != nil {
		return fmt.Errorf("%s: mixins must be a struct: %w", path, err)
	}
	for iter.Next() {
		unified := r.mixinT.Unify(iter.Value())
		if err := unified.Validate(cue.Concrete(true)); err != nil {
			return fmt.Errorf("%s: invalid mixin %s: %w", path, iter.Selector(), err)
		}
		var m Mixin
		if err := unified.Decode(&m); err != nil {
			return fmt.Errorf("%s: failed to decode mixin %s: %w", path, iter.Selector(), err)
		}
		if err := r.AddMixin(m); err != nil {
			return err
		}
	}
	return nil
}

// AddMixin registers a mixin. Template mixins without explicit parents get
// one inferred from their scheme.
func (r *Registry) AddMixin(m Mixin) error {
	if m.Term == "" || m.Scheme == "" {
		return fmt.Errorf("mixin must have a term and a scheme")
	}
	if len(m.Depends) == 0 {
		if parent := InferParent(m.Scheme); parent != "" {
			m.Depends = []string{parent}
		}
	}
	m = normalizeMixin(m)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range m.Depends {
		if _, ok := r.mixins[d]; !ok {
			return fmt.Errorf("mixin %s depends on unknown mixin %s", m.ID(), d)
		}
	}
	r.mixins[m.ID()] = m
	return nil
}

// InferParent derives the parent mixin of a template from its scheme,
// e.g. ".../os_tpl#" gives the os_tpl parent. It returns "" when the last
// path segment does not name a known parent.
func InferParent(scheme string) string {
	path := strings.TrimSuffix(scheme, "#")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	switch term := path[i+1:]; term {
	case "os_tpl", "resource_tpl", "availability_zone":
		return InfraScheme + term
	default:
		return ""
	}
}

// Kind returns the kind with the given term.
func (r *Registry) Kind(term string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[term]
	return k, ok
}

// Kinds returns every kind sorted by term.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Term < out[j].Term })
	return out
}

// Mixin returns the mixin with the given ID.
func (r *Registry) Mixin(id string) (Mixin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mixins[id]
	return m, ok
}

// Mixins returns every mixin sorted by ID.
func (r *Registry) Mixins() []Mixin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mixin, 0, len(r.mixins))
	for _, m := range r.mixins {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Templates returns the mixins depending on parent, sorted by ID.
func (r *Registry) Templates(parent string) []Mixin {
	var out []Mixin
	for _, m := range r.Mixins() {
		if m.DependsOn(parent) {
			out = append(out, m)
		}
	}
	return out
}

// Actions returns the action identifiers declared by a kind.
func (r *Registry) Actions(kind string) []string {
	k, ok := r.Kind(kind)
	if !ok {
		return nil
	}
	return append([]string(nil), k.Actions...)
}

// AttributeSet returns the attribute names an entity of kind with the given
// mixins may carry. Unknown mixins contribute nothing.
func (r *Registry) AttributeSet(kind string, mixins []string) engine.AttributeSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := engine.AttributeSet{}
	if k, ok := r.kinds[kind]; ok {
		for name := range k.Attributes {
			set[name] = struct{}{}
		}
	}
	for _, id := range mixins {
		if m, ok := r.mixins[id]; ok {
			for name := range m.Attributes {
				set[name] = struct{}{}
			}
		}
	}
	return set
}

// EntitySchema is AttributeSet for an entity's kind and mixins.
func (r *Registry) EntitySchema(e *engine.Entity) engine.AttributeSet {
	return r.AttributeSet(e.Kind, e.Mixins)
}

// Definition returns the declaration of an attribute for kind and mixins.
// Mixin declarations win over the kind's.
func (r *Registry) Definition(kind string, mixins []string, name string) (AttributeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range mixins {
		if m, ok := r.mixins[id]; ok {
			if def, ok := m.Attributes[name]; ok {
				return def, true
			}
		}
	}
	if k, ok := r.kinds[kind]; ok {
		def, ok := k.Attributes[name]
		return def, ok
	}
	return AttributeDef{}, false
}

// AttachMixins resolves the entity's mixins and fills template defaults for
// attributes the entity does not set. Unknown mixins and mixins that do not
// apply to the entity's kind fail with a ValidationError.
func (r *Registry) AttachMixins(e *engine.Entity) error {
	if _, ok := r.Kind(e.Kind); !ok {
		return engine.NewValidationError("unknown kind "+e.Kind, nil)
	}
	if e.Attributes == nil {
		e.Attributes = engine.Attributes{}
	}

	for _, id := range e.Mixins {
		m, ok := r.Mixin(id)
		if !ok {
			return engine.NewValidationError("unknown mixin "+id, nil).WithResource(e.ID)
		}
		if !m.AppliesTo(e.Kind) {
			return engine.NewValidationError(fmt.Sprintf("mixin %s does not apply to %s", id, e.Kind), nil).
				WithResource(e.ID)
		}
		for name, def := range m.Attributes {
			if def.Default == nil {
				continue
			}
			if _, set := e.Attributes[name]; !set {
				e.Attributes[name] = def.Default
			}
		}
	}
	return nil
}

// CheckAttributes verifies that every attribute is declared for the entity's
// kind and mixins and that values have the declared type.
func (r *Registry) CheckAttributes(e *engine.Entity) error {
	for _, name := range e.Attributes.Names() {
		def, ok := r.Definition(e.Kind, e.Mixins, name)
		if !ok {
			return engine.NewValidationError("attribute is not declared for "+e.Kind, nil).
				WithAttribute(name).WithResource(e.ID)
		}
		if !HasType(e.Attributes[name], def.Type) {
			return engine.NewValidationError(fmt.Sprintf("attribute must be of type %s", def.Type), nil).
				WithAttribute(name).WithResource(e.ID)
		}
	}
	return nil
}

// CheckMutable fails when any attribute in attrs is immutable.
func (r *Registry) CheckMutable(kind string, mixins []string, attrs engine.Attributes) error {
	for _, name := range attrs.Names() {
		if name == engine.AttrID {
			continue
		}
		if def, ok := r.Definition(kind, mixins, name); ok && !def.Mutable {
			return engine.NewValidationError("attribute is immutable", nil).WithAttribute(name)
		}
	}
	return nil
}

// HasType reports whether v is a valid value for the attribute type.
func HasType(v any, typ string) bool {
	switch typ {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		f, ok := ToFloat(v)
		return ok && f == float64(int64(f))
	case TypeFloat:
		_, ok := ToFloat(v)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeList:
		_, ok := v.([]any)
		if ok {
			return true
		}
		_, ok = v.([]map[string]any)
		return ok
	default:
		return true
	}
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// ToInt converts an integral numeric value to int.
func ToInt(v any) (int, bool) {
	f, ok := ToFloat(v)
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int(f), true
}

func normalizeKind(k Kind) Kind {
	for name, def := range k.Attributes {
		def.Name = name
		def.Default = normalizeValue(def.Default, def.Type)
		k.Attributes[name] = def
	}
	return k
}

func normalizeMixin(m Mixin) Mixin {
	if m.Attributes == nil {
		m.Attributes = map[string]AttributeDef{}
	}
	for name, def := range m.Attributes {
		def.Name = name
		def.Default = normalizeValue(def.Default, def.Type)
		m.Attributes[name] = def
	}
	return m
}

// normalizeValue gives decoded defaults a stable Go type per attribute type.
func normalizeValue(v any, typ string) any {
	if v == nil {
		return nil
	}
	switch typ {
	case TypeInteger:
		if i, ok := ToInt(v); ok {
			return i
		}
	case TypeFloat:
		if f, ok := ToFloat(v); ok {
			return f
		}
	}
	return v
}
