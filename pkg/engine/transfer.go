package engine

// AttributeSchema tells the transfer engine which attribute names a target
// entity may carry.
type AttributeSchema interface {
	Has(name string) bool
}

// AttributeSet is a plain AttributeSchema backed by a set of names.
type AttributeSet map[string]struct{}

// NewAttributeSet builds an AttributeSet from names.
func NewAttributeSet(names ...string) AttributeSet {
	s := make(AttributeSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has implements AttributeSchema.
func (s AttributeSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// MapperEntry produces one canonical attribute from a native source object.
type MapperEntry[S any] struct {
	// Attribute is the dotted canonical attribute name.
	Attribute string

	// Transform extracts the value. A nil result means "absent".
	Transform func(src S) (any, error)
}

// MapperTable is an ordered list of mapper entries.
type MapperTable[S any] []MapperEntry[S]

// TransferSpec is an ordered list of mapper tables. Later tables win on
// key collisions.
type TransferSpec[S any] []MapperTable[S]

// Map is a shorthand for a MapperEntry whose transform cannot fail.
func Map[S any](attribute string, fn func(S) any) MapperEntry[S] {
	return MapperEntry[S]{
		Attribute: attribute,
		Transform: func(src S) (any, error) { return fn(src), nil },
	}
}

// Transfer applies spec to src and returns the attributes declared by schema.
//
// Names not declared by schema are skipped without calling their transform;
// this keeps mapper tables forward compatible with narrower schemas. Absent
// values (nil, nil pointers, empty strings) are never written. A failing
// transform aborts the transfer with an InternalAdapterError naming the attribute.
func Transfer[S any](src S, schema AttributeSchema, spec TransferSpec[S]) (Attributes, error) {
	out := Attributes{}
	for _, table := range spec {
		for _, entry := range table {
			if schema == nil || !schema.Has(entry.Attribute) {
				continue
			}

			value, err := entry.Transform(src)
			if err != nil {
				return nil, NewInternalAdapterError(entry.Attribute, err)
			}
			if absent(value) {
				continue
			}
			out[entry.Attribute] = value
		}
	}
	return out, nil
}

func absent(v any) bool {
	if IsNil(v) {
		return true
	}
	if s, ok := v.(string); ok && s == "" {
		return true
	}
	return false
}
