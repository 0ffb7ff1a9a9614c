package engine

import "context"

// Subtypes known to the gateway.
const (
	SubtypeCompute           = "compute"
	SubtypeNetwork           = "network"
	SubtypeStorage           = "storage"
	SubtypeSecurityGroup     = "securitygroup"
	SubtypeIPReservation     = "ipreservation"
	SubtypeNetworkInterface  = "networkinterface"
	SubtypeStorageLink       = "storagelink"
	SubtypeSecurityGroupLink = "securitygrouplink"
)

// Subtypes lists every known subtype.
var Subtypes = []string{
	SubtypeCompute,
	SubtypeNetwork,
	SubtypeStorage,
	SubtypeSecurityGroup,
	SubtypeIPReservation,
	SubtypeNetworkInterface,
	SubtypeStorageLink,
	SubtypeSecurityGroupLink,
}

// IsKnownSubtype reports whether s is one of Subtypes.
func IsKnownSubtype(s string) bool {
	return contains(Subtypes, s)
}

// AdapterDescriptor is the static identity of an adapter.
type AdapterDescriptor struct {
	// Subtype is the subtype the adapter serves, e.g. "compute".
	Subtype string `json:"subtype"`

	// ServedKind is the entity kind produced by the adapter.
	ServedKind string `json:"served_kind"`

	// APIVersion is the adapter contract version the adapter was written against.
	APIVersion VersionSpec `json:"api_version"`
}

// Adapter is the contract every backend subtype implements.
//
// Every operation may fail with a classified *Error. Operations a backend
// cannot support return a NotImplementedError; embed Unimplemented to get
// that behavior for free.
type Adapter interface {
	// Descriptor returns the adapter's static identity.
	Descriptor() AdapterDescriptor

	// Identifiers returns the IDs of the entities matching filter.
	Identifiers(ctx context.Context, filter Filter) ([]string, error)

	// List returns the entities matching filter.
	List(ctx context.Context, filter Filter) ([]*Entity, error)

	// Instance returns a single entity.
	Instance(ctx context.Context, id string) (*Entity, error)

	// Create creates a native object and returns its ID.
	Create(ctx context.Context, entity *Entity) (string, error)

	// Update replaces the mutable attributes of an entity.
	Update(ctx context.Context, id string, entity *Entity) (*Entity, error)

	// PartialUpdate applies fragments to an entity.
	PartialUpdate(ctx context.Context, id string, fragments Fragments) (*Entity, error)

	// Trigger invokes an action and returns the affected entities.
	Trigger(ctx context.Context, id string, action ActionInstance) ([]*Entity, error)

	// Delete removes an entity and returns its ID.
	Delete(ctx context.Context, id string) (string, error)
}

// Resolver hands out adapters for other subtypes of the same session.
// Link adapters use it to reach their parent resources.
type Resolver interface {
	Resolve(subtype string) (Adapter, error)
}

// Unimplemented implements every Adapter operation with a NotImplementedError.
// Embed it and override the operations a backend supports.
type Unimplemented struct {
	Desc AdapterDescriptor
}

// Descriptor implements Adapter.
func (u Unimplemented) Descriptor() AdapterDescriptor { return u.Desc }

// Identifiers implements Adapter.
func (Unimplemented) Identifiers(context.Context, Filter) ([]string, error) {
	return nil, NewNotImplementedError("identifiers")
}

// List implements Adapter.
func (Unimplemented) List(context.Context, Filter) ([]*Entity, error) {
	return nil, NewNotImplementedError("list")
}

// Instance implements Adapter.
func (Unimplemented) Instance(context.Context, string) (*Entity, error) {
	return nil, NewNotImplementedError("instance")
}

// Create implements Adapter.
func (Unimplemented) Create(context.Context, *Entity) (string, error) {
	return "", NewNotImplementedError("create")
}

// Update implements Adapter.
func (Unimplemented) Update(context.Context, string, *Entity) (*Entity, error) {
	return nil, NewNotImplementedError("update")
}

// PartialUpdate implements Adapter.
func (Unimplemented) PartialUpdate(context.Context, string, Fragments) (*Entity, error) {
	return nil, NewNotImplementedError("partial_update")
}

// Trigger implements Adapter.
func (Unimplemented) Trigger(context.Context, string, ActionInstance) ([]*Entity, error) {
	return nil, NewNotImplementedError("trigger")
}

// Delete implements Adapter.
func (Unimplemented) Delete(context.Context, string) (string, error) {
	return "", NewNotImplementedError("delete")
}

// IdentifiersOf extracts the IDs of entities, in order.
func IdentifiersOf(entities []*Entity) []string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	return ids
}

// FilterEntities returns the entities matching f.
func FilterEntities(entities []*Entity, f Filter) []*Entity {
	if f.Empty() {
		return entities
	}
	out := make([]*Entity, 0, len(entities))
	for _, e := range entities {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}
