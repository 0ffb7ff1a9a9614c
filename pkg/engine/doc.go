// Package engine provides the canonical OCCI entity model, the adapter contract
// every backend subtype implements, and the building blocks adapters are made of.
//
// # Overview
//
// The gateway translates requests on OCCI entities into calls against a
// pluggable backend. Every (backend, subtype) pair is served by an Adapter:
//
//	type Adapter interface {
//	    Descriptor() AdapterDescriptor
//	    Identifiers(ctx context.Context, filter Filter) ([]string, error)
//	    List(ctx context.Context, filter Filter) ([]*Entity, error)
//	    Instance(ctx context.Context, id string) (*Entity, error)
//	    Create(ctx context.Context, entity *Entity) (string, error)
//	    Update(ctx context.Context, id string, entity *Entity) (*Entity, error)
//	    PartialUpdate(ctx context.Context, id string, fragments Fragments) (*Entity, error)
//	    Trigger(ctx context.Context, id string, action ActionInstance) ([]*Entity, error)
//	    Delete(ctx context.Context, id string) (string, error)
//	}
//
// Adapters embed Unimplemented so unsupported operations fail with a
// NotImplementedError. TriggerAll, DeleteAll and Exists are defined on top
// of the interface; adapters with native fast paths implement BulkTriggerer,
// BulkDeleter or Exister.
//
// # Building Blocks
//
//   - Transfer: ordered, typed mapper tables turning native objects into attributes
//   - StateMap and ActionPartition: canonical state and enabled actions
//   - CompositeID: identifiers of links living inside a parent resource
//   - WaitUntil: blocking state-convergence polling
//   - Lazy: native client handles built on first use
//   - VersionSpec: adapter API version gate
//
// # Error Classification
//
// Every failure crossing the adapter boundary is an *Error with a Kind.
// Native errors are classified once, at the native call, with Classify and
// the explicit TransportSignatures list. Connection and timeout errors are
// retryable; everything else is not.
package engine
