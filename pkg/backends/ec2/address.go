package ec2

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/occigate/occigate/pkg/engine"
)

// Native address states. EC2 has none, they are derived from the
// association.
const (
	addressAllocated  = "allocated"
	addressAssociated = "associated"
)

var addressLifecycle = engine.Lifecycle{
	StateAttribute: "occi.ipreservation.state",
	States: engine.StateMap{
		Table: map[string]string{
			addressAllocated:  engine.StateActive,
			addressAssociated: engine.StateActive,
		},
	},
}

func addressState(addr *types.Address) string {
	if addr.AssociationId != nil {
		return addressAssociated
	}
	return addressAllocated
}

var addressTable = engine.MapperTable[*types.Address]{
	engine.Map(engine.AttrID, func(addr *types.Address) any { return aws.ToString(addr.AllocationId) }),
	engine.Map(engine.AttrTitle, func(addr *types.Address) any { return tag(addr.Tags, tagName) }),
	engine.Map(engine.AttrSummary, func(addr *types.Address) any { return tag(addr.Tags, tagSummary) }),
	engine.Map("occi.ipreservation.address", func(addr *types.Address) any { return aws.ToString(addr.PublicIp) }),
	engine.Map("occi.ipreservation.used", func(addr *types.Address) any { return addr.AssociationId != nil }),
}

// addressAdapter serves Elastic IPs as IP reservations.
type addressAdapter struct {
	engine.Unimplemented
	*session
}

func newAddressAdapter(s *session) *addressAdapter {
	return &addressAdapter{Unimplemented: engine.Unimplemented{Desc: descriptor(engine.SubtypeIPReservation)}, session: s}
}

func (a *addressAdapter) toEntity(addr *types.Address) (*engine.Entity, error) {
	e := engine.NewEntity(engine.SubtypeIPReservation)
	e.AddMixins(splitMixins(tag(addr.Tags, tagMixins))...)
	attrs, err := engine.Transfer(addr, a.schema.EntitySchema(e), engine.TransferSpec[*types.Address]{addressTable})
	if err != nil {
		return nil, err
	}
	e.Attach(attrs)
	addressLifecycle.Apply(e, addressState(addr))
	return e, nil
}

func (a *addressAdapter) describe(ctx context.Context, in *ec2.DescribeAddressesInput) ([]types.Address, error) {
	out, err := call(ctx, a.session, "DescribeAddresses", engine.KindConnection, func(ctx context.Context, api ec2API) (*ec2.DescribeAddressesOutput, error) {
		return api.DescribeAddresses(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	return out.Addresses, nil
}

func (a *addressAdapter) address(ctx context.Context, id string) (*types.Address, error) {
	if err := checkID(id, allocationIDPattern); err != nil {
		return nil, err
	}
	found, err := a.describe(ctx, &ec2.DescribeAddressesInput{AllocationIds: []string{id}})
	if err != nil {
		return nil, err
	}
	for idx := range found {
		if aws.ToString(found[idx].AllocationId) == id {
			return &found[idx], nil
		}
	}
	return nil, engine.NewNotFoundError(id, nil)
}

// Identifiers implements engine.Adapter.
func (a *addressAdapter) Identifiers(ctx context.Context, filter engine.Filter) ([]string, error) {
	entities, err := a.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return engine.IdentifiersOf(entities), nil
}

// List implements engine.Adapter. Only VPC addresses are listed.
func (a *addressAdapter) List(ctx context.Context, filter engine.Filter) ([]*engine.Entity, error) {
	found, err := a.describe(ctx, &ec2.DescribeAddressesInput{
		Filters: []types.Filter{{Name: aws.String("domain"), Values: []string{string(types.DomainTypeVpc)}}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*engine.Entity, 0, len(found))
	for idx := range found {
		e, err := a.toEntity(&found[idx])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return engine.FilterEntities(out, filter), nil
}

// Instance implements engine.Adapter.
func (a *addressAdapter) Instance(ctx context.Context, id string) (*engine.Entity, error) {
	addr, err := a.address(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.toEntity(addr)
}

// Create implements engine.Adapter. The address is picked by the provider.
func (a *addressAdapter) Create(ctx context.Context, e *engine.Entity) (string, error) {
	in := &ec2.AllocateAddressInput{
		Domain: types.DomainTypeVpc,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeElasticIp,
			Tags:         metadataTags(e.Title, e.Summary, e.Mixins),
		}},
	}
	out, err := call(ctx, a.session, "AllocateAddress", engine.KindEntityCreate, func(ctx context.Context, api ec2API) (*ec2.AllocateAddressOutput, error) {
		return api.AllocateAddress(ctx, in)
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.AllocationId), nil
}

// Update implements engine.Adapter.
func (a *addressAdapter) Update(ctx context.Context, id string, e *engine.Entity) (*engine.Entity, error) {
	if _, err := a.address(ctx, id); err != nil {
		return nil, err
	}
	attrs := engine.Attributes{engine.AttrTitle: e.Title, engine.AttrSummary: e.Summary}
	if err := retag(ctx, a.session, id, attrs); err != nil {
		return nil, err
	}
	return a.Instance(ctx, id)
}

// PartialUpdate implements engine.Adapter.
func (a *addressAdapter) PartialUpdate(ctx context.Context, id string, fragments engine.Fragments) (*engine.Entity, error) {
	current, err := a.Instance(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.schema.CheckMutable(engine.SubtypeIPReservation, current.Mixins, fragments.Attributes); err != nil {
		return nil, err
	}
	if err := checkPresentationOnly(id, "partial_update", fragments.Attributes); err != nil {
		return nil, err
	}
	if err := retag(ctx, a.session, id, fragments.Attributes); err != nil {
		return nil, err
	}
	return a.Instance(ctx, id)
}

// Delete implements engine.Adapter. Addresses still associated with an
// instance are refused.
func (a *addressAdapter) Delete(ctx context.Context, id string) (string, error) {
	addr, err := a.address(ctx, id)
	if err != nil {
		return "", err
	}
	if addr.AssociationId != nil {
		return "", engine.NewStateError("address is associated with "+aws.ToString(addr.InstanceId), nil).WithResource(id)
	}
	_, err = call(ctx, a.session, "ReleaseAddress", engine.KindEntityState, func(ctx context.Context, api ec2API) (*ec2.ReleaseAddressOutput, error) {
		return api.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(id)})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
