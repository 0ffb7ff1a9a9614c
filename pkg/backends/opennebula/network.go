package opennebula

import (
	"context"
	"fmt"
	"strconv"

	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
)

// The orchestrator has no up/down for virtual networks, so no actions are
// ever enabled.
var networkLifecycle = engine.Lifecycle{
	StateAttribute: "occi.network.state",
	States: engine.StateMap{
		Table: map[string]string{
			VNetReady: engine.StateActive,
			VNetInit:  engine.StateWaiting,
			VNetError: engine.StateError,
		},
	},
}

var networkTable = engine.MapperTable[*VNet]{
	engine.Map(engine.AttrID, func(n *VNet) any { return strconv.Itoa(n.ID) }),
	engine.Map(engine.AttrTitle, func(n *VNet) any { return n.Name }),
	engine.Map(engine.AttrSummary, func(n *VNet) any { return n.Description }),
	engine.Map("occi.network.label", func(n *VNet) any { return n.Bridge }),
	{
		Attribute: "occi.network.vlan",
		Transform: func(n *VNet) (any, error) {
			if n.VLANID == "" {
				return nil, nil
			}
			vlan, err := strconv.Atoi(n.VLANID)
			if err != nil {
				return nil, fmt.Errorf("vlan id %q is not a number", n.VLANID)
			}
			return vlan, nil
		},
	},
}

var ipNetworkTable = engine.MapperTable[*VNet]{
	engine.Map("occi.network.address", func(n *VNet) any { return n.Address }),
	engine.Map("occi.network.gateway", func(n *VNet) any { return n.Gateway }),
	engine.Map("occi.network.allocation", func(n *VNet) any {
		if n.Dynamic {
			return "dynamic"
		}
		return "static"
	}),
}

type networkAdapter struct {
	engine.Unimplemented
	*session
}

func newNetworkAdapter(s *session) *networkAdapter {
	return &networkAdapter{Unimplemented: engine.Unimplemented{Desc: descriptor(engine.SubtypeNetwork)}, session: s}
}

func (a *networkAdapter) toEntity(n *VNet) (*engine.Entity, error) {
	e := engine.NewEntity(engine.SubtypeNetwork)
	if n.Address != "" {
		e.AddMixins(schema.IPNetwork)
	}
	attrs, err := engine.Transfer(n, a.schema.EntitySchema(e), engine.TransferSpec[*VNet]{networkTable, ipNetworkTable})
	if err != nil {
		return nil, err
	}
	e.Attach(attrs)
	networkLifecycle.Apply(e, n.State)
	return e, nil
}

func (a *networkAdapter) vnet(ctx context.Context, id string) (*VNet, error) {
	n, err := nativeID(id)
	if err != nil {
		return nil, err
	}
	return call(ctx, a.session, "VNetInfo", engine.KindConnection, func(ctx context.Context, c *Client) (*VNet, error) {
		return c.VNetInfo(ctx, n)
	})
}

// Identifiers implements engine.Adapter.
func (a *networkAdapter) Identifiers(ctx context.Context, filter engine.Filter) ([]string, error) {
	entities, err := a.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return engine.IdentifiersOf(entities), nil
}

// List implements engine.Adapter.
func (a *networkAdapter) List(ctx context.Context, filter engine.Filter) ([]*engine.Entity, error) {
	vnets, err := call(ctx, a.session, "VNetPool", engine.KindConnection, func(ctx context.Context, c *Client) ([]*VNet, error) {
		return c.VNetPool(ctx)
	})
	if err != nil {
		return nil, err
	}
	return filtered(vnets, filter, a.toEntity)
}

// Instance implements engine.Adapter.
func (a *networkAdapter) Instance(ctx context.Context, id string) (*engine.Entity, error) {
	n, err := a.vnet(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.toEntity(n)
}

// Create implements engine.Adapter.
func (a *networkAdapter) Create(ctx context.Context, e *engine.Entity) (string, error) {
	vnet := &VNet{Name: e.Title, Description: e.Summary}
	if err := applyNetworkAttributes(vnet, e.Attributes); err != nil {
		return "", err
	}

	id, err := call(ctx, a.session, "VNetAllocate", engine.KindEntityCreate, func(ctx context.Context, c *Client) (int, error) {
		return c.VNetAllocate(ctx, vnet)
	})
	if err != nil {
		return "", err
	}
	return strconv.Itoa(id), nil
}

// Update implements engine.Adapter.
func (a *networkAdapter) Update(ctx context.Context, id string, e *engine.Entity) (*engine.Entity, error) {
	vnet, err := a.vnet(ctx, id)
	if err != nil {
		return nil, err
	}
	vnet.Name, vnet.Description = e.Title, e.Summary
	vnet.Bridge, vnet.VLANID, vnet.Address, vnet.Gateway, vnet.Dynamic = "", "", "", "", false
	if err := applyNetworkAttributes(vnet, e.Attributes); err != nil {
		return nil, err
	}
	return a.save(ctx, vnet)
}

// PartialUpdate implements engine.Adapter.
func (a *networkAdapter) PartialUpdate(ctx context.Context, id string, fragments engine.Fragments) (*engine.Entity, error) {
	vnet, err := a.vnet(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.schema.CheckMutable(engine.SubtypeNetwork, append(fragments.Mixins, schema.IPNetwork), fragments.Attributes); err != nil {
		return nil, err
	}
	if v, ok := fragments.Attributes[engine.AttrTitle]; ok {
		vnet.Name = fmt.Sprint(v)
	}
	if v, ok := fragments.Attributes[engine.AttrSummary]; ok {
		vnet.Description = fmt.Sprint(v)
	}
	if err := applyNetworkAttributes(vnet, fragments.Attributes); err != nil {
		return nil, err
	}
	return a.save(ctx, vnet)
}

func (a *networkAdapter) save(ctx context.Context, vnet *VNet) (*engine.Entity, error) {
	err := exec(ctx, a.session, "VNetUpdate", engine.KindEntityState, func(ctx context.Context, c *Client) error {
		return c.VNetUpdate(ctx, vnet)
	})
	if err != nil {
		return nil, err
	}
	return a.Instance(ctx, strconv.Itoa(vnet.ID))
}

// Delete implements engine.Adapter. Networks with leases in use are
// refused by the orchestrator.
func (a *networkAdapter) Delete(ctx context.Context, id string) (string, error) {
	n, err := nativeID(id)
	if err != nil {
		return "", err
	}
	err = exec(ctx, a.session, "VNetDelete", engine.KindConnection, func(ctx context.Context, c *Client) error {
		return c.VNetDelete(ctx, n)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// applyNetworkAttributes copies the attributes present in attrs onto vnet.
func applyNetworkAttributes(vnet *VNet, attrs engine.Attributes) error {
	if v, ok := attrs["occi.network.vlan"]; ok {
		vlan, ok := schema.ToInt(v)
		if !ok {
			return engine.NewValidationError("vlan must be an integer", nil).WithAttribute("occi.network.vlan")
		}
		vnet.VLANID = strconv.Itoa(vlan)
	}
	if v := attrs.String("occi.network.label"); v != "" {
		vnet.Bridge = v
	}
	if v := attrs.String("occi.network.address"); v != "" {
		vnet.Address = v
	}
	if v := attrs.String("occi.network.gateway"); v != "" {
		vnet.Gateway = v
	}
	if v := attrs.String("occi.network.allocation"); v != "" {
		vnet.Dynamic = v == "dynamic"
	}
	return nil
}
