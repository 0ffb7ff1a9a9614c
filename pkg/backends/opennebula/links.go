package opennebula

import (
	"context"
	"regexp"
	"strconv"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
)

var (
	nicPattern  = engine.CompositePattern(engine.SubtypeCompute, "nic")
	diskPattern = engine.CompositePattern(engine.SubtypeCompute, "disk")
)

// linkLifecycle derives link states from the owning VM.
func linkLifecycle(subtype string) engine.Lifecycle {
	return engine.Lifecycle{
		StateAttribute: "occi." + subtype + ".state",
		States: engine.StateMap{
			Table: map[string]string{
				LCMRunning:      engine.StateActive,
				LCMHotplug:      engine.StateWaiting,
				LCMHotplugNIC:   engine.StateWaiting,
				VMStatePoweroff: engine.StateInactive,
			},
			Overrides: []engine.StateOverride{
				{Pattern: regexp.MustCompile(`FAIL`), State: engine.StateError},
			},
		},
	}
}

// vmLinks is the part shared by links living inside a VM.
type vmLinks struct {
	engine.Unimplemented
	*session

	pattern *regexp.Regexp
	subKind string
	target  string
}

func (l *vmLinks) compute() *computeAdapter {
	return newComputeAdapter(l.session)
}

// parse splits a link identifier into the VM and the sub-object IDs.
func (l *vmLinks) parse(id string) (vmID, subID int, err error) {
	cid, err := engine.ParseCompositeID(id, l.pattern)
	if err != nil {
		return 0, 0, err
	}
	if vmID, err = nativeID(cid.ParentID); err != nil {
		return 0, 0, err
	}
	if subID, err = nativeID(cid.SubID); err != nil {
		return 0, 0, err
	}
	return vmID, subID, nil
}

func (l *vmLinks) linkID(vmID, subID int) (string, error) {
	return engine.FormatCompositeID(engine.SubtypeCompute, strconv.Itoa(vmID), l.subKind, strconv.Itoa(subID))
}

// checkTarget verifies through the session's resolver that the target
// exists and returns its native ID.
func (l *vmLinks) checkTarget(ctx context.Context, location string) (int, error) {
	id := engine.IDFromLocation(location)
	n, err := nativeID(id)
	if err != nil {
		return 0, err
	}
	if l.deps.Resolver == nil {
		return n, nil
	}
	targets, err := l.deps.Resolver.Resolve(l.target)
	if err != nil {
		return 0, err
	}
	if _, err := targets.Instance(ctx, id); err != nil {
		return 0, err
	}
	return n, nil
}

// waitHotplug blocks until the VM has left its hotplug state.
func (l *vmLinks) waitHotplug(ctx context.Context, vmID int) (*VM, error) {
	compute := l.compute()
	id := strconv.Itoa(vmID)
	vm, err := backend.Wait(ctx, l.caller, id,
		func(ctx context.Context) (*VM, error) { return compute.vm(ctx, id) },
		func(vm *VM) bool { return vm.LCMState != LCMHotplug && vm.LCMState != LCMHotplugNIC },
	)
	if err != nil {
		return nil, err
	}
	if computeLifecycle.States.Derive(vm.Native()) == engine.StateError {
		return nil, engine.NewCreateError("hotplug failed, VM is in "+vm.Native(), nil).WithResource(id)
	}
	return vm, nil
}

// identifiers lists the links matching filter and returns their IDs.
func (l *vmLinks) identifiers(ctx context.Context, filter engine.Filter, list func(context.Context, engine.Filter) ([]*engine.Entity, error)) ([]string, error) {
	entities, err := list(ctx, filter)
	if err != nil {
		return nil, err
	}
	return engine.IdentifiersOf(entities), nil
}

// nicSource is the native view of one network interface.
type nicSource struct {
	id  string
	vm  *VM
	nic NIC
}

var nicTable = engine.MapperTable[*nicSource]{
	engine.Map(engine.AttrID, func(s *nicSource) any { return s.id }),
	engine.Map(engine.AttrSource, func(s *nicSource) any { return engine.Location(engine.SubtypeCompute, strconv.Itoa(s.vm.ID)) }),
	engine.Map(engine.AttrTarget, func(s *nicSource) any { return engine.Location(engine.SubtypeNetwork, strconv.Itoa(s.nic.NetworkID)) }),
	engine.Map("occi.networkinterface.interface", func(s *nicSource) any { return "eth" + strconv.Itoa(s.nic.NICID) }),
	engine.Map("occi.networkinterface.mac", func(s *nicSource) any { return s.nic.MAC }),
}

var ipNICTable = engine.MapperTable[*nicSource]{
	engine.Map("occi.networkinterface.address", func(s *nicSource) any { return s.nic.IP }),
	engine.Map("occi.networkinterface.gateway", func(s *nicSource) any { return s.nic.Gateway }),
	engine.Map("occi.networkinterface.allocation", func(s *nicSource) any {
		if s.nic.IP == "" {
			return nil
		}
		return "static"
	}),
}

type networkInterfaceAdapter struct {
	vmLinks
	lifecycle engine.Lifecycle
}

func newNetworkInterfaceAdapter(s *session) *networkInterfaceAdapter {
	return &networkInterfaceAdapter{
		vmLinks: vmLinks{
			Unimplemented: engine.Unimplemented{Desc: descriptor(engine.SubtypeNetworkInterface)},
			session:       s,
			pattern:       nicPattern,
			subKind:       "nic",
			target:        engine.SubtypeNetwork,
		},
		lifecycle: linkLifecycle(engine.SubtypeNetworkInterface),
	}
}

func (a *networkInterfaceAdapter) toEntity(vm *VM, nic NIC) (*engine.Entity, error) {
	id, err := a.linkID(vm.ID, nic.NICID)
	if err != nil {
		return nil, err
	}
	e := engine.NewEntity(engine.SubtypeNetworkInterface)
	if nic.IP != "" {
		e.AddMixins(schema.IPNetworkInterface)
	}
	attrs, err := engine.Transfer(&nicSource{id: id, vm: vm, nic: nic}, a.schema.EntitySchema(e),
		engine.TransferSpec[*nicSource]{nicTable, ipNICTable})
	if err != nil {
		return nil, err
	}
	e.Attach(attrs)
	e.TargetKind = engine.SubtypeNetwork
	a.lifecycle.Apply(e, vm.Native())
	return e, nil
}

// Identifiers implements engine.Adapter.
func (a *networkInterfaceAdapter) Identifiers(ctx context.Context, filter engine.Filter) ([]string, error) {
	return a.identifiers(ctx, filter, a.List)
}

// List implements engine.Adapter.
func (a *networkInterfaceAdapter) List(ctx context.Context, filter engine.Filter) ([]*engine.Entity, error) {
	vms, err := a.compute().pool(ctx)
	if err != nil {
		return nil, err
	}
	var out []*engine.Entity
	for _, vm := range vms {
		for _, nic := range vm.Template.NICs {
			e, err := a.toEntity(vm, nic)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return engine.FilterEntities(out, filter), nil
}

// Instance implements engine.Adapter.
func (a *networkInterfaceAdapter) Instance(ctx context.Context, id string) (*engine.Entity, error) {
	vmID, nicID, err := a.parse(id)
	if err != nil {
		return nil, err
	}
	vm, err := a.compute().vm(ctx, strconv.Itoa(vmID))
	if err != nil {
		return nil, err
	}
	for _, nic := range vm.Template.NICs {
		if nic.NICID == nicID {
			return a.toEntity(vm, nic)
		}
	}
	return nil, engine.NewNotFoundError(id, nil)
}

// Create implements engine.Adapter. It blocks until the hotplug finished
// and returns the ID of the newest interface on the network.
func (a *networkInterfaceAdapter) Create(ctx context.Context, e *engine.Entity) (string, error) {
	vmID, err := nativeID(engine.IDFromLocation(e.Source))
	if err != nil {
		return "", err
	}
	netID, err := a.checkTarget(ctx, e.Target)
	if err != nil {
		return "", err
	}

	mac := e.Attributes.String("occi.networkinterface.mac")
	ip := e.Attributes.String("occi.networkinterface.address")
	err = exec(ctx, a.session, "VMAttachNIC", engine.KindEntityCreate, func(ctx context.Context, c *Client) error {
		return c.VMAttachNIC(ctx, vmID, netID, mac, ip)
	})
	if err != nil {
		return "", err
	}

	vm, err := a.waitHotplug(ctx, vmID)
	if err != nil {
		return "", err
	}
	newest := -1
	for _, nic := range vm.Template.NICs {
		if nic.NetworkID == netID && nic.NICID > newest {
			newest = nic.NICID
		}
	}
	if newest < 0 {
		return "", engine.NewCreateError("interface did not appear on VM "+strconv.Itoa(vmID), nil)
	}
	return a.linkID(vmID, newest)
}

// Delete implements engine.Adapter.
func (a *networkInterfaceAdapter) Delete(ctx context.Context, id string) (string, error) {
	if _, err := a.Instance(ctx, id); err != nil {
		return "", err
	}
	vmID, nicID, _ := a.parse(id)
	err := exec(ctx, a.session, "VMDetachNIC", engine.KindEntityState, func(ctx context.Context, c *Client) error {
		return c.VMDetachNIC(ctx, vmID, nicID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// diskSource is the native view of one storage link.
type diskSource struct {
	id   string
	vm   *VM
	disk Disk
}

var diskTable = engine.MapperTable[*diskSource]{
	engine.Map(engine.AttrID, func(s *diskSource) any { return s.id }),
	engine.Map(engine.AttrSource, func(s *diskSource) any { return engine.Location(engine.SubtypeCompute, strconv.Itoa(s.vm.ID)) }),
	engine.Map(engine.AttrTarget, func(s *diskSource) any { return engine.Location(engine.SubtypeStorage, strconv.Itoa(s.disk.ImageID)) }),
	engine.Map("occi.storagelink.deviceid", func(s *diskSource) any { return s.disk.Target }),
}

type storageLinkAdapter struct {
	vmLinks
	lifecycle engine.Lifecycle
}

func newStorageLinkAdapter(s *session) *storageLinkAdapter {
	return &storageLinkAdapter{
		vmLinks: vmLinks{
			Unimplemented: engine.Unimplemented{Desc: descriptor(engine.SubtypeStorageLink)},
			session:       s,
			pattern:       diskPattern,
			subKind:       "disk",
			target:        engine.SubtypeStorage,
		},
		lifecycle: linkLifecycle(engine.SubtypeStorageLink),
	}
}

func (a *storageLinkAdapter) toEntity(vm *VM, disk Disk) (*engine.Entity, error) {
	id, err := a.linkID(vm.ID, disk.DiskID)
	if err != nil {
		return nil, err
	}
	e := engine.NewEntity(engine.SubtypeStorageLink)
	attrs, err := engine.Transfer(&diskSource{id: id, vm: vm, disk: disk}, a.schema.EntitySchema(e),
		engine.TransferSpec[*diskSource]{diskTable})
	if err != nil {
		return nil, err
	}
	e.Attach(attrs)
	e.TargetKind = engine.SubtypeStorage
	a.lifecycle.Apply(e, vm.Native())
	return e, nil
}

// Identifiers implements engine.Adapter.
func (a *storageLinkAdapter) Identifiers(ctx context.Context, filter engine.Filter) ([]string, error) {
	return a.identifiers(ctx, filter, a.List)
}

// List implements engine.Adapter.
func (a *storageLinkAdapter) List(ctx context.Context, filter engine.Filter) ([]*engine.Entity, error) {
	vms, err := a.compute().pool(ctx)
	if err != nil {
		return nil, err
	}
	var out []*engine.Entity
	for _, vm := range vms {
		for _, disk := range vm.Template.Disks {
			e, err := a.toEntity(vm, disk)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return engine.FilterEntities(out, filter), nil
}

// Instance implements engine.Adapter.
func (a *storageLinkAdapter) Instance(ctx context.Context, id string) (*engine.Entity, error) {
	vmID, diskID, err := a.parse(id)
	if err != nil {
		return nil, err
	}
	vm, err := a.compute().vm(ctx, strconv.Itoa(vmID))
	if err != nil {
		return nil, err
	}
	for _, disk := range vm.Template.Disks {
		if disk.DiskID == diskID {
			return a.toEntity(vm, disk)
		}
	}
	return nil, engine.NewNotFoundError(id, nil)
}

// Create implements engine.Adapter. It blocks until the hotplug finished.
func (a *storageLinkAdapter) Create(ctx context.Context, e *engine.Entity) (string, error) {
	vmID, err := nativeID(engine.IDFromLocation(e.Source))
	if err != nil {
		return "", err
	}
	imageID, err := a.checkTarget(ctx, e.Target)
	if err != nil {
		return "", err
	}

	target := e.Attributes.String("occi.storagelink.deviceid")
	err = exec(ctx, a.session, "VMAttachDisk", engine.KindEntityCreate, func(ctx context.Context, c *Client) error {
		return c.VMAttachDisk(ctx, vmID, imageID, target)
	})
	if err != nil {
		return "", err
	}

	vm, err := a.waitHotplug(ctx, vmID)
	if err != nil {
		return "", err
	}
	newest := -1
	for _, disk := range vm.Template.Disks {
		if disk.ImageID == imageID && disk.DiskID > newest {
			newest = disk.DiskID
		}
	}
	if newest < 0 {
		return "", engine.NewCreateError("disk did not appear on VM "+strconv.Itoa(vmID), nil)
	}
	return a.linkID(vmID, newest)
}

// Delete implements engine.Adapter.
func (a *storageLinkAdapter) Delete(ctx context.Context, id string) (string, error) {
	if _, err := a.Instance(ctx, id); err != nil {
		return "", err
	}
	vmID, diskID, _ := a.parse(id)
	err := exec(ctx, a.session, "VMDetachDisk", engine.KindEntityState, func(ctx context.Context, c *Client) error {
		return c.VMDetachDisk(ctx, vmID, diskID)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
