package opennebula

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	fakeUser     = "oneadmin"
	fakePassword = "opennebula"
)

// fakeCloud is an in-process orchestrator. Locked images and hotplugging
// VMs settle after a fixed number of info calls.
type fakeCloud struct {
	mu        sync.Mutex
	nextID    int
	templates map[string]VMTemplate
	vms       map[int]*VM
	vnets     map[int]*VNet
	images    map[int]*Image
	settling  map[string]int
	faults    map[string]error
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		templates: map[string]VMTemplate{
			"ubuntu": {Arch: "x86_64", VCPU: 1, CPU: 0.5, MemoryMB: 512},
		},
		vms:      map[int]*VM{},
		vnets:    map[int]*VNet{},
		images:   map[int]*Image{},
		settling: map[string]int{},
		faults:   map[string]error{},
	}
}

// failWith makes every later call of method fail with err.
func (f *fakeCloud) failWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[method] = err
}

func (f *fakeCloud) fault(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults[method]
}

func (f *fakeCloud) id() int {
	f.nextID++
	return f.nextID
}

func authorize(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	if got := md.Get("authorization"); len(got) != 1 || got[0] != fakeUser+":"+fakePassword {
		return status.Error(codes.Unauthenticated, "bad session")
	}
	return nil
}

func method[Req, Resp any](f *fakeCloud, name string, fn func(*Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if err := authorize(ctx); err != nil {
				return nil, err
			}
			if err := f.fault(name); err != nil {
				return nil, err
			}
			return fn(req)
		},
	}
}

func (f *fakeCloud) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			method(f, "VMInfo", f.vmInfo),
			method(f, "VMPool", f.vmPool),
			method(f, "TemplateInstantiate", f.instantiate),
			method(f, "VMAction", f.vmAction),
			method(f, "VMUpdate", f.vmUpdate),
			method(f, "VMTerminate", f.vmTerminate),
			method(f, "VMAttachNIC", f.attachNIC),
			method(f, "VMDetachNIC", f.detachNIC),
			method(f, "VMAttachDisk", f.attachDisk),
			method(f, "VMDetachDisk", f.detachDisk),
			method(f, "VNetInfo", f.vnetInfo),
			method(f, "VNetPool", f.vnetPool),
			method(f, "VNetAllocate", f.vnetAllocate),
			method(f, "VNetUpdate", f.vnetUpdate),
			method(f, "VNetDelete", f.vnetDelete),
			method(f, "ImageInfo", f.imageInfo),
			method(f, "ImagePool", f.imagePool),
			method(f, "ImageAllocate", f.imageAllocate),
			method(f, "ImageUpdate", f.imageUpdate),
			method(f, "ImageEnable", f.imageEnable),
			method(f, "ImageClone", f.imageClone),
			method(f, "ImageDelete", f.imageDelete),
		},
	}
}

// settle counts down a pending transition and reports whether it is done.
func (f *fakeCloud) settle(key string) bool {
	n, ok := f.settling[key]
	if !ok {
		return false
	}
	if n > 1 {
		f.settling[key] = n - 1
		return false
	}
	delete(f.settling, key)
	return true
}

func (f *fakeCloud) getVM(id int) (*VM, error) {
	vm, ok := f.vms[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "vm %d not found", id)
	}
	return vm, nil
}

func (f *fakeCloud) vmInfo(req *idRequest) (*VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.getVM(req.ID)
	if err != nil {
		return nil, err
	}
	if f.settle(fmt.Sprintf("vm/%d", vm.ID)) {
		vm.LCMState = LCMRunning
	}
	return vm, nil
}

func (f *fakeCloud) vmPool(*poolRequest) (*vmList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &vmList{}
	for _, vm := range f.vms {
		out.VMs = append(out.VMs, vm)
	}
	sort.Slice(out.VMs, func(i, j int) bool { return out.VMs[i].ID < out.VMs[j].ID })
	return out, nil
}

func (f *fakeCloud) instantiate(req *InstantiateRequest) (*idResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tpl, ok := f.templates[req.TemplateName]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "template %s does not exist", req.TemplateName)
	}
	if req.Overrides.Arch != "" {
		tpl.Arch = req.Overrides.Arch
	}
	if req.Overrides.VCPU != 0 {
		tpl.VCPU = req.Overrides.VCPU
	}
	if req.Overrides.CPU != 0 {
		tpl.CPU = req.Overrides.CPU
	}
	if req.Overrides.MemoryMB != 0 {
		tpl.MemoryMB = req.Overrides.MemoryMB
	}
	tpl.Context = req.Overrides.Context

	vm := &VM{ID: f.id(), Name: req.Name, State: VMStateActive, LCMState: LCMRunning, Template: tpl, UserTemplate: req.UserTemplate}
	f.vms[vm.ID] = vm
	return &idResponse{ID: vm.ID}, nil
}

func (f *fakeCloud) vmAction(req *actionRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.getVM(req.ID)
	if err != nil {
		return nil, err
	}
	switch req.Action {
	case "resume", "reboot":
		vm.State, vm.LCMState = VMStateActive, LCMRunning
	case "poweroff":
		vm.State, vm.LCMState = VMStatePoweroff, ""
	case "suspend":
		vm.State, vm.LCMState = "SUSPENDED", ""
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown action %s", req.Action)
	}
	return &empty{}, nil
}

func (f *fakeCloud) vmUpdate(req *vmUpdateRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.getVM(req.ID)
	if err != nil {
		return nil, err
	}
	vm.Name, vm.UserTemplate = req.Name, req.UserTemplate
	return &empty{}, nil
}

func (f *fakeCloud) vmTerminate(req *idRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.getVM(req.ID); err != nil {
		return nil, err
	}
	delete(f.vms, req.ID)
	return &empty{}, nil
}

func (f *fakeCloud) attachNIC(req *attachNICRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.getVM(req.VMID)
	if err != nil {
		return nil, err
	}
	vnet, ok := f.vnets[req.NetworkID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "vnet %d not found", req.NetworkID)
	}
	nicID := 0
	for _, nic := range vm.Template.NICs {
		if nic.NICID >= nicID {
			nicID = nic.NICID + 1
		}
	}
	mac := req.MAC
	if mac == "" {
		mac = fmt.Sprintf("02:00:c0:a8:00:%02x", nicID+1)
	}
	vm.Template.NICs = append(vm.Template.NICs, NIC{NICID: nicID, NetworkID: vnet.ID, MAC: mac, IP: req.IP, Gateway: vnet.Gateway})
	vnet.UsedLeases++
	vm.LCMState = LCMHotplugNIC
	f.settling[fmt.Sprintf("vm/%d", vm.ID)] = 2
	return &empty{}, nil
}

func (f *fakeCloud) detachNIC(req *detachRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.getVM(req.VMID)
	if err != nil {
		return nil, err
	}
	for i, nic := range vm.Template.NICs {
		if nic.NICID == req.SubID {
			vm.Template.NICs = append(vm.Template.NICs[:i], vm.Template.NICs[i+1:]...)
			if vnet, ok := f.vnets[nic.NetworkID]; ok {
				vnet.UsedLeases--
			}
			return &empty{}, nil
		}
	}
	return nil, status.Errorf(codes.NotFound, "nic %d not found", req.SubID)
}

func (f *fakeCloud) attachDisk(req *attachDiskRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.getVM(req.VMID)
	if err != nil {
		return nil, err
	}
	img, ok := f.images[req.ImageID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "image %d not found", req.ImageID)
	}
	if img.State != ImageReady {
		return nil, status.Errorf(codes.FailedPrecondition, "image %d is %s", img.ID, img.State)
	}
	diskID := 1
	for _, d := range vm.Template.Disks {
		if d.DiskID >= diskID {
			diskID = d.DiskID + 1
		}
	}
	target := req.Target
	if target == "" {
		target = fmt.Sprintf("vd%c", 'a'+diskID)
	}
	vm.Template.Disks = append(vm.Template.Disks, Disk{DiskID: diskID, ImageID: img.ID, Target: target})
	img.State, img.RunningVMs = ImageUsed, img.RunningVMs+1
	vm.LCMState = LCMHotplug
	f.settling[fmt.Sprintf("vm/%d", vm.ID)] = 1
	return &empty{}, nil
}

func (f *fakeCloud) detachDisk(req *detachRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, err := f.getVM(req.VMID)
	if err != nil {
		return nil, err
	}
	for i, d := range vm.Template.Disks {
		if d.DiskID == req.SubID {
			vm.Template.Disks = append(vm.Template.Disks[:i], vm.Template.Disks[i+1:]...)
			if img, ok := f.images[d.ImageID]; ok {
				img.RunningVMs--
				if img.RunningVMs == 0 {
					img.State = ImageReady
				}
			}
			return &empty{}, nil
		}
	}
	return nil, status.Errorf(codes.NotFound, "disk %d not found", req.SubID)
}

func (f *fakeCloud) vnetInfo(req *idRequest) (*VNet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vnet, ok := f.vnets[req.ID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "vnet %d not found", req.ID)
	}
	return vnet, nil
}

func (f *fakeCloud) vnetPool(*poolRequest) (*vnetList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &vnetList{}
	for _, vnet := range f.vnets {
		out.VNets = append(out.VNets, vnet)
	}
	sort.Slice(out.VNets, func(i, j int) bool { return out.VNets[i].ID < out.VNets[j].ID })
	return out, nil
}

func (f *fakeCloud) vnetAllocate(req *VNet) (*idResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vnet := *req
	vnet.ID, vnet.State = f.id(), VNetReady
	f.vnets[vnet.ID] = &vnet
	return &idResponse{ID: vnet.ID}, nil
}

func (f *fakeCloud) vnetUpdate(req *VNet) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vnet, ok := f.vnets[req.ID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "vnet %d not found", req.ID)
	}
	updated := *req
	updated.State, updated.UsedLeases = vnet.State, vnet.UsedLeases
	f.vnets[req.ID] = &updated
	return &empty{}, nil
}

func (f *fakeCloud) vnetDelete(req *idRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vnet, ok := f.vnets[req.ID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "vnet %d not found", req.ID)
	}
	if vnet.UsedLeases > 0 {
		return nil, status.Errorf(codes.FailedPrecondition, "vnet %d has %d leases in use", vnet.ID, vnet.UsedLeases)
	}
	delete(f.vnets, req.ID)
	return &empty{}, nil
}

func (f *fakeCloud) getImage(id int) (*Image, error) {
	img, ok := f.images[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "image %d not found", id)
	}
	return img, nil
}

func (f *fakeCloud) imageInfo(req *idRequest) (*Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, err := f.getImage(req.ID)
	if err != nil {
		return nil, err
	}
	if f.settle(fmt.Sprintf("image/%d", img.ID)) {
		img.State = ImageReady
	}
	return img, nil
}

func (f *fakeCloud) imagePool(*poolRequest) (*imageList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &imageList{}
	for _, img := range f.images {
		out.Images = append(out.Images, img)
	}
	sort.Slice(out.Images, func(i, j int) bool { return out.Images[i].ID < out.Images[j].ID })
	return out, nil
}

func (f *fakeCloud) imageAllocate(req *imageAllocateRequest) (*idResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := &Image{ID: f.id(), Name: req.Name, Description: req.Description, SizeMB: req.SizeMB, State: ImageLocked}
	f.images[img.ID] = img
	f.settling[fmt.Sprintf("image/%d", img.ID)] = 2
	return &idResponse{ID: img.ID}, nil
}

func (f *fakeCloud) imageUpdate(req *Image) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, err := f.getImage(req.ID)
	if err != nil {
		return nil, err
	}
	img.Name, img.Description = req.Name, req.Description
	return &empty{}, nil
}

func (f *fakeCloud) imageEnable(req *imageEnableRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, err := f.getImage(req.ID)
	if err != nil {
		return nil, err
	}
	if req.Enable {
		img.State = ImageReady
	} else {
		img.State = ImageDisabled
	}
	return &empty{}, nil
}

func (f *fakeCloud) imageClone(req *imageCloneRequest) (*idResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, err := f.getImage(req.ID)
	if err != nil {
		return nil, err
	}
	img := &Image{ID: f.id(), Name: req.Name, SizeMB: src.SizeMB, State: ImageLocked}
	f.images[img.ID] = img
	f.settling[fmt.Sprintf("image/%d", img.ID)] = 1
	return &idResponse{ID: img.ID}, nil
}

func (f *fakeCloud) imageDelete(req *idRequest) (*empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, err := f.getImage(req.ID)
	if err != nil {
		return nil, err
	}
	if img.RunningVMs > 0 {
		return nil, status.Errorf(codes.FailedPrecondition, "image %d is used by %d VMs", img.ID, img.RunningVMs)
	}
	delete(f.images, req.ID)
	return &empty{}, nil
}
