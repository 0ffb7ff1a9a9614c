package opennebula

// VM states reported by the orchestrator. When State is ACTIVE the
// lifecycle manager state in LCMState is the interesting one.
const (
	VMStateActive   = "ACTIVE"
	VMStatePending  = "PENDING"
	VMStatePoweroff = "POWEROFF"
	VMStateFailed   = "FAILED"

	LCMRunning    = "RUNNING"
	LCMHotplug    = "HOTPLUG"
	LCMHotplugNIC = "HOTPLUG_NIC"
)

// Image states.
const (
	ImageReady    = "READY"
	ImageUsed     = "USED"
	ImageLocked   = "LOCKED"
	ImageDisabled = "DISABLED"
	ImageError    = "ERROR"
)

// VNet states.
const (
	VNetReady = "READY"
	VNetInit  = "INIT"
	VNetError = "ERROR"
)

// UserTemplate keys written by the gateway.
const (
	keyDescription = "DESCRIPTION"
	keyMixins      = "OCCI_MIXINS"
)

// VM is a virtual machine.
type VM struct {
	ID           int               `json:"id"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	LCMState     string            `json:"lcm_state,omitempty"`
	Template     VMTemplate        `json:"template"`
	UserTemplate map[string]string `json:"user_template,omitempty"`
}

// Native returns the state string the gateway derives canonical states from.
func (vm *VM) Native() string {
	if vm.State == VMStateActive && vm.LCMState != "" {
		return vm.LCMState
	}
	return vm.State
}

// VMTemplate is the hardware description of a VM.
type VMTemplate struct {
	Arch     string            `json:"arch,omitempty"`
	VCPU     int               `json:"vcpu,omitempty"`
	CPU      float64           `json:"cpu,omitempty"`
	MemoryMB int               `json:"memory_mb,omitempty"`
	Context  map[string]string `json:"context,omitempty"`
	NICs     []NIC             `json:"nics,omitempty"`
	Disks    []Disk            `json:"disks,omitempty"`
}

// NIC is a network interface of a VM.
type NIC struct {
	NICID     int    `json:"nic_id"`
	NetworkID int    `json:"network_id"`
	MAC       string `json:"mac,omitempty"`
	IP        string `json:"ip,omitempty"`
	Gateway   string `json:"gateway,omitempty"`
}

// Disk is a disk attached to a VM.
type Disk struct {
	DiskID  int    `json:"disk_id"`
	ImageID int    `json:"image_id"`
	Target  string `json:"target,omitempty"`
}

// VNet is a virtual network.
type VNet struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
	Bridge      string `json:"bridge,omitempty"`
	VLANID      string `json:"vlan_id,omitempty"`
	Address     string `json:"address,omitempty"`
	Gateway     string `json:"gateway,omitempty"`
	Dynamic     bool   `json:"dynamic,omitempty"`
	UsedLeases  int    `json:"used_leases,omitempty"`
}

// Image is a disk image in a datastore.
type Image struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
	SizeMB      int    `json:"size_mb"`
	RunningVMs  int    `json:"running_vms,omitempty"`
}

// Request and response messages.

type idRequest struct {
	ID int `json:"id"`
}

type idResponse struct {
	ID int `json:"id"`
}

type empty struct{}

type poolRequest struct{}

type vmList struct {
	VMs []*VM `json:"vms"`
}

type vnetList struct {
	VNets []*VNet `json:"vnets"`
}

type imageList struct {
	Images []*Image `json:"images"`
}

// InstantiateRequest creates a VM from a named template.
type InstantiateRequest struct {
	TemplateName string            `json:"template_name"`
	Name         string            `json:"name"`
	Overrides    VMTemplate        `json:"overrides"`
	UserTemplate map[string]string `json:"user_template,omitempty"`
}

type actionRequest struct {
	ID     int    `json:"id"`
	Action string `json:"action"`
}

type vmUpdateRequest struct {
	ID           int               `json:"id"`
	Name         string            `json:"name"`
	UserTemplate map[string]string `json:"user_template"`
}

type attachNICRequest struct {
	VMID      int    `json:"vm_id"`
	NetworkID int    `json:"network_id"`
	MAC       string `json:"mac,omitempty"`
	IP        string `json:"ip,omitempty"`
}

type attachDiskRequest struct {
	VMID    int    `json:"vm_id"`
	ImageID int    `json:"image_id"`
	Target  string `json:"target,omitempty"`
}

type detachRequest struct {
	VMID  int `json:"vm_id"`
	SubID int `json:"sub_id"`
}

type imageAllocateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SizeMB      int    `json:"size_mb"`
}

type imageEnableRequest struct {
	ID     int  `json:"id"`
	Enable bool `json:"enable"`
}

type imageCloneRequest struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}
