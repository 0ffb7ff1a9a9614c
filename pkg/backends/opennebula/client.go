package opennebula

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/telemetry"
)

// ServiceName is the fully qualified gRPC service of the orchestrator.
const ServiceName = "opennebula.v1.OpenNebula"

// CodecName is the content subtype of the JSON wire codec.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries messages as JSON instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// Client talks to one orchestrator endpoint on behalf of one user.
type Client struct {
	conn    *grpc.ClientConn
	session string
}

// Dial creates a client for endpoint. The connection is established lazily
// by gRPC on the first call.
func Dial(endpoint string, creds engine.Credentials, useTLS bool, opts ...grpc.DialOption) (*Client, error) {
	transport := insecure.NewCredentials()
	if useTLS {
		transport = credentials.NewTLS(nil)
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(transport),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}

	conn, err := grpc.NewClient(endpoint, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}
	return &Client{conn: conn, session: creds.Identity + ":" + creds.Secret}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", c.session)
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
	telemetry.FromContext(ctx).
		WithField("method", method).
		WithField("code", status.Code(err).String()).
		Trace("orchestrator rpc")
	return err
}

// VMInfo returns one VM.
func (c *Client) VMInfo(ctx context.Context, id int) (*VM, error) {
	var vm VM
	if err := c.invoke(ctx, "VMInfo", &idRequest{ID: id}, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// VMPool returns the VMs visible to the user.
func (c *Client) VMPool(ctx context.Context) ([]*VM, error) {
	var out vmList
	if err := c.invoke(ctx, "VMPool", &poolRequest{}, &out); err != nil {
		return nil, err
	}
	return out.VMs, nil
}

// TemplateInstantiate creates a VM and returns its ID.
func (c *Client) TemplateInstantiate(ctx context.Context, req *InstantiateRequest) (int, error) {
	var out idResponse
	if err := c.invoke(ctx, "TemplateInstantiate", req, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// VMAction performs a lifecycle action such as "poweroff" or "resume".
func (c *Client) VMAction(ctx context.Context, id int, action string) error {
	return c.invoke(ctx, "VMAction", &actionRequest{ID: id, Action: action}, &empty{})
}

// VMUpdate renames a VM and replaces its user template.
func (c *Client) VMUpdate(ctx context.Context, id int, name string, userTemplate map[string]string) error {
	return c.invoke(ctx, "VMUpdate", &vmUpdateRequest{ID: id, Name: name, UserTemplate: userTemplate}, &empty{})
}

// VMTerminate destroys a VM.
func (c *Client) VMTerminate(ctx context.Context, id int) error {
	return c.invoke(ctx, "VMTerminate", &idRequest{ID: id}, &empty{})
}

// VMAttachNIC hot-plugs a network interface.
func (c *Client) VMAttachNIC(ctx context.Context, vmID, networkID int, mac, ip string) error {
	return c.invoke(ctx, "VMAttachNIC", &attachNICRequest{VMID: vmID, NetworkID: networkID, MAC: mac, IP: ip}, &empty{})
}

// VMDetachNIC removes a network interface.
func (c *Client) VMDetachNIC(ctx context.Context, vmID, nicID int) error {
	return c.invoke(ctx, "VMDetachNIC", &detachRequest{VMID: vmID, SubID: nicID}, &empty{})
}

// VMAttachDisk hot-plugs an image as a disk.
func (c *Client) VMAttachDisk(ctx context.Context, vmID, imageID int, target string) error {
	return c.invoke(ctx, "VMAttachDisk", &attachDiskRequest{VMID: vmID, ImageID: imageID, Target: target}, &empty{})
}

// VMDetachDisk removes a disk.
func (c *Client) VMDetachDisk(ctx context.Context, vmID, diskID int) error {
	return c.invoke(ctx, "VMDetachDisk", &detachRequest{VMID: vmID, SubID: diskID}, &empty{})
}

// VNetInfo returns one virtual network.
func (c *Client) VNetInfo(ctx context.Context, id int) (*VNet, error) {
	var vnet VNet
	if err := c.invoke(ctx, "VNetInfo", &idRequest{ID: id}, &vnet); err != nil {
		return nil, err
	}
	return &vnet, nil
}

// VNetPool returns the virtual networks visible to the user.
func (c *Client) VNetPool(ctx context.Context) ([]*VNet, error) {
	var out vnetList
	if err := c.invoke(ctx, "VNetPool", &poolRequest{}, &out); err != nil {
		return nil, err
	}
	return out.VNets, nil
}

// VNetAllocate creates a virtual network and returns its ID.
func (c *Client) VNetAllocate(ctx context.Context, vnet *VNet) (int, error) {
	var out idResponse
	if err := c.invoke(ctx, "VNetAllocate", vnet, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// VNetUpdate replaces the mutable fields of a virtual network.
func (c *Client) VNetUpdate(ctx context.Context, vnet *VNet) error {
	return c.invoke(ctx, "VNetUpdate", vnet, &empty{})
}

// VNetDelete removes a virtual network.
func (c *Client) VNetDelete(ctx context.Context, id int) error {
	return c.invoke(ctx, "VNetDelete", &idRequest{ID: id}, &empty{})
}

// ImageInfo returns one image.
func (c *Client) ImageInfo(ctx context.Context, id int) (*Image, error) {
	var img Image
	if err := c.invoke(ctx, "ImageInfo", &idRequest{ID: id}, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// ImagePool returns the images visible to the user.
func (c *Client) ImagePool(ctx context.Context) ([]*Image, error) {
	var out imageList
	if err := c.invoke(ctx, "ImagePool", &poolRequest{}, &out); err != nil {
		return nil, err
	}
	return out.Images, nil
}

// ImageAllocate creates an empty data image and returns its ID. The image
// stays LOCKED until the datastore has prepared it.
func (c *Client) ImageAllocate(ctx context.Context, name, description string, sizeMB int) (int, error) {
	var out idResponse
	req := &imageAllocateRequest{Name: name, Description: description, SizeMB: sizeMB}
	if err := c.invoke(ctx, "ImageAllocate", req, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// ImageUpdate renames an image and replaces its description.
func (c *Client) ImageUpdate(ctx context.Context, img *Image) error {
	return c.invoke(ctx, "ImageUpdate", img, &empty{})
}

// ImageEnable enables or disables an image.
func (c *Client) ImageEnable(ctx context.Context, id int, enable bool) error {
	return c.invoke(ctx, "ImageEnable", &imageEnableRequest{ID: id, Enable: enable}, &empty{})
}

// ImageClone copies an image and returns the copy's ID.
func (c *Client) ImageClone(ctx context.Context, id int, name string) (int, error) {
	var out idResponse
	if err := c.invoke(ctx, "ImageClone", &imageCloneRequest{ID: id, Name: name}, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// ImageDelete removes an image.
func (c *Client) ImageDelete(ctx context.Context, id int) error {
	return c.invoke(ctx, "ImageDelete", &idRequest{ID: id}, &empty{})
}
