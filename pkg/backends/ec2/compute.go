package ec2

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
)

// DefaultInstanceType is used when no resource template names one.
const DefaultInstanceType = "t3.micro"

// stateFailed is the native state reported for instances stopped by the
// provider with a Server.* reason.
const stateFailed = "failed"

var computeLifecycle = engine.Lifecycle{
	StateAttribute: "occi.compute.state",
	States: engine.StateMap{
		Table: map[string]string{
			string(types.InstanceStateNameRunning):      engine.StateActive,
			string(types.InstanceStateNameStopped):      engine.StateInactive,
			string(types.InstanceStateNamePending):      engine.StateWaiting,
			string(types.InstanceStateNameStopping):     engine.StateWaiting,
			string(types.InstanceStateNameShuttingDown): engine.StateWaiting,
			stateFailed:                                 engine.StateError,
		},
		Default: engine.StateInactive,
	},
	Partition: engine.ActionPartition{
		ActiveStates: []string{engine.StateActive},
		Active:       []string{"stop", "restart", "suspend"},
		Inactive:     []string{"start"},
		Never:        []string{engine.StateError, engine.StateWaiting},
	},
}

// liveStates are the instance states listed; terminated instances linger
// in the API for a while but no longer exist for the gateway.
var liveStates = []string{
	string(types.InstanceStateNamePending),
	string(types.InstanceStateNameRunning),
	string(types.InstanceStateNameStopping),
	string(types.InstanceStateNameStopped),
	string(types.InstanceStateNameShuttingDown),
}

func nativeState(i *types.Instance) string {
	if i.State == nil {
		return ""
	}
	if i.State.Name == types.InstanceStateNameStopped && i.StateReason != nil &&
		strings.HasPrefix(aws.ToString(i.StateReason.Code), "Server.") {
		return stateFailed
	}
	return string(i.State.Name)
}

var architectures = map[types.ArchitectureValues]string{
	types.ArchitectureValuesI386:  "x86",
	types.ArchitectureValuesX8664: "x64",
}

var computeTable = engine.MapperTable[*types.Instance]{
	engine.Map(engine.AttrID, func(i *types.Instance) any { return aws.ToString(i.InstanceId) }),
	engine.Map(engine.AttrTitle, func(i *types.Instance) any { return tag(i.Tags, tagName) }),
	engine.Map(engine.AttrSummary, func(i *types.Instance) any { return tag(i.Tags, tagSummary) }),
	engine.Map("occi.compute.architecture", func(i *types.Instance) any {
		if arch, ok := architectures[i.Architecture]; ok {
			return arch
		}
		return string(i.Architecture)
	}),
	engine.Map("occi.compute.cores", func(i *types.Instance) any {
		if i.CpuOptions == nil || i.CpuOptions.CoreCount == nil {
			return nil
		}
		threads := aws.ToInt32(i.CpuOptions.ThreadsPerCore)
		if threads == 0 {
			threads = 1
		}
		return int(aws.ToInt32(i.CpuOptions.CoreCount) * threads)
	}),
	engine.Map("occi.compute.hostname", func(i *types.Instance) any { return aws.ToString(i.PrivateDnsName) }),
	engine.Map("occi.compute.state.message", func(i *types.Instance) any {
		if nativeState(i) != stateFailed {
			return nil
		}
		return aws.ToString(i.StateReason.Message)
	}),
}

type computeAdapter struct {
	engine.Unimplemented
	*session
}

func newComputeAdapter(s *session) *computeAdapter {
	return &computeAdapter{Unimplemented: engine.Unimplemented{Desc: descriptor(engine.SubtypeCompute)}, session: s}
}

func (a *computeAdapter) toEntity(i *types.Instance) (*engine.Entity, error) {
	e := engine.NewEntity(engine.SubtypeCompute)
	e.AddMixins(splitMixins(tag(i.Tags, tagMixins))...)
	attrs, err := engine.Transfer(i, a.schema.EntitySchema(e), engine.TransferSpec[*types.Instance]{computeTable})
	if err != nil {
		return nil, err
	}
	e.Attach(attrs)
	computeLifecycle.Apply(e, nativeState(i))
	return e, nil
}

// describe pages through DescribeInstances.
func (a *computeAdapter) describe(ctx context.Context, in *ec2.DescribeInstancesInput) ([]*types.Instance, error) {
	return call(ctx, a.session, "DescribeInstances", engine.KindConnection, func(ctx context.Context, api ec2API) ([]*types.Instance, error) {
		var out []*types.Instance
		pages := ec2.NewDescribeInstancesPaginator(api, in)
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, r := range page.Reservations {
				for idx := range r.Instances {
					out = append(out, &r.Instances[idx])
				}
			}
		}
		return out, nil
	})
}

func (a *computeAdapter) instance(ctx context.Context, id string) (*types.Instance, error) {
	if err := checkID(id, instanceIDPattern); err != nil {
		return nil, err
	}
	found, err := a.describe(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return nil, err
	}
	for _, i := range found {
		if aws.ToString(i.InstanceId) == id && i.State != nil && i.State.Name != types.InstanceStateNameTerminated {
			return i, nil
		}
	}
	return nil, engine.NewNotFoundError(id, nil)
}

// Identifiers implements engine.Adapter.
func (a *computeAdapter) Identifiers(ctx context.Context, filter engine.Filter) ([]string, error) {
	entities, err := a.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return engine.IdentifiersOf(entities), nil
}

// List implements engine.Adapter.
func (a *computeAdapter) List(ctx context.Context, filter engine.Filter) ([]*engine.Entity, error) {
	found, err := a.describe(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{Name: aws.String("instance-state-name"), Values: liveStates}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*engine.Entity, 0, len(found))
	for _, i := range found {
		e, err := a.toEntity(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return engine.FilterEntities(out, filter), nil
}

// Instance implements engine.Adapter.
func (a *computeAdapter) Instance(ctx context.Context, id string) (*engine.Entity, error) {
	i, err := a.instance(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.toEntity(i)
}

// Create implements engine.Adapter. The OS template names the AMI, either
// directly ("ami-...") or through the "ami_<term>" setting; the resource
// template names the instance type the same way. With the "wait" setting
// enabled Create returns once the instance has left pending.
func (a *computeAdapter) Create(ctx context.Context, e *engine.Entity) (string, error) {
	opts := a.deps.Options
	ami := a.template(e.Mixins, schema.OSTemplate, "ami-", "ami_", "")
	if ami == "" {
		return "", engine.NewValidationError("compute requires an OS template mixin naming an image", nil).WithOperation("create")
	}
	instanceType := a.template(e.Mixins, schema.ResourceTemplate, "", "instance_type_",
		opts.Setting("instance_type", DefaultInstanceType))

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(ami),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         metadataTags(e.Title, e.Summary, e.Mixins),
		}},
	}
	if v := e.Attributes.String("occi.compute.userdata"); v != "" {
		in.UserData = aws.String(v)
	}
	if key := opts.Setting("key_name", ""); key != "" {
		in.KeyName = aws.String(key)
	}

	out, err := call(ctx, a.session, "RunInstances", engine.KindEntityCreate, func(ctx context.Context, api ec2API) (*ec2.RunInstancesOutput, error) {
		return api.RunInstances(ctx, in)
	})
	if err != nil {
		return "", err
	}
	if len(out.Instances) == 0 {
		return "", engine.NewCreateError("provider returned no instance", nil)
	}
	id := aws.ToString(out.Instances[0].InstanceId)

	if opts.Setting("wait", "false") == "true" {
		_, err := backend.Wait(ctx, a.caller, id,
			func(ctx context.Context) (*types.Instance, error) { return a.instance(ctx, id) },
			launched,
		)
		if err != nil {
			return "", err
		}
	}
	return id, nil
}

// launched reports whether an instance has left the pending state.
func launched(i *types.Instance) bool {
	return i != nil && i.State != nil && i.State.Name != types.InstanceStateNamePending
}

// template resolves the native name behind the attached template mixin of
// the given parent. Terms starting with prefix are used as is, others are
// looked up in the "<setting><term>" option.
func (a *computeAdapter) template(mixins []string, parent, prefix, setting, def string) string {
	for _, id := range mixins {
		m, ok := a.schema.Mixin(id)
		if !ok || !m.DependsOn(parent) {
			continue
		}
		if prefix != "" && strings.HasPrefix(m.Term, prefix) {
			return m.Term
		}
		if v := a.deps.Options.Setting(setting+m.Term, ""); v != "" {
			return v
		}
	}
	return def
}

// Update implements engine.Adapter. Only the title and summary tags can
// change on an instance.
func (a *computeAdapter) Update(ctx context.Context, id string, e *engine.Entity) (*engine.Entity, error) {
	if _, err := a.instance(ctx, id); err != nil {
		return nil, err
	}
	attrs := engine.Attributes{engine.AttrTitle: e.Title, engine.AttrSummary: e.Summary}
	if err := retag(ctx, a.session, id, attrs); err != nil {
		return nil, err
	}
	return a.Instance(ctx, id)
}

// PartialUpdate implements engine.Adapter.
func (a *computeAdapter) PartialUpdate(ctx context.Context, id string, fragments engine.Fragments) (*engine.Entity, error) {
	current, err := a.Instance(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.schema.CheckMutable(engine.SubtypeCompute, current.Mixins, fragments.Attributes); err != nil {
		return nil, err
	}
	if len(fragments.Mixins) > 0 {
		return nil, engine.NewNotImplementedError("partial_update").WithResource(id)
	}
	if err := checkPresentationOnly(id, "partial_update", fragments.Attributes); err != nil {
		return nil, err
	}
	if err := retag(ctx, a.session, id, fragments.Attributes); err != nil {
		return nil, err
	}
	return a.Instance(ctx, id)
}

// Trigger implements engine.Adapter. Suspend hibernates the instance.
func (a *computeAdapter) Trigger(ctx context.Context, id string, action engine.ActionInstance) ([]*engine.Entity, error) {
	current, err := a.Instance(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := engine.EnsureActionEnabled(current, action.Action); err != nil {
		return nil, err
	}

	ids := []string{id}
	switch action.Action {
	case "start":
		_, err = call(ctx, a.session, "StartInstances", engine.KindEntityState, func(ctx context.Context, api ec2API) (*ec2.StartInstancesOutput, error) {
			return api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
		})
	case "stop", "suspend":
		hibernate := action.Action == "suspend"
		_, err = call(ctx, a.session, "StopInstances", engine.KindEntityState, func(ctx context.Context, api ec2API) (*ec2.StopInstancesOutput, error) {
			return api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids, Hibernate: aws.Bool(hibernate)})
		})
	case "restart":
		_, err = call(ctx, a.session, "RebootInstances", engine.KindEntityState, func(ctx context.Context, api ec2API) (*ec2.RebootInstancesOutput, error) {
			return api.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: ids})
		})
	default:
		return nil, engine.NewNotImplementedError("trigger " + action.Action).WithResource(id)
	}
	if err != nil {
		return nil, err
	}

	e, err := a.Instance(ctx, id)
	if err != nil {
		return nil, err
	}
	return []*engine.Entity{e}, nil
}

// Delete implements engine.Adapter.
func (a *computeAdapter) Delete(ctx context.Context, id string) (string, error) {
	if _, err := a.instance(ctx, id); err != nil {
		return "", err
	}
	_, err := call(ctx, a.session, "TerminateInstances", engine.KindEntityState, func(ctx context.Context, api ec2API) (*ec2.TerminateInstancesOutput, error) {
		return api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
