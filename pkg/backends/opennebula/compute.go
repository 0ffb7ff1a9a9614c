package opennebula

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
)

var computeLifecycle = engine.Lifecycle{
	StateAttribute: "occi.compute.state",
	States: engine.StateMap{
		Table: map[string]string{
			LCMRunning:      engine.StateActive,
			VMStatePoweroff: engine.StateInactive,
			"STOPPED":       engine.StateInactive,
			"UNDEPLOYED":    engine.StateInactive,
			"SUSPENDED":     engine.StateSuspended,
			VMStatePending:  engine.StateWaiting,
			"HOLD":          engine.StateWaiting,
			"PROLOG":        engine.StateWaiting,
			"BOOT":          engine.StateWaiting,
			"EPILOG":        engine.StateWaiting,
			"SHUTDOWN":      engine.StateWaiting,
			LCMHotplug:      engine.StateWaiting,
			LCMHotplugNIC:   engine.StateWaiting,
			VMStateFailed:   engine.StateError,
		},
		Default: engine.StateInactive,
		Overrides: []engine.StateOverride{
			{Match: func(native string) bool { return strings.Contains(native, "FAILURE") }, State: engine.StateError},
		},
	},
	Partition: engine.ActionPartition{
		ActiveStates: []string{engine.StateActive},
		Active:       []string{"stop", "restart", "suspend"},
		Inactive:     []string{"start"},
		Never:        []string{engine.StateError, engine.StateWaiting},
	},
}

// computeActions maps gateway actions to orchestrator VM actions.
var computeActions = map[string]string{
	"start":   "resume",
	"stop":    "poweroff",
	"restart": "reboot",
	"suspend": "suspend",
}

var computeTable = engine.MapperTable[*VM]{
	engine.Map(engine.AttrID, func(vm *VM) any { return strconv.Itoa(vm.ID) }),
	engine.Map(engine.AttrTitle, func(vm *VM) any { return vm.Name }),
	engine.Map(engine.AttrSummary, func(vm *VM) any { return vm.UserTemplate[keyDescription] }),
	engine.Map("occi.compute.architecture", func(vm *VM) any { return vm.Template.Arch }),
	engine.Map("occi.compute.cores", func(vm *VM) any { return nonZero(vm.Template.VCPU) }),
	engine.Map("occi.compute.share", func(vm *VM) any { return nonZero(int(math.Round(vm.Template.CPU * 100))) }),
	engine.Map("occi.compute.memory", func(vm *VM) any {
		if vm.Template.MemoryMB == 0 {
			return nil
		}
		return float64(vm.Template.MemoryMB) / 1024
	}),
	engine.Map("occi.compute.hostname", func(vm *VM) any { return vm.Template.Context["SET_HOSTNAME"] }),
	engine.Map("occi.compute.state.message", func(vm *VM) any {
		if computeLifecycle.States.Derive(vm.Native()) != engine.StateError {
			return nil
		}
		return "orchestrator reports " + vm.Native()
	}),
}

// contextTable maps contextualization mixin attributes.
var contextTable = engine.MapperTable[*VM]{
	engine.Map("occi.compute.userdata", func(vm *VM) any { return vm.Template.Context["USER_DATA"] }),
	engine.Map("occi.credentials.ssh.publickey", func(vm *VM) any { return vm.Template.Context["SSH_PUBLIC_KEY"] }),
}

type computeAdapter struct {
	engine.Unimplemented
	*session
}

func newComputeAdapter(s *session) *computeAdapter {
	return &computeAdapter{Unimplemented: engine.Unimplemented{Desc: descriptor(engine.SubtypeCompute)}, session: s}
}

func (a *computeAdapter) toEntity(vm *VM) (*engine.Entity, error) {
	e := engine.NewEntity(engine.SubtypeCompute)
	e.AddMixins(splitMixins(vm.UserTemplate[keyMixins])...)
	attrs, err := engine.Transfer(vm, a.schema.EntitySchema(e), engine.TransferSpec[*VM]{computeTable, contextTable})
	if err != nil {
		return nil, err
	}
	e.Attach(attrs)
	computeLifecycle.Apply(e, vm.Native())
	return e, nil
}

func (a *computeAdapter) vm(ctx context.Context, id string) (*VM, error) {
	n, err := nativeID(id)
	if err != nil {
		return nil, err
	}
	return call(ctx, a.session, "VMInfo", engine.KindConnection, func(ctx context.Context, c *Client) (*VM, error) {
		return c.VMInfo(ctx, n)
	})
}

func (a *computeAdapter) pool(ctx context.Context) ([]*VM, error) {
	return call(ctx, a.session, "VMPool", engine.KindConnection, func(ctx context.Context, c *Client) ([]*VM, error) {
		return c.VMPool(ctx)
	})
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
	vms, err := a.pool(ctx)
	if err != nil {
		return nil, err
	}
	return filtered(vms, filter, a.toEntity)
}

// Instance implements engine.Adapter.
func (a *computeAdapter) Instance(ctx context.Context, id string) (*engine.Entity, error) {
	vm, err := a.vm(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.toEntity(vm)
}

// Create implements engine.Adapter. The OS template mixin names the
// orchestrator template to instantiate.
func (a *computeAdapter) Create(ctx context.Context, e *engine.Entity) (string, error) {
	tpl := a.osTemplate(e.Mixins)
	if tpl == "" {
		return "", engine.NewValidationError("compute requires an OS template mixin", nil).WithOperation("create")
	}

	req := &InstantiateRequest{
		TemplateName: tpl,
		Name:         e.Title,
		Overrides: VMTemplate{
			Arch:    e.Attributes.String("occi.compute.architecture"),
			Context: map[string]string{},
		},
		UserTemplate: map[string]string{keyMixins: strings.Join(e.Mixins, ",")},
	}
	if e.Summary != "" {
		req.UserTemplate[keyDescription] = e.Summary
	}
	if cores, ok := schema.ToInt(e.Attributes["occi.compute.cores"]); ok {
		req.Overrides.VCPU = cores
	}
	if share, ok := schema.ToInt(e.Attributes["occi.compute.share"]); ok {
		req.Overrides.CPU = float64(share) / 100
	}
	if mem, ok := schema.ToFloat(e.Attributes["occi.compute.memory"]); ok {
		req.Overrides.MemoryMB = int(math.Round(mem * 1024))
	}
	for attr, key := range map[string]string{
		"occi.compute.hostname":          "SET_HOSTNAME",
		"occi.compute.userdata":          "USER_DATA",
		"occi.credentials.ssh.publickey": "SSH_PUBLIC_KEY",
	} {
		if v := e.Attributes.String(attr); v != "" {
			req.Overrides.Context[key] = v
		}
	}

	id, err := call(ctx, a.session, "TemplateInstantiate", engine.KindEntityCreate, func(ctx context.Context, c *Client) (int, error) {
		return c.TemplateInstantiate(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return strconv.Itoa(id), nil
}

// Update implements engine.Adapter. Only the name and description can be
// changed on a running VM; any other attribute that differs from the
// current value fails with NotImplemented, as do removed mixins.
func (a *computeAdapter) Update(ctx context.Context, id string, e *engine.Entity) (*engine.Entity, error) {
	vm, err := a.vm(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := a.toEntity(vm)
	if err != nil {
		return nil, err
	}
	for _, m := range current.Mixins {
		if !e.HasMixin(m) {
			return nil, engine.NewNotImplementedError("update").WithResource(id)
		}
	}

	attrs := e.Attributes.Clone()
	attrs[engine.AttrTitle] = e.Title
	attrs[engine.AttrSummary] = e.Summary
	return a.modify(ctx, vm, current, "update", attrs, e.Mixins)
}

// PartialUpdate implements engine.Adapter.
func (a *computeAdapter) PartialUpdate(ctx context.Context, id string, fragments engine.Fragments) (*engine.Entity, error) {
	vm, err := a.vm(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := a.toEntity(vm)
	if err != nil {
		return nil, err
	}
	return a.modify(ctx, vm, current, "partial_update", fragments.Attributes, append(current.Mixins, fragments.Mixins...))
}

// modify writes the name, description and mixin set of vm. Attributes that
// keep their current value are accepted whatever their mutability.
func (a *computeAdapter) modify(ctx context.Context, vm *VM, current *engine.Entity, op string, attrs engine.Attributes, mixins []string) (*engine.Entity, error) {
	merged := engine.NewEntity(engine.SubtypeCompute)
	merged.AddMixins(mixins...)
	for _, m := range merged.Mixins {
		if current.HasMixin(m) {
			continue
		}
		mixin, ok := a.schema.Mixin(m)
		if !ok || !mixin.AppliesTo(engine.SubtypeCompute) {
			return nil, engine.NewValidationError("mixin "+m+" cannot be attached to "+engine.SubtypeCompute, nil).
				WithResource(current.ID)
		}
	}

	changed := engine.Attributes{}
	for name, v := range attrs {
		if name == engine.AttrID {
			continue
		}
		if old, ok := current.Attributes[name]; ok && sameValue(old, v) {
			continue
		}
		if v == nil || v == "" {
			if _, ok := current.Attributes[name]; !ok {
				continue
			}
		}
		changed[name] = v
	}
	if err := a.schema.CheckMutable(engine.SubtypeCompute, merged.Mixins, changed); err != nil {
		return nil, err
	}
	for _, name := range changed.Names() {
		if name != engine.AttrTitle && name != engine.AttrSummary {
			return nil, engine.NewNotImplementedError(op).WithAttribute(name).WithResource(current.ID)
		}
	}

	name := vm.Name
	if v, ok := changed[engine.AttrTitle]; ok {
		name = fmt.Sprint(v)
	}
	tmpl := copyTemplate(vm.UserTemplate)
	if v, ok := changed[engine.AttrSummary]; ok {
		tmpl[keyDescription] = fmt.Sprint(v)
	}
	tmpl[keyMixins] = strings.Join(merged.Mixins, ",")
	return a.rename(ctx, vm, name, tmpl)
}

// sameValue compares attribute values, treating numbers of any Go type as
// equal when their values are.
func sameValue(a, b any) bool {
	if x, ok := schema.ToFloat(a); ok {
		y, ok := schema.ToFloat(b)
		return ok && x == y
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func (a *computeAdapter) rename(ctx context.Context, vm *VM, name string, tmpl map[string]string) (*engine.Entity, error) {
	err := exec(ctx, a.session, "VMUpdate", engine.KindEntityState, func(ctx context.Context, c *Client) error {
		return c.VMUpdate(ctx, vm.ID, name, tmpl)
	})
	if err != nil {
		return nil, err
	}
	return a.Instance(ctx, strconv.Itoa(vm.ID))
}

// Trigger implements engine.Adapter.
func (a *computeAdapter) Trigger(ctx context.Context, id string, action engine.ActionInstance) ([]*engine.Entity, error) {
	current, err := a.Instance(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := engine.EnsureActionEnabled(current, action.Action); err != nil {
		return nil, err
	}
	native, ok := computeActions[action.Action]
	if !ok {
		return nil, engine.NewNotImplementedError("trigger " + action.Action).WithResource(id)
	}

	n, _ := nativeID(id)
	err = exec(ctx, a.session, "VMAction", engine.KindEntityState, func(ctx context.Context, c *Client) error {
		return c.VMAction(ctx, n, native)
	})
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
	n, err := nativeID(id)
	if err != nil {
		return "", err
	}
	err = exec(ctx, a.session, "VMTerminate", engine.KindConnection, func(ctx context.Context, c *Client) error {
		return c.VMTerminate(ctx, n)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// osTemplate returns the term of the attached OS template mixin.
func (a *computeAdapter) osTemplate(mixins []string) string {
	for _, id := range mixins {
		if m, ok := a.schema.Mixin(id); ok && m.DependsOn(schema.OSTemplate) {
			return m.Term
		}
	}
	return ""
}

func splitMixins(s string) []string {
	if s == "" {
		return nil
	}
	out := strings.Split(s, ",")
	sort.Strings(out)
	return out
}

func copyTemplate(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
